package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labdrive/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// notDeleted is the active-only filter applied to every default read.
var notDeleted = bson.M{"$exists": false}

// ContainerService provides generic persistence over the container
// collections. It performs no permission checks itself; callers gate access
// before invoking these primitives.
type ContainerService struct {
	db *mongo.Database
}

func NewContainerService(db *mongo.Database) *ContainerService {
	return &ContainerService{db: db}
}

func (s *ContainerService) collection(level *models.Level) *mongo.Collection {
	return s.db.Collection(level.Collection)
}

// Database exposes the underlying handle for collaborators that share it.
func (s *ContainerService) Database() *mongo.Database {
	return s.db
}

// ListOptions controls List reads.
type ListOptions struct {
	Projection bson.M
	Sort       bson.D
	Skip       int64
	Limit      int64
	// PrincipalID restricts results to containers whose permissions include
	// this principal. Empty means no permission scoping.
	PrincipalID string
}

// Get fetches one active container by id, strips its deleted files, fills
// schema defaults and, for sessions, joins the referenced subject inline.
func (s *ContainerService) Get(ctx context.Context, levelName, id string, projection bson.M) (*models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}

	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}

	var cont models.Container
	err = s.collection(level).FindOne(ctx, bson.M{"_id": key, "deleted": notDeleted}, opts).Decode(&cont)
	if err == mongo.ErrNoDocuments {
		return nil, notFound("could not find %s %s", level.Name, id)
	} else if err != nil {
		return nil, storage(err, "failed to fetch %s %s", level.Name, id)
	}

	if level.Name == models.LevelSession {
		if err := s.joinSubject(ctx, &cont); err != nil {
			return nil, err
		}
	}

	stripDeletedFiles(&cont)
	fillDefaults(&cont)
	cont.ContainerType = level.Name
	return &cont, nil
}

// GetInternal fetches a container without the active-only filter, so the
// deleted timestamp is visible. Intended for internal tooling only.
func (s *ContainerService) GetInternal(ctx context.Context, levelName, id string) (*models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}

	var cont models.Container
	err = s.collection(level).FindOne(ctx, bson.M{"_id": key}).Decode(&cont)
	if err == mongo.ErrNoDocuments {
		return nil, notFound("could not find %s %s", level.Name, id)
	} else if err != nil {
		return nil, storage(err, "failed to fetch %s %s", level.Name, id)
	}
	cont.ContainerType = level.Name
	return &cont, nil
}

// List returns active containers matching filter, with the same file
// filtering and default filling as Get, plus the total match count.
func (s *ContainerService) List(ctx context.Context, levelName string, filter bson.M, opts ListOptions) ([]models.Container, int64, error) {
	level, err := models.LevelByName(levelName)
	if err != nil {
		return nil, 0, validation("%v", err)
	}

	query := bson.M{}
	for k, v := range filter {
		query[k] = v
	}
	query["deleted"] = notDeleted
	if opts.PrincipalID != "" {
		query["permissions"] = bson.M{"$elemMatch": bson.M{"_id": opts.PrincipalID}}
	}

	total, err := s.collection(level).CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, storage(err, "failed to count %s", level.Collection)
	}

	findOpts := options.Find()
	if opts.Projection != nil {
		findOpts.SetProjection(opts.Projection)
	}
	if opts.Sort != nil {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	results, err := s.findContainers(ctx, level, query, findOpts)
	if err != nil {
		return nil, 0, err
	}

	if level.Name == models.LevelSession {
		for i := range results {
			if err := s.joinSubject(ctx, &results[i]); err != nil {
				return nil, 0, err
			}
		}
	}
	return results, total, nil
}

// FindAll is the raw sorted read primitive consumed by the resolver. It
// applies the active-only filter and file stripping but no default filling.
func (s *ContainerService) FindAll(ctx context.Context, levelName string, filter bson.M, projection bson.M, sort bson.D, limit int64) ([]models.Container, error) {
	level, err := models.LevelByName(levelName)
	if err != nil {
		return nil, validation("%v", err)
	}

	query := bson.M{"deleted": notDeleted}
	for k, v := range filter {
		query[k] = v
	}

	findOpts := options.Find()
	if projection != nil {
		findOpts.SetProjection(projection)
	}
	if sort != nil {
		findOpts.SetSort(sort)
	}
	if limit > 0 {
		findOpts.SetLimit(limit)
	}
	return s.findContainers(ctx, level, query, findOpts)
}

func (s *ContainerService) findContainers(ctx context.Context, level *models.Level, query bson.M, findOpts *options.FindOptions) ([]models.Container, error) {
	cursor, err := s.collection(level).Find(ctx, query, findOpts)
	if err != nil {
		return nil, storage(err, "failed to list %s", level.Collection)
	}
	defer cursor.Close(ctx)

	var results []models.Container
	for cursor.Next(ctx) {
		var cont models.Container
		if err := cursor.Decode(&cont); err != nil {
			return nil, storage(err, "failed to decode %s", level.Name)
		}
		stripDeletedFiles(&cont)
		fillDefaults(&cont)
		cont.ContainerType = level.Name
		results = append(results, cont)
	}
	if err := cursor.Err(); err != nil {
		return nil, storage(err, "cursor error listing %s", level.Collection)
	}
	return results, nil
}

// Children lists the active containers at the next hierarchy level whose
// parent reference equals id.
func (s *ContainerService) Children(ctx context.Context, levelName, id string, includeSubjects bool) ([]models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	childName := level.ChildLevel(includeSubjects)
	if childName == "" {
		return nil, validation("children cannot be listed from the %s level", level.Name)
	}

	query := bson.M{level.Name: key, "deleted": notDeleted}
	return s.findContainers(ctx, mustLevel(childName), query, options.Find())
}

// Ancestors walks the direct parent references upward, nearest parent first.
// A missing link ends the walk without error; broken chains yield the
// partial list. With includeSelf, the container itself leads the result.
func (s *ContainerService) Ancestors(ctx context.Context, levelName, id string, includeSelf bool) ([]models.Container, error) {
	level, err := models.LevelByName(levelName)
	if err != nil {
		return nil, validation("%v", err)
	}
	cont, err := s.Get(ctx, level.Name, id, nil)
	if err != nil {
		return nil, err
	}

	var chain []models.Container
	if includeSelf {
		chain = append(chain, *cont)
	}

	current := cont
	currentLevel := level
	for currentLevel.Parent != "" {
		parentLevel := mustLevel(currentLevel.Parent)
		pid := current.ParentID(parentLevel.Name)
		if pid == nil {
			break
		}
		// Soft-deleted ancestors still appear in the chain; only a genuinely
		// missing document ends the walk.
		parent, err := s.GetInternal(ctx, parentLevel.Name, idToString(pid))
		if errorsIsNotFound(err) {
			break
		} else if err != nil {
			return nil, err
		}
		chain = append(chain, *parent)
		current = parent
		currentLevel = parentLevel
	}
	return chain, nil
}

// Create inserts a container after computing its denormalized parents map
// from the declared parent reference. A duplicate key surfaces as Conflict.
func (s *ContainerService) Create(ctx context.Context, levelName string, cont *models.Container) error {
	level, err := models.LevelByName(levelName)
	if err != nil {
		return validation("%v", err)
	}

	now := time.Now().UTC()
	if cont.Created.IsZero() {
		cont.Created = now
	}
	cont.Modified = now

	if level.UseObjectID && cont.ID == nil {
		cont.ID = primitive.NewObjectID()
	}
	if !level.UseObjectID {
		if id, ok := cont.ID.(string); !ok || id == "" {
			return validation("%s requires a string id", level.Name)
		}
	}

	if level.Parent != "" || level.Name == models.LevelAnalysis {
		parents, err := s.computeParents(ctx, level, cont)
		if err != nil {
			return err
		}
		cont.Parents = parents
	}

	if _, err := s.collection(level).InsertOne(ctx, cont); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return conflict("%s with id %v already exists", level.Name, cont.ID)
		}
		return storage(err, "failed to create %s", level.Name)
	}
	cont.ContainerType = level.Name
	return nil
}

// computeParents builds the ancestor map for a container from its declared
// parent: the parent's own parents plus the parent itself.
func (s *ContainerService) computeParents(ctx context.Context, level *models.Level, cont *models.Container) (*models.ParentMap, error) {
	var parentLevel string
	var parentID interface{}

	if level.Name == models.LevelAnalysis {
		if cont.Parent == nil {
			return nil, validation("analysis requires a parent reference")
		}
		parentLevel = cont.Parent.Type
		parentID = cont.Parent.ID
	} else {
		parentLevel = level.Parent
		parentID = cont.ParentID(parentLevel)
		if parentID == nil {
			return nil, validation("%s requires a %s reference", level.Name, parentLevel)
		}
	}

	parent, err := s.Get(ctx, parentLevel, idToString(parentID), nil)
	if err != nil {
		return nil, err
	}

	parents := &models.ParentMap{}
	if parent.Parents != nil {
		copied := *parent.Parents
		parents = &copied
	}
	parents.Set(parentLevel, parent.ID)
	return parents, nil
}

// UpdateResult reports how many documents an update matched and modified.
type UpdateResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
}

// Update applies field-level set/unset updates. If set reparents the
// container (touches its parent reference field), cascadeParents must be
// true and the new ancestor ids are pushed into every descendant's parents
// map before the call returns.
func (s *ContainerService) Update(ctx context.Context, levelName, id string, set bson.M, unset bson.M, cascadeParents bool) (*UpdateResult, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}

	update := bson.M{}
	setFields := bson.M{"modified": time.Now().UTC()}
	for k, v := range set {
		setFields[k] = v
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	parentField := level.Parent
	if level.Name == models.LevelAnalysis {
		parentField = "parent"
	}

	reparented := false
	if parentField != "" {
		if _, ok := set[parentField]; ok {
			reparented = true
		}
	}
	if reparented && !cascadeParents {
		return nil, validation("changing %s of a %s requires cascading parents", parentField, level.Name)
	}

	var descendantSet bson.M
	if reparented {
		stub := models.Container{ID: key}
		if level.Name == models.LevelAnalysis {
			ref, ok := set[parentField].(*models.ContainerRef)
			if !ok {
				return nil, validation("analysis parent must be a container reference")
			}
			stub.Parent = ref
		} else {
			stub.SetParentID(parentField, set[parentField])
		}
		parents, err := s.computeParents(ctx, level, &stub)
		if err != nil {
			return nil, err
		}
		descendantSet = bson.M{}
		for lvl, pid := range parentEntries(parents) {
			setFields["parents."+lvl] = pid
			descendantSet["parents."+lvl] = pid
		}
	}
	update["$set"] = setFields

	res, err := s.collection(level).UpdateOne(ctx, bson.M{"_id": key}, update)
	if err != nil {
		return nil, storage(err, "failed to update %s %s", level.Name, id)
	}
	if res.MatchedCount == 0 {
		return nil, notFound("could not find %s %s", level.Name, id)
	}

	if reparented {
		if err := s.propagateToDescendants(ctx, level, key, descendantSet); err != nil {
			return nil, err
		}
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// propagateToDescendants pushes parent-map updates down the hierarchy level
// by level with a worklist of ids, synchronously. Writes already applied are
// not rolled back when a later level fails.
func (s *ContainerService) propagateToDescendants(ctx context.Context, level *models.Level, id interface{}, set bson.M) error {
	currentLevel := level
	ids := []interface{}{id}

	for len(ids) > 0 {
		// Analyses attached anywhere in the affected subtree track the same
		// ancestor change.
		_, err := s.db.Collection("analyses").UpdateMany(ctx,
			bson.M{"parent.type": currentLevel.Name, "parent.id": bson.M{"$in": ids}},
			bson.M{"$set": set})
		if err != nil {
			return storage(err, "failed to propagate parents to analyses of %s", currentLevel.Name)
		}

		childName := currentLevel.Child
		if childName == "" {
			break
		}
		childLevel := mustLevel(childName)

		cursor, err := s.collection(childLevel).Find(ctx,
			bson.M{currentLevel.Name: bson.M{"$in": ids}},
			options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return storage(err, "failed to find %s descendants", childLevel.Collection)
		}
		var childIDs []interface{}
		for cursor.Next(ctx) {
			var doc struct {
				ID interface{} `bson:"_id"`
			}
			if err := cursor.Decode(&doc); err != nil {
				cursor.Close(ctx)
				return storage(err, "failed to decode %s id", childLevel.Name)
			}
			childIDs = append(childIDs, doc.ID)
		}
		cursor.Close(ctx)

		if len(childIDs) > 0 {
			_, err = s.collection(childLevel).UpdateMany(ctx,
				bson.M{"_id": bson.M{"$in": childIDs}},
				bson.M{"$set": set})
			if err != nil {
				return storage(err, "failed to propagate parents to %s", childLevel.Collection)
			}
		}

		currentLevel = childLevel
		ids = childIDs
	}
	return nil
}

// SoftDelete stamps the container's deleted timestamp. Children are left
// untouched.
func (s *ContainerService) SoftDelete(ctx context.Context, levelName, id string) (*UpdateResult, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.collection(level).UpdateOne(ctx,
		bson.M{"_id": key, "deleted": notDeleted},
		bson.M{"$set": bson.M{"deleted": now, "modified": now}})
	if err != nil {
		return nil, storage(err, "failed to delete %s %s", level.Name, id)
	}
	if res.MatchedCount == 0 {
		return nil, notFound("could not find %s %s", level.Name, id)
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// InfoUpdate describes a modification of a container's info blob. Replace is
// mutually exclusive with Set/Delete.
type InfoUpdate struct {
	Set     bson.M   `json:"set,omitempty"`
	Delete  []string `json:"delete,omitempty"`
	Replace bson.M   `json:"replace,omitempty"`
}

// ModifyInfo applies an InfoUpdate: replace overwrites the whole blob
// atomically, set/delete address individual dotted keys.
func (s *ContainerService) ModifyInfo(ctx context.Context, levelName, id string, payload InfoUpdate) (*UpdateResult, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	if payload.Replace != nil && (len(payload.Set) > 0 || len(payload.Delete) > 0) {
		return nil, validation("cannot set or delete AND replace info fields")
	}

	setFields := bson.M{"modified": time.Now().UTC()}
	update := bson.M{}

	if payload.Replace != nil {
		setFields["info"] = payload.Replace
	} else {
		for k, v := range payload.Set {
			setFields["info."+k] = v
		}
		if len(payload.Delete) > 0 {
			unset := bson.M{}
			for _, k := range payload.Delete {
				unset["info."+k] = ""
			}
			update["$unset"] = unset
		}
	}
	update["$set"] = setFields

	res, err := s.collection(level).UpdateOne(ctx, bson.M{"_id": key}, update)
	if err != nil {
		return nil, storage(err, "failed to modify info on %s %s", level.Name, id)
	}
	if res.MatchedCount == 0 {
		return nil, notFound("could not find %s %s", level.Name, id)
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// ---- file array mutation helpers (used by the versioning engine) ----

// AddFile appends a file record and returns the updated container.
func (s *ContainerService) AddFile(ctx context.Context, levelName, id string, file models.FileEntry) (*models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	return s.findOneAndUpdate(ctx, level,
		bson.M{"_id": key},
		bson.M{"$push": bson.M{"files": file}, "$set": bson.M{"modified": time.Now().UTC()}})
}

// ReplaceFile overwrites the file record matching file.Name in place.
func (s *ContainerService) ReplaceFile(ctx context.Context, levelName, id string, file models.FileEntry) (*models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	return s.findOneAndUpdate(ctx, level,
		bson.M{"_id": key, "files.name": file.Name},
		bson.M{"$set": bson.M{"files.$": file, "modified": time.Now().UTC()}})
}

// RemoveFile physically removes the file record with the given name.
func (s *ContainerService) RemoveFile(ctx context.Context, levelName, id, name string) (*models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	return s.findOneAndUpdate(ctx, level,
		bson.M{"_id": key, "files.name": name},
		bson.M{"$pull": bson.M{"files": bson.M{"name": name}}})
}

// DeleteFileEntry soft-deletes the file record with the given name. The
// entry stays in the array until the purge job removes it for good.
func (s *ContainerService) DeleteFileEntry(ctx context.Context, levelName, id, name string) (*models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return s.findOneAndUpdate(ctx, level,
		bson.M{"_id": key, "files.name": name},
		bson.M{"$set": bson.M{"files.$.deleted": now, "files.$.modified": now, "modified": now}})
}

// UpdateFileFields merges fields into the file record matching name and
// stamps only that file's modified timestamp.
func (s *ContainerService) UpdateFileFields(ctx context.Context, levelName, id, name string, fields bson.M) (*models.Container, error) {
	level, key, err := s.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}
	set := bson.M{"files.$.modified": time.Now().UTC()}
	for k, v := range fields {
		set["files.$."+k] = v
	}
	return s.findOneAndUpdate(ctx, level,
		bson.M{"_id": key, "files.name": name},
		bson.M{"$set": set})
}

func (s *ContainerService) findOneAndUpdate(ctx context.Context, level *models.Level, filter, update bson.M) (*models.Container, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var cont models.Container
	err := s.collection(level).FindOneAndUpdate(ctx, filter, update, opts).Decode(&cont)
	if err == mongo.ErrNoDocuments {
		return nil, notFound("could not find matching %s", level.Name)
	} else if err != nil {
		return nil, storage(err, "failed to update files on %s", level.Name)
	}
	cont.ContainerType = level.Name
	return &cont, nil
}

// ---- helpers ----

func (s *ContainerService) resolveID(levelName, id string) (*models.Level, interface{}, error) {
	level, err := models.LevelByName(levelName)
	if err != nil {
		return nil, nil, validation("%v", err)
	}
	key, err := level.FormatID(id)
	if err != nil {
		return nil, nil, validation("%v", err)
	}
	return level, key, nil
}

func (s *ContainerService) joinSubject(ctx context.Context, sess *models.Container) error {
	if sess.Subject == nil {
		return nil
	}
	subject, err := s.Get(ctx, models.LevelSubject, sess.Subject.Hex(), nil)
	if errorsIsNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	sess.SubjectDoc = subject
	return nil
}

func stripDeletedFiles(cont *models.Container) {
	if len(cont.Files) == 0 {
		return
	}
	cont.Files = cont.ActiveFiles()
}

// fillDefaults populates the schema-default collection fields so callers
// always see them present, matching the stored-document contract.
func fillDefaults(cont *models.Container) {
	if cont.Permissions == nil {
		cont.Permissions = []models.Permission{}
	}
	if cont.Files == nil {
		cont.Files = []models.FileEntry{}
	}
	if cont.Tags == nil {
		cont.Tags = []string{}
	}
	if cont.Notes == nil {
		cont.Notes = []models.Note{}
	}
	if cont.Info == nil {
		cont.Info = bson.M{}
	}
}

func parentEntries(p *models.ParentMap) map[string]interface{} {
	entries := map[string]interface{}{}
	for _, lvl := range []string{models.LevelGroup, models.LevelProject, models.LevelSubject, models.LevelSession, models.LevelAcquisition} {
		if v := p.Get(lvl); v != nil {
			entries[lvl] = v
		}
	}
	return entries
}

func mustLevel(name string) *models.Level {
	level, err := models.LevelByName(name)
	if err != nil {
		panic(fmt.Sprintf("unknown level %q", name))
	}
	return level
}

func idToString(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	case *primitive.ObjectID:
		return v.Hex()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func errorsIsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}
