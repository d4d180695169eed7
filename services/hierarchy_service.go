package services

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"labdrive/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	fallbackGroupID      = "unknown"
	unsortedProjectLabel = "Unsorted"
	unknownProjectLabel  = "Unknown"
	labEdition           = "lab"

	// Single close lexical match threshold for group-id resolution.
	groupMatchCutoff = 0.8
)

// IngestMetadata carries partial metadata for several hierarchy levels at
// once, as produced by bulk-ingestion clients. Level payloads are free-form
// documents; only the keys a client supplies are considered.
type IngestMetadata struct {
	Group       bson.M `json:"group,omitempty"`
	Project     bson.M `json:"project,omitempty"`
	Session     bson.M `json:"session,omitempty"`
	Acquisition bson.M `json:"acquisition,omitempty"`
}

// TargetContainer pairs a resolved container with the file metadata destined
// for it, keyed by filename.
type TargetContainer struct {
	Level     string
	Container *models.Container
	Files     map[string]bson.M
}

// HierarchyService resolves or creates hierarchy chains during ingestion.
// It is state-free orchestration over the container store.
type HierarchyService struct {
	db          *mongo.Database
	containers  *ContainerService
	permissions *PermissionService
	templates   *TemplateService
	logger      *log.Logger
	// multiproject gates ad-hoc project creation on the group's lab edition.
	multiproject bool
}

func NewHierarchyService(db *mongo.Database, containers *ContainerService, permissions *PermissionService, templates *TemplateService, multiproject bool) *HierarchyService {
	return &HierarchyService{
		db:           db,
		containers:   containers,
		permissions:  permissions,
		templates:    templates,
		logger:       log.New(log.Writer(), "[HIERARCHY] ", log.LstdFlags),
		multiproject: multiproject,
	}
}

// UpsertTopDownHierarchy resolves the destination project from the supplied
// group id and project label, then creates-or-matches subject, session and
// acquisition beneath it. matchType selects the session/acquisition match
// field ("label" or "uid").
func (s *HierarchyService) UpsertTopDownHierarchy(ctx context.Context, meta IngestMetadata, matchType, principal string, unsortedProjects bool) ([]TargetContainer, error) {
	groupID := getString(meta.Group, "_id")
	projectLabel := getString(meta.Project, "label")
	if meta.Group == nil || meta.Project == nil {
		return nil, validation("top-down hierarchy requires group and project metadata")
	}

	now := time.Now().UTC()
	projectFiles := popFiles(meta.Project)

	project, err := s.findOrCreateDestinationProject(ctx, groupID, projectLabel, now, principal, unsortedProjects)
	if err != nil {
		return nil, err
	}

	if unsortedProjects && project.Label == unsortedProjectLabel && meta.Session != nil {
		// Unsorted sessions keep enough provenance in the label to be moved
		// later by hand.
		meta.Session["label"] = fmt.Sprintf("gr-%s_proj-%s_ses-%s", groupID, projectLabel, getString(meta.Session, "uid"))
	}

	targets, err := s.getTargets(ctx, project, meta.Session, meta.Acquisition, matchType, now)
	if err != nil {
		return nil, err
	}
	return append(targets, TargetContainer{Level: models.LevelProject, Container: project, Files: projectFiles}), nil
}

// UpsertBottomUpHierarchy merges metadata onto the chain owning an existing
// session uid; when no such session exists it falls back to the top-down
// path with unsorted projects forced on.
func (s *HierarchyService) UpsertBottomUpHierarchy(ctx context.Context, meta IngestMetadata, matchType, principal string) ([]TargetContainer, error) {
	if getString(meta.Group, "_id") == "" || getString(meta.Project, "label") == "" ||
		getString(meta.Session, "uid") == "" || getString(meta.Acquisition, "uid") == "" {
		return nil, validation("bottom-up hierarchy requires group id, project label, session uid and acquisition uid")
	}
	sessionUID := getString(meta.Session, "uid")

	var sessionDoc models.Container
	err := s.db.Collection("sessions").FindOne(ctx,
		bson.M{"uid": sessionUID, "deleted": notDeleted}).Decode(&sessionDoc)
	if err == mongo.ErrNoDocuments {
		return s.UpsertTopDownHierarchy(ctx, meta, matchType, principal, true)
	} else if err != nil {
		return nil, storage(err, "failed to look up session uid %s", sessionUID)
	}

	if principal != "" {
		if err := s.confirmEdition(ctx, models.LevelSession, &sessionDoc); err != nil {
			return nil, err
		}
		if !s.permissions.HasAccess(principal, &sessionDoc, models.AccessReadWrite) {
			return nil, permissionDenied("user %s does not have read-write access to session %s", principal, sessionUID)
		}
	}

	return s.targetsForExistingSession(ctx, &sessionDoc, meta, matchType)
}

// FindExistingHierarchy resolves the chain for metadata whose session and
// acquisition uids must already exist; nothing is created.
func (s *HierarchyService) FindExistingHierarchy(ctx context.Context, meta IngestMetadata, matchType, principal string) ([]TargetContainer, error) {
	sessionUID := getString(meta.Session, "uid")
	acquisitionUID := getString(meta.Acquisition, "uid")
	if sessionUID == "" || acquisitionUID == "" {
		return nil, validation("existing-hierarchy lookup requires session and acquisition uids")
	}

	var sessionDoc models.Container
	err := s.db.Collection("sessions").FindOne(ctx,
		bson.M{"uid": sessionUID, "deleted": notDeleted}).Decode(&sessionDoc)
	if err == mongo.ErrNoDocuments {
		return nil, notFound("session with uid %s does not exist", sessionUID)
	} else if err != nil {
		return nil, storage(err, "failed to look up session uid %s", sessionUID)
	}
	if principal != "" && !s.permissions.HasAccess(principal, &sessionDoc, models.AccessReadWrite) {
		return nil, permissionDenied("user %s does not have read-write access to session %s", principal, sessionUID)
	}

	count, err := s.db.Collection("acquisitions").CountDocuments(ctx,
		bson.M{"uid": acquisitionUID, "deleted": notDeleted})
	if err != nil {
		return nil, storage(err, "failed to look up acquisition uid %s", acquisitionUID)
	}
	if count == 0 {
		return nil, notFound("acquisition with uid %s does not exist", acquisitionUID)
	}

	return s.targetsForExistingSession(ctx, &sessionDoc, meta, matchType)
}

func (s *HierarchyService) targetsForExistingSession(ctx context.Context, sessionDoc *models.Container, meta IngestMetadata, matchType string) ([]TargetContainer, error) {
	if sessionDoc.Project == nil {
		return nil, storage(nil, "session %v has no project reference", sessionDoc.ID)
	}
	projectFiles := popFiles(meta.Project)
	project, err := s.containers.Get(ctx, models.LevelProject, sessionDoc.Project.Hex(), nil)
	if err != nil {
		return nil, err
	}

	targets, err := s.getTargets(ctx, project, meta.Session, meta.Acquisition, matchType, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return append(targets, TargetContainer{Level: models.LevelProject, Container: project, Files: projectFiles}), nil
}

// UpdateContainerHierarchy merges metadata onto an already-identified
// container. For sessions and acquisitions, currently-absent fields on the
// parent session/project are filled upward; set fields are never overwritten.
func (s *HierarchyService) UpdateContainerHierarchy(ctx context.Context, meta IngestMetadata, id, levelName string) (*models.Container, error) {
	level, key, err := s.containers.resolveID(levelName, id)
	if err != nil {
		return nil, err
	}

	payload := bson.M{}
	switch level.Name {
	case models.LevelSession:
		payload = cloneDoc(meta.Session)
	case models.LevelAcquisition:
		payload = cloneDoc(meta.Acquisition)
	case models.LevelProject:
		payload = cloneDoc(meta.Project)
	default:
		return nil, validation("hierarchy updates are not supported at the %s level", level.Name)
	}

	now := time.Now().UTC()
	if err := normalizeTimestamp(payload); err != nil {
		return nil, err
	}
	payload["modified"] = now

	cont, err := s.updateContainerNulls(ctx, level, bson.M{"_id": key}, payload)
	if err != nil {
		return nil, err
	}

	if level.Name == models.LevelSession || level.Name == models.LevelAcquisition {
		if err := s.cascadeUpward(ctx, cont, level.Name, meta, now); err != nil {
			return nil, err
		}
	}
	return cont, nil
}

func (s *HierarchyService) cascadeUpward(ctx context.Context, cont *models.Container, levelName string, meta IngestMetadata, now time.Time) error {
	projectID := cont.Project

	if levelName == models.LevelAcquisition {
		if cont.Session == nil {
			return storage(nil, "acquisition %v has no session reference", cont.ID)
		}
		sessionLevel := mustLevel(models.LevelSession)
		var sessionObj *models.Container
		if len(meta.Session) > 0 {
			payload := cloneDoc(meta.Session)
			if err := normalizeTimestamp(payload); err != nil {
				return err
			}
			payload["modified"] = now
			var err error
			sessionObj, err = s.updateContainerNulls(ctx, sessionLevel, bson.M{"_id": *cont.Session}, payload)
			if err != nil {
				return err
			}
		} else {
			var err error
			sessionObj, err = s.containers.GetInternal(ctx, models.LevelSession, cont.Session.Hex())
			if err != nil {
				return err
			}
		}
		projectID = sessionObj.Project
	}

	if projectID == nil {
		return storage(nil, "failed to find project id for %s cascade", levelName)
	}
	if len(meta.Project) > 0 {
		payload := cloneDoc(meta.Project)
		payload["modified"] = now
		_, err := s.updateContainerNulls(ctx, mustLevel(models.LevelProject), bson.M{"_id": *projectID}, payload)
		return err
	}
	return nil
}

// findOrCreateDestinationProject resolves (group id, project label) to a
// project, fuzzily matching the group id and falling back to the "unknown"
// group when nothing close exists.
func (s *HierarchyService) findOrCreateDestinationProject(ctx context.Context, groupID, projectLabel string, timestamp time.Time, principal string, unsortedProjects bool) (*models.Container, error) {
	existingIDs, err := s.groupIDs(ctx)
	if err != nil {
		return nil, err
	}
	groupID, projectLabel = fuzzyMatchGroupID(groupID, projectLabel, existingIDs, unsortedProjects)

	group, err := s.containers.Get(ctx, models.LevelGroup, groupID, nil)
	if err != nil {
		return nil, err
	}

	if projectLabel == "" {
		if unsortedProjects {
			projectLabel = unsortedProjectLabel
		} else {
			projectLabel = unknownProjectLabel
		}
	}

	project, err := s.findProjectByLabel(ctx, groupID, projectLabel)
	if err != nil {
		return nil, err
	}
	if project == nil && unsortedProjects {
		projectLabel = unsortedProjectLabel
		project, err = s.findProjectByLabel(ctx, groupID, projectLabel)
		if err != nil {
			return nil, err
		}
	}

	if project != nil {
		if principal != "" {
			if err := s.confirmEdition(ctx, models.LevelProject, project); err != nil {
				return nil, err
			}
			if !s.permissions.HasAccess(principal, project, models.AccessReadWrite) {
				return nil, permissionDenied("user %s does not have read-write access to project %s", principal, project.Label)
			}
		}
		return project, nil
	}

	// Creating a new project in an existing group needs admin on the group.
	if principal != "" {
		if err := s.confirmEdition(ctx, models.LevelGroup, group); err != nil {
			return nil, err
		}
		if !s.permissions.HasAccess(principal, group, models.AccessAdmin) {
			return nil, permissionDenied("user %s does not have admin access to group %s", principal, groupID)
		}
	}

	project = &models.Container{
		Group:       groupID,
		Label:       projectLabel,
		Permissions: group.Permissions,
		Public:      false,
		Created:     timestamp,
	}
	if unsortedProjects {
		project.Description = "This project was automatically created because unsortable data was detected. Please move sessions to the appropriate project."
	}
	if err := s.containers.Create(ctx, models.LevelProject, project); err != nil {
		return nil, err
	}
	s.logger.Printf("Created project %s in group %s for ingested data", projectLabel, groupID)
	return project, nil
}

func (s *HierarchyService) findProjectByLabel(ctx context.Context, groupID, label string) (*models.Container, error) {
	pattern := "^" + regexp.QuoteMeta(label) + "$"
	var project models.Container
	err := s.db.Collection("projects").FindOne(ctx, bson.M{
		"group":   groupID,
		"label":   bson.M{"$regex": pattern, "$options": "i"},
		"deleted": notDeleted,
	}).Decode(&project)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	} else if err != nil {
		return nil, storage(err, "failed to look up project %s in group %s", label, groupID)
	}
	project.ContainerType = models.LevelProject
	return &project, nil
}

func (s *HierarchyService) groupIDs(ctx context.Context) ([]string, error) {
	cursor, err := s.db.Collection("groups").Find(ctx, bson.M{})
	if err != nil {
		return nil, storage(err, "failed to list groups")
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, storage(err, "failed to decode group id")
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

// fuzzyMatchGroupID resolves an unknown group id: exact case-insensitive
// match wins, then a single close lexical match, otherwise the data routes
// to the "unknown" group with the original group folded into the project
// label (or "Unsorted" in unsorted-projects mode).
func fuzzyMatchGroupID(groupID, projectLabel string, existingIDs []string, unsortedProjects bool) (string, string) {
	lower := strings.ToLower(groupID)
	for _, id := range existingIDs {
		if id == lower {
			return lower, projectLabel
		}
	}

	var matches []string
	for _, id := range existingIDs {
		if similarityRatio(groupID, id) >= groupMatchCutoff {
			matches = append(matches, id)
		}
	}
	if len(matches) == 1 {
		return matches[0], projectLabel
	}

	if groupID != "" || projectLabel != "" {
		projectLabel = groupID + "_" + projectLabel
		if unsortedProjects {
			projectLabel = unsortedProjectLabel
		}
	}
	return fallbackGroupID, projectLabel
}

// similarityRatio is a sequence-similarity measure in [0,1]: twice the
// longest-common-subsequence length over the total length of both strings.
func similarityRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// getTargets upserts subject, session and acquisition beneath the resolved
// project, in order, returning each with its pending file metadata.
func (s *HierarchyService) getTargets(ctx context.Context, project *models.Container, session, acquisition bson.M, matchType string, timestamp time.Time) ([]TargetContainer, error) {
	var targets []TargetContainer
	if len(session) == 0 {
		return targets, nil
	}

	subject, err := s.extractSubject(ctx, session, project)
	if err != nil {
		return nil, err
	}
	subjectFiles := popFiles(subject)
	subjectObj, err := s.upsertContainer(ctx, subject, models.LevelSubject, project, models.LevelProject, matchType, timestamp)
	if err != nil {
		return nil, err
	}
	targets = append(targets, TargetContainer{Level: models.LevelSubject, Container: subjectObj, Files: subjectFiles})

	sessionFiles := popFiles(session)
	sessionObj, err := s.upsertContainer(ctx, session, models.LevelSession, project, models.LevelProject, matchType, timestamp)
	if err != nil {
		return nil, err
	}
	targets = append(targets, TargetContainer{Level: models.LevelSession, Container: sessionObj, Files: sessionFiles})

	if len(acquisition) > 0 {
		acquisitionFiles := popFiles(acquisition)
		acquisitionObj, err := s.upsertContainer(ctx, acquisition, models.LevelAcquisition, sessionObj, models.LevelSession, matchType, timestamp)
		if err != nil {
			return nil, err
		}
		targets = append(targets, TargetContainer{Level: models.LevelAcquisition, Container: acquisitionObj, Files: acquisitionFiles})
	}

	if err := s.stampCompliance(ctx, project, sessionObj); err != nil {
		return nil, err
	}
	return targets, nil
}

// stampCompliance records whether the session satisfies its project's
// templates, when the project has any.
func (s *HierarchyService) stampCompliance(ctx context.Context, project, session *models.Container) error {
	if len(project.Templates) == 0 || session.ID == nil {
		return nil
	}
	compliant, err := s.templates.IsCompliant(ctx, session, project.Templates)
	if err != nil {
		return err
	}
	_, err = s.db.Collection("sessions").UpdateOne(ctx,
		bson.M{"_id": session.ID},
		bson.M{"$set": bson.M{"satisfies_template": compliant}})
	if err != nil {
		return storage(err, "failed to stamp session compliance")
	}
	session.SatisfiesTemplate = &compliant
	return nil
}

// upsertContainer creates-or-matches one hierarchy level beneath parent.
// Existing containers receive a fill-only-if-absent merge; new ones inherit
// the parent's permissions and public flag.
func (s *HierarchyService) upsertContainer(ctx context.Context, meta bson.M, levelName string, parent *models.Container, parentLevel, matchType string, timestamp time.Time) (*models.Container, error) {
	level := mustLevel(levelName)
	meta = cloneDoc(meta)
	meta["modified"] = timestamp

	if err := normalizeTimestamp(meta); err != nil {
		return nil, err
	}
	if levelName == models.LevelAcquisition {
		if err := s.lowerSessionTimestamp(ctx, parent, meta); err != nil {
			return nil, err
		}
	}

	query, err := matchQuery(meta, levelName, parentLevel, parent.ID, matchType)
	if err != nil {
		return nil, err
	}

	count, err := s.db.Collection(level.Collection).CountDocuments(ctx, query)
	if err != nil {
		return nil, storage(err, "failed to match %s", levelName)
	}
	if count > 0 {
		return s.updateContainerNulls(ctx, level, query, meta)
	}

	meta[parentLevel] = parent.ID
	meta["permissions"] = parent.Permissions
	meta["public"] = parent.Public
	meta["created"] = timestamp
	if levelName == models.LevelSession {
		// Sessions keep a denormalized group reference for legacy queries.
		meta["group"] = parent.Group
	}
	parents := &models.ParentMap{}
	if parent.Parents != nil {
		copied := *parent.Parents
		parents = &copied
	}
	parents.Set(parentLevel, parent.ID)
	if levelName == models.LevelSession {
		// Sessions are matched beneath their project, but their ancestor
		// chain runs through the subject resolved from the payload.
		if sid, ok := meta["subject"].(primitive.ObjectID); ok {
			parents.Set(models.LevelSubject, sid)
		}
	}
	meta["parents"] = parents

	if _, ok := meta["_id"]; !ok {
		meta["_id"] = primitive.NewObjectID()
	}
	if _, err := s.db.Collection(level.Collection).InsertOne(ctx, meta); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, conflict("%s with id %v already exists", levelName, meta["_id"])
		}
		return nil, storage(err, "failed to create %s", levelName)
	}
	return s.containers.GetInternal(ctx, levelName, idToString(meta["_id"]))
}

// lowerSessionTimestamp lowers the owning session's minimum timestamp to the
// acquisition's and copies the timezone when supplied.
func (s *HierarchyService) lowerSessionTimestamp(ctx context.Context, session *models.Container, meta bson.M) error {
	ts, ok := meta["timestamp"].(time.Time)
	if !ok {
		return nil
	}
	update := bson.M{"$min": bson.M{"timestamp": ts}}
	if tz := getString(meta, "timezone"); tz != "" {
		update["$set"] = bson.M{"timezone": tz}
	}
	_, err := s.db.Collection("sessions").UpdateOne(ctx, bson.M{"_id": session.ID}, update)
	if err != nil {
		return storage(err, "failed to lower session timestamp")
	}
	return nil
}

// matchQuery builds the create-or-match filter for one level: subjects match
// by their resolved id, sessions and acquisitions by the caller-selected
// field.
func matchQuery(meta bson.M, levelName, parentLevel string, parentID interface{}, matchType string) (bson.M, error) {
	if matchType != "label" && matchType != "uid" {
		return nil, validation("upload match type %q is not supported", matchType)
	}
	matchKey := matchType
	if levelName == models.LevelSubject {
		matchKey = "_id"
	}
	return bson.M{
		parentLevel: parentID,
		matchKey:    meta[matchKey],
		"deleted":   notDeleted,
	}, nil
}

// extractSubject pops the subject sub-document off a session payload,
// resolves its id (reusing an active subject with the same code in the
// project), and leaves the reference on the session.
func (s *HierarchyService) extractSubject(ctx context.Context, session bson.M, project *models.Container) (bson.M, error) {
	subject, _ := toDoc(session["subject"])
	subject = cloneDoc(subject)
	delete(session, "subject")

	subject["project"] = project.ID
	subject["permissions"] = project.Permissions

	var subjectID primitive.ObjectID
	switch id := subject["_id"].(type) {
	case primitive.ObjectID:
		subjectID = id
	case string:
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return nil, validation("invalid subject id %q: %v", id, err)
		}
		subjectID = oid
	}

	if !subjectID.IsZero() {
		// A deleted subject with that id cannot be resurrected; mint a new one.
		count, err := s.db.Collection("subjects").CountDocuments(ctx,
			bson.M{"_id": subjectID, "project": project.ID, "deleted": bson.M{"$exists": true}})
		if err != nil {
			return nil, storage(err, "failed to check subject %s", subjectID.Hex())
		}
		if count > 0 {
			subjectID = primitive.NewObjectID()
		}
	} else if code := getString(subject, "code"); code != "" {
		var existing struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		err := s.db.Collection("subjects").FindOne(ctx,
			bson.M{"code": code, "project": project.ID, "deleted": notDeleted}).Decode(&existing)
		if err == nil {
			subjectID = existing.ID
		} else if err != mongo.ErrNoDocuments {
			return nil, storage(err, "failed to match subject code %s", code)
		}
	}
	if subjectID.IsZero() {
		subjectID = primitive.NewObjectID()
	}
	subject["_id"] = subjectID
	session["subject"] = subjectID

	if age, ok := subject["age"]; ok {
		session["age"] = age
		delete(subject, "age")
	}
	attachRawSubject(session, subject)
	return subject, nil
}

// attachRawSubject copies demographic subject fields into the session's
// info.subject_raw, preserving what the client sent alongside the
// normalized subject document.
func attachRawSubject(session, subject bson.M) {
	rawFields := []string{"firstname", "lastname", "sex", "race", "ethnicity"}
	raw := bson.M{}
	for _, k := range rawFields {
		if v, ok := subject[k]; ok && v != nil {
			raw[k] = v
		}
	}
	if len(raw) == 0 {
		return
	}
	if info, ok := toDoc(session["info"]); ok {
		info["subject_raw"] = raw
	} else {
		session["info"] = bson.M{"subject_raw": raw}
	}
}

// updateContainerNulls merges update onto the matched container, setting
// only fields that are currently absent or null. Tags are unioned instead.
func (s *HierarchyService) updateContainerNulls(ctx context.Context, level *models.Level, baseQuery, update bson.M) (*models.Container, error) {
	coll := s.db.Collection(level.Collection)

	var current bson.M
	if err := coll.FindOne(ctx, baseQuery).Decode(&current); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, notFound("failed to find %s matching %v", level.Name, baseQuery)
		}
		return nil, storage(err, "failed to fetch %s for merge", level.Name)
	}

	update = cloneDoc(update)
	if level.Name == models.LevelSession {
		if subjectUpdate, ok := toDoc(update["subject"]); ok {
			// Nested subject sub-documents cascade onto the referenced subject.
			subjectUpdate = cloneDoc(subjectUpdate)
			delete(update, "subject")
			attachRawSubject(update, subjectUpdate)
			subjectUpdate["modified"] = update["modified"]
			if sid, ok := current["subject"]; ok {
				if _, err := s.updateContainerNulls(ctx, mustLevel(models.LevelSubject), bson.M{"_id": sid}, subjectUpdate); err != nil {
					return nil, err
				}
			}
		}
	}

	var ops []mongo.WriteModel
	for key, value := range flattenDoc(update) {
		if key == "tags" {
			ops = append(ops, mongo.NewUpdateOneModel().
				SetFilter(cloneDoc(baseQuery)).
				SetUpdate(bson.M{"$addToSet": bson.M{key: bson.M{"$each": value}}}))
			continue
		}
		filter := cloneDoc(baseQuery)
		filter["$or"] = []bson.M{
			{key: bson.M{"$exists": false}},
			{key: nil},
		}
		ops = append(ops, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": bson.M{key: value}}))
	}
	if len(ops) > 0 {
		if _, err := coll.BulkWrite(ctx, ops); err != nil {
			return nil, storage(err, "failed to merge %s metadata", level.Name)
		}
	}

	var merged models.Container
	if err := coll.FindOne(ctx, baseQuery).Decode(&merged); err != nil {
		return nil, storage(err, "failed to re-read merged %s", level.Name)
	}
	merged.ContainerType = level.Name
	return &merged, nil
}

func (s *HierarchyService) confirmEdition(ctx context.Context, levelName string, cont *models.Container) error {
	if !s.multiproject {
		return nil
	}
	var groupID string
	if levelName == models.LevelGroup {
		groupID, _ = cont.ID.(string)
	} else if cont.Parents != nil {
		groupID = cont.Parents.Group
	}
	if groupID == "" {
		return nil
	}
	group, err := s.containers.Get(ctx, models.LevelGroup, groupID, nil)
	if err != nil {
		return err
	}
	for _, edition := range group.Editions {
		if edition == labEdition {
			return nil
		}
	}
	return permissionDenied("this action is reserved for %s edition groups", labEdition)
}

// ---- document helpers ----

func getString(doc bson.M, key string) string {
	if doc == nil {
		return ""
	}
	s, _ := doc[key].(string)
	return s
}

func cloneDoc(doc bson.M) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// popFiles removes the files list from a level payload, keyed by name.
func popFiles(doc bson.M) map[string]bson.M {
	files := map[string]bson.M{}
	if doc == nil {
		return files
	}
	list, ok := toDocList(doc["files"])
	delete(doc, "files")
	if !ok {
		return files
	}
	for _, f := range list {
		if name := getString(f, "name"); name != "" {
			files[name] = f
		}
	}
	return files
}

// flattenDoc converts nested documents into dotted keys; lists are kept
// whole.
func flattenDoc(doc bson.M) map[string]interface{} {
	out := map[string]interface{}{}
	var walk func(prefix string, m bson.M)
	walk = func(prefix string, m bson.M) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := toDoc(v); ok && len(sub) > 0 {
				walk(key, sub)
				continue
			}
			out[key] = v
		}
	}
	walk("", doc)
	return out
}

// normalizeTimestamp parses an ISO-formatted timestamp string in place.
func normalizeTimestamp(doc bson.M) error {
	raw := getString(doc, "timestamp")
	if raw == "" {
		return nil
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return validation("invalid timestamp %q: %v", raw, err)
	}
	doc["timestamp"] = ts
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
