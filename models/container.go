package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Access levels, ordered weakest to strongest.
const (
	AccessReadOnly  = "ro"
	AccessReadWrite = "rw"
	AccessAdmin     = "admin"
)

// Container is one node in the group/project/subject/session/acquisition
// hierarchy, or an analysis/collection leaf. All levels share this schema
// skeleton; level-specific fields are optional and omitted when absent.
// Group ids are plain strings, every other level uses ObjectIDs, so ID is
// kept opaque and formatted per level (see Level.FormatID).
type Container struct {
	ID    interface{} `bson:"_id,omitempty" json:"id,omitempty"`
	Label string      `bson:"label,omitempty" json:"label,omitempty"`
	Code  string      `bson:"code,omitempty" json:"code,omitempty"` // subjects only
	UID   string      `bson:"uid,omitempty" json:"uid,omitempty"`   // sessions/acquisitions

	// Direct parent references. Exactly one is set per level (sessions keep
	// both subject and a denormalized group for legacy callers).
	Group   string              `bson:"group,omitempty" json:"group,omitempty"`
	Project *primitive.ObjectID `bson:"project,omitempty" json:"project,omitempty"`
	Subject *primitive.ObjectID `bson:"subject,omitempty" json:"subject,omitempty"`
	Session *primitive.ObjectID `bson:"session,omitempty" json:"session,omitempty"`
	Parent  *ContainerRef       `bson:"parent,omitempty" json:"parent,omitempty"` // analyses only

	// Parents is the denormalized ancestor chain, repaired by cascade updates.
	Parents *ParentMap `bson:"parents,omitempty" json:"parents,omitempty"`

	Permissions []Permission `bson:"permissions" json:"permissions"`
	Files       []FileEntry  `bson:"files,omitempty" json:"files"`
	Tags        []string     `bson:"tags,omitempty" json:"tags"`
	Notes       []Note       `bson:"notes,omitempty" json:"notes"`
	Info        bson.M       `bson:"info,omitempty" json:"info"`
	Public      bool         `bson:"public" json:"public"`

	Editions    []string          `bson:"editions,omitempty" json:"editions,omitempty"` // groups only
	Templates   []SessionTemplate `bson:"templates,omitempty" json:"templates,omitempty"`
	Description string            `bson:"description,omitempty" json:"description,omitempty"`

	Timestamp          *time.Time `bson:"timestamp,omitempty" json:"timestamp,omitempty"`
	Timezone           string     `bson:"timezone,omitempty" json:"timezone,omitempty"`
	SatisfiesTemplate  *bool      `bson:"satisfies_template,omitempty" json:"satisfies_template,omitempty"`

	Created  time.Time  `bson:"created" json:"created"`
	Modified time.Time  `bson:"modified" json:"modified"`
	Deleted  *time.Time `bson:"deleted,omitempty" json:"deleted,omitempty"`

	// ContainerType is stamped on resolver results and API responses.
	ContainerType string `bson:"-" json:"container_type,omitempty"`

	// SubjectDoc carries the joined subject on session reads.
	SubjectDoc *Container `bson:"-" json:"subject_doc,omitempty"`
}

// ContainerRef is a generic {type, id} reference, used by analyses whose
// parent may live at any hierarchy level.
type ContainerRef struct {
	Type string             `bson:"type" json:"type"`
	ID   primitive.ObjectID `bson:"id" json:"id"`
}

// ParentMap caches the id of every ancestor level on a container so reads
// never need to walk the chain.
type ParentMap struct {
	Group       string              `bson:"group,omitempty" json:"group,omitempty"`
	Project     *primitive.ObjectID `bson:"project,omitempty" json:"project,omitempty"`
	Subject     *primitive.ObjectID `bson:"subject,omitempty" json:"subject,omitempty"`
	Session     *primitive.ObjectID `bson:"session,omitempty" json:"session,omitempty"`
	Acquisition *primitive.ObjectID `bson:"acquisition,omitempty" json:"acquisition,omitempty"`
}

// Set assigns the id for a level name. Non-ObjectID values are only valid
// for the group level.
func (p *ParentMap) Set(level string, id interface{}) {
	switch level {
	case LevelGroup:
		if s, ok := id.(string); ok {
			p.Group = s
		}
	case LevelProject:
		if oid, ok := asObjectID(id); ok {
			p.Project = &oid
		}
	case LevelSubject:
		if oid, ok := asObjectID(id); ok {
			p.Subject = &oid
		}
	case LevelSession:
		if oid, ok := asObjectID(id); ok {
			p.Session = &oid
		}
	case LevelAcquisition:
		if oid, ok := asObjectID(id); ok {
			p.Acquisition = &oid
		}
	}
}

// Get returns the cached id for a level name, or nil.
func (p *ParentMap) Get(level string) interface{} {
	if p == nil {
		return nil
	}
	switch level {
	case LevelGroup:
		if p.Group != "" {
			return p.Group
		}
	case LevelProject:
		if p.Project != nil {
			return *p.Project
		}
	case LevelSubject:
		if p.Subject != nil {
			return *p.Subject
		}
	case LevelSession:
		if p.Session != nil {
			return *p.Session
		}
	case LevelAcquisition:
		if p.Acquisition != nil {
			return *p.Acquisition
		}
	}
	return nil
}

func asObjectID(id interface{}) (primitive.ObjectID, bool) {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v, true
	case *primitive.ObjectID:
		if v != nil {
			return *v, true
		}
	}
	return primitive.NilObjectID, false
}

// Permission grants a principal an access level on a container. The bson key
// for the principal is _id for compatibility with permission array queries.
type Permission struct {
	PrincipalID string `bson:"_id" json:"id"`
	Access      string `bson:"access" json:"access"`
}

type Note struct {
	ID      primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID  string             `bson:"user" json:"user"`
	Text    string             `bson:"text" json:"text"`
	Created time.Time          `bson:"created" json:"created"`
}

// ParentID returns the direct parent reference named by level, or nil when
// the container has no such field set.
func (c *Container) ParentID(level string) interface{} {
	switch level {
	case LevelGroup:
		if c.Group != "" {
			return c.Group
		}
	case LevelProject:
		if c.Project != nil {
			return *c.Project
		}
	case LevelSubject:
		if c.Subject != nil {
			return *c.Subject
		}
	case LevelSession:
		if c.Session != nil {
			return *c.Session
		}
	}
	return nil
}

// SetParentID sets the direct parent reference named by level.
func (c *Container) SetParentID(level string, id interface{}) {
	switch level {
	case LevelGroup:
		if s, ok := id.(string); ok {
			c.Group = s
		}
	case LevelProject:
		if oid, ok := asObjectID(id); ok {
			c.Project = &oid
		}
	case LevelSubject:
		if oid, ok := asObjectID(id); ok {
			c.Subject = &oid
		}
	case LevelSession:
		if oid, ok := asObjectID(id); ok {
			c.Session = &oid
		}
	}
}

// ActiveFiles returns the container's files without soft-deleted entries,
// preserving insertion order.
func (c *Container) ActiveFiles() []FileEntry {
	var active []FileEntry
	for _, f := range c.Files {
		if f.Deleted == nil {
			active = append(active, f)
		}
	}
	return active
}

// FindFile returns the first file (active or deleted) with the given name,
// or nil. Name uniqueness is only guaranteed among active files.
func (c *Container) FindFile(name string) *FileEntry {
	for i := range c.Files {
		if c.Files[i].Name == name {
			return &c.Files[i]
		}
	}
	return nil
}
