package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Hierarchy level names (singular form).
const (
	LevelGroup       = "group"
	LevelProject     = "project"
	LevelSubject     = "subject"
	LevelSession     = "session"
	LevelAcquisition = "acquisition"
	LevelAnalysis    = "analysis"
	LevelCollection  = "collection"
)

// Level describes one container level: where it is stored, its place in the
// hierarchy, how its ids are keyed and which display field path segments
// match against.
type Level struct {
	Name        string // singular name, also the parent-reference field name on children
	Collection  string // mongo collection
	Parent      string // parent level name, "" at the root
	Child       string // child level name, "" at the leaves
	UseObjectID bool   // groups use caller-chosen string ids, everything else ObjectIDs
	MatchField  string // "label", or "code" for subjects
}

var levels = map[string]*Level{
	LevelGroup:       {Name: LevelGroup, Collection: "groups", Child: LevelProject, MatchField: "label"},
	LevelProject:     {Name: LevelProject, Collection: "projects", Parent: LevelGroup, Child: LevelSubject, UseObjectID: true, MatchField: "label"},
	LevelSubject:     {Name: LevelSubject, Collection: "subjects", Parent: LevelProject, Child: LevelSession, UseObjectID: true, MatchField: "code"},
	LevelSession:     {Name: LevelSession, Collection: "sessions", Parent: LevelSubject, Child: LevelAcquisition, UseObjectID: true, MatchField: "label"},
	LevelAcquisition: {Name: LevelAcquisition, Collection: "acquisitions", Parent: LevelSession, UseObjectID: true, MatchField: "label"},
	LevelAnalysis:    {Name: LevelAnalysis, Collection: "analyses", UseObjectID: true, MatchField: "label"},
	LevelCollection:  {Name: LevelCollection, Collection: "collections", UseObjectID: true, MatchField: "label"},
}

var collectionToLevel = func() map[string]string {
	m := make(map[string]string, len(levels))
	for name, l := range levels {
		m[l.Collection] = name
	}
	return m
}()

// LevelByName looks up a level by its singular or plural (collection) name.
func LevelByName(name string) (*Level, error) {
	if l, ok := levels[name]; ok {
		return l, nil
	}
	if singular, ok := collectionToLevel[name]; ok {
		return levels[singular], nil
	}
	return nil, fmt.Errorf("unknown container level %q", name)
}

// FormatID converts a string id into the stored key type for this level.
func (l *Level) FormatID(id string) (interface{}, error) {
	if !l.UseObjectID {
		return id, nil
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid %s id %q: %w", l.Name, id, err)
	}
	return oid, nil
}

// ChildLevel returns the next level down. Subjects sit between projects and
// sessions only when the subject-containers feature is enabled; with it off,
// a project's children are sessions.
func (l *Level) ChildLevel(includeSubjects bool) string {
	if l.Name == LevelProject && !includeSubjects {
		return LevelSession
	}
	return l.Child
}
