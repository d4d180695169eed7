package models

import "go.mongodb.org/mongo-driver/bson"

// SessionTemplate is a declarative compliance template stored on a project.
// Requirement blocks are free-form: scalar values are case-insensitive
// regexes matched against the container field, list-valued fields need one
// matching element, a "files" key holds file requirement blocks and
// "minimum" sets the required match count. The session block may name the
// label requirement either "label" or "code" (legacy spelling).
type SessionTemplate struct {
	Session      bson.M   `bson:"session,omitempty" json:"session,omitempty"`
	Acquisitions []bson.M `bson:"acquisitions,omitempty" json:"acquisitions,omitempty"`
}
