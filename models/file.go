package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Origin types for uploaded files.
const (
	OriginUser    = "user"
	OriginDevice  = "device"
	OriginJob     = "job"
	OriginUnknown = "unknown"
)

// FileEntry is one file record embedded in a container's files array. Files
// belong to exactly one container; the blob itself lives in object storage
// under a content-addressed key derived from Hash.
type FileEntry struct {
	Name     string      `bson:"name" json:"name"`
	Hash     string      `bson:"hash,omitempty" json:"hash,omitempty"` // optional on legacy records
	Size     int64       `bson:"size" json:"size"`
	Type     string      `bson:"type,omitempty" json:"type,omitempty"`
	MimeType string      `bson:"mimetype,omitempty" json:"mimetype,omitempty"`
	Info     bson.M      `bson:"info,omitempty" json:"info,omitempty"`
	Tags     []string    `bson:"tags,omitempty" json:"tags,omitempty"`
	Origin   *FileOrigin `bson:"origin,omitempty" json:"origin,omitempty"`

	Created  time.Time  `bson:"created" json:"created"`
	Modified time.Time  `bson:"modified" json:"modified"`
	Replaced *time.Time `bson:"replaced,omitempty" json:"replaced,omitempty"`
	Deleted  *time.Time `bson:"deleted,omitempty" json:"deleted,omitempty"`

	// FromFailedJob marks outputs of failed job runs; they never clobber
	// accepted files with the same name.
	FromFailedJob bool `bson:"from_failed_job,omitempty" json:"from_failed_job,omitempty"`

	ContainerType string `bson:"-" json:"container_type,omitempty"`
}

// FileOrigin records who or what produced a file.
type FileOrigin struct {
	Type string `bson:"type" json:"type"`
	ID   string `bson:"id,omitempty" json:"id,omitempty"`
}
