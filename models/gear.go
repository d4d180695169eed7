package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Gear is a versioned compute-unit descriptor. The registry keys gears by
// (manifest name, manifest version) and resolves "latest" by created date.
type Gear struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Gear     GearManifest       `bson:"gear" json:"gear"`
	Category string             `bson:"category,omitempty" json:"category,omitempty"`
	Created  time.Time          `bson:"created" json:"created"`
	Modified time.Time          `bson:"modified" json:"modified"`

	ContainerType string `bson:"-" json:"container_type,omitempty"`
}

// GearManifest is the descriptor payload supplied when a gear is registered.
type GearManifest struct {
	Name        string `bson:"name" json:"name"`
	Label       string `bson:"label,omitempty" json:"label,omitempty"`
	Version     string `bson:"version" json:"version"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	Author      string `bson:"author,omitempty" json:"author,omitempty"`
}
