package services

import (
	"context"
	"time"

	"labdrive/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GearService is the gear registry: versioned compute-unit descriptors keyed
// by (gear.name, gear.version), resolvable by exact version or latest by
// name.
type GearService struct {
	gears *mongo.Collection
}

func NewGearService(db *mongo.Database) *GearService {
	return &GearService{gears: db.Collection("gears")}
}

// GetGear fetches one gear by its document id.
func (s *GearService) GetGear(ctx context.Context, id string) (*models.Gear, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, validation("invalid gear id %q: %v", id, err)
	}
	var gear models.Gear
	err = s.gears.FindOne(ctx, bson.M{"_id": oid}).Decode(&gear)
	if err == mongo.ErrNoDocuments {
		return nil, notFound("no gear %s found", id)
	} else if err != nil {
		return nil, storage(err, "failed to fetch gear %s", id)
	}
	return &gear, nil
}

// GetLatestGear returns the newest gear version registered under name.
func (s *GearService) GetLatestGear(ctx context.Context, name string) (*models.Gear, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created", Value: -1}})
	var gear models.Gear
	err := s.gears.FindOne(ctx, bson.M{"gear.name": name}, opts).Decode(&gear)
	if err == mongo.ErrNoDocuments {
		return nil, notFound("no gear %s found", name)
	} else if err != nil {
		return nil, storage(err, "failed to fetch latest gear %s", name)
	}
	return &gear, nil
}

// GetGearVersion returns the gear with an exact (name, version) key.
func (s *GearService) GetGearVersion(ctx context.Context, name, version string) (*models.Gear, error) {
	var gear models.Gear
	err := s.gears.FindOne(ctx, bson.M{"gear.name": name, "gear.version": version}).Decode(&gear)
	if err == mongo.ErrNoDocuments {
		return nil, notFound("no version %s of gear %s found", version, name)
	} else if err != nil {
		return nil, storage(err, "failed to fetch gear %s version %s", name, version)
	}
	return &gear, nil
}

// GetAllGearVersions lists every version of a gear name, newest first.
func (s *GearService) GetAllGearVersions(ctx context.Context, name string) ([]models.Gear, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created", Value: -1}})
	return s.find(ctx, bson.M{"gear.name": name}, opts)
}

// ListGears returns the latest version of each registered gear name.
func (s *GearService) ListGears(ctx context.Context) ([]models.Gear, error) {
	all, err := s.find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created", Value: -1}}))
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var latest []models.Gear
	for _, g := range all {
		if seen[g.Gear.Name] {
			continue
		}
		seen[g.Gear.Name] = true
		latest = append(latest, g)
	}
	return latest, nil
}

// RegisterGear inserts a new gear version; (name, version) must be unique.
func (s *GearService) RegisterGear(ctx context.Context, gear *models.Gear) error {
	existing, err := s.GetGearVersion(ctx, gear.Gear.Name, gear.Gear.Version)
	if err != nil && !errorsIsNotFound(err) {
		return err
	}
	if existing != nil {
		return conflict("gear %s version %s already exists", gear.Gear.Name, gear.Gear.Version)
	}

	now := time.Now().UTC()
	if gear.ID.IsZero() {
		gear.ID = primitive.NewObjectID()
	}
	gear.Created = now
	gear.Modified = now
	if _, err := s.gears.InsertOne(ctx, gear); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return conflict("gear %s version %s already exists", gear.Gear.Name, gear.Gear.Version)
		}
		return storage(err, "failed to register gear %s", gear.Gear.Name)
	}
	return nil
}

func (s *GearService) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Gear, error) {
	cursor, err := s.gears.Find(ctx, filter, opts)
	if err != nil {
		return nil, storage(err, "failed to list gears")
	}
	defer cursor.Close(ctx)

	var gears []models.Gear
	if err := cursor.All(ctx, &gears); err != nil {
		return nil, storage(err, "failed to decode gears")
	}
	return gears, nil
}
