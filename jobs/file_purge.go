package jobs

import (
	"context"
	"log"
	"time"

	"labdrive/models"
	"labdrive/services"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// fileCollections are the container collections that embed file arrays.
var fileCollections = []string{"projects", "subjects", "sessions", "acquisitions", "analyses", "collections"}

// FilePurger permanently removes soft-deleted file entries once their
// retention window expires, dropping the backing blob when no remaining file
// record references its hash.
type FilePurger struct {
	db        *mongo.Database
	blobs     *services.BlobService
	retention time.Duration
	logger    *log.Logger
}

func NewFilePurger(db *mongo.Database, blobs *services.BlobService, retention time.Duration) *FilePurger {
	return &FilePurger{
		db:        db,
		blobs:     blobs,
		retention: retention,
		logger:    log.New(log.Writer(), "[FILE_PURGER] ", log.LstdFlags),
	}
}

// Start runs the purge immediately, then on every interval tick. It blocks;
// run it on its own goroutine.
func (p *FilePurger) Start(interval time.Duration) {
	p.logger.Println("Starting file purge job...")

	p.runPurge()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		p.runPurge()
	}
}

func (p *FilePurger) runPurge() {
	p.logger.Println("Running file purge...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-p.retention)

	var total int
	for _, coll := range fileCollections {
		purged, err := p.purgeCollection(ctx, coll, cutoff)
		if err != nil {
			p.logger.Printf("Error purging %s: %v", coll, err)
			continue
		}
		total += purged
	}

	p.logger.Printf("File purge completed. Removed %d file entries", total)
}

func (p *FilePurger) purgeCollection(ctx context.Context, collName string, cutoff time.Time) (int, error) {
	coll := p.db.Collection(collName)

	filter := bson.M{"files": bson.M{"$elemMatch": bson.M{"deleted": bson.M{"$lte": cutoff}}}}
	cursor, err := coll.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var purged int
	for cursor.Next(ctx) {
		var cont models.Container
		if err := cursor.Decode(&cont); err != nil {
			p.logger.Printf("Error decoding %s document: %v", collName, err)
			continue
		}

		var expired []models.FileEntry
		for _, f := range cont.Files {
			if f.Deleted != nil && !f.Deleted.After(cutoff) {
				expired = append(expired, f)
			}
		}
		if len(expired) == 0 {
			continue
		}

		_, err := coll.UpdateOne(ctx,
			bson.M{"_id": cont.ID},
			bson.M{"$pull": bson.M{"files": bson.M{"deleted": bson.M{"$lte": cutoff}}}})
		if err != nil {
			p.logger.Printf("Failed to purge files on %s %v: %v", collName, cont.ID, err)
			continue
		}

		for _, f := range expired {
			if err := p.dropBlobIfUnreferenced(ctx, f.Hash); err != nil {
				p.logger.Printf("Failed to drop blob for %s: %v", f.Name, err)
			}
			purged++
			p.logger.Printf("Permanently removed file %s from %s %v", f.Name, collName, cont.ID)
		}
	}
	return purged, cursor.Err()
}

// dropBlobIfUnreferenced deletes the content-addressed blob once no file
// record anywhere still carries its hash. Blobs are shared across identical
// uploads, so the reference check spans every container collection.
func (p *FilePurger) dropBlobIfUnreferenced(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}
	for _, coll := range fileCollections {
		count, err := p.db.Collection(coll).CountDocuments(ctx, bson.M{"files.hash": hash})
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
	}
	return p.blobs.Delete(ctx, hash)
}
