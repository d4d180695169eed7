package services

import (
	"context"
	"log"
	"time"

	"labdrive/models"

	"go.mongodb.org/mongo-driver/bson"
)

// FileOutcome reports what an upsert did with an incoming file.
type FileOutcome string

const (
	OutcomeSaved    FileOutcome = "saved"
	OutcomeReplaced FileOutcome = "replaced"
	OutcomeIgnored  FileOutcome = "ignored"
)

type upsertAction int

const (
	actionAppend upsertAction = iota // no name collision, plain add
	actionRemoveAndAppend            // collided with a soft-deleted file
	actionIgnore
	actionReplace
)

// FileVersionService decides whether an incoming upload is a new file, a
// replacement, or a no-op, and applies the matching file-array mutation.
type FileVersionService struct {
	containers *ContainerService
	logger     *log.Logger
}

func NewFileVersionService(containers *ContainerService) *FileVersionService {
	return &FileVersionService{
		containers: containers,
		logger:     log.New(log.Writer(), "[FILE_VERSIONS] ", log.LstdFlags),
	}
}

// decideUpsert is the versioning decision policy, evaluated against the
// first file in the container (active or deleted) sharing the incoming name.
func decideUpsert(existing *models.FileEntry, incoming models.FileEntry, ignoreHashReplace bool) upsertAction {
	if existing == nil {
		return actionAppend
	}
	if existing.Deleted != nil {
		// A deleted file never blocks its name; physically drop it and treat
		// the upload as a fresh add.
		return actionRemoveAndAppend
	}
	if incoming.FromFailedJob && !existing.FromFailedJob {
		// Failed-job outputs never clobber accepted files.
		return actionIgnore
	}
	if ignoreHashReplace && hashesEqual(existing.Hash, incoming.Hash) {
		return actionIgnore
	}
	return actionReplace
}

// hashesEqual reports whether two hashes both exist and are identical.
func hashesEqual(a, b string) bool {
	return a != "" && b != "" && a == b
}

// Upsert merges an uploaded file into a container, returning the container
// before and after the mutation and the outcome. A replace keeps the
// original created timestamp and stamps replaced.
func (s *FileVersionService) Upsert(ctx context.Context, levelName, id string, file models.FileEntry, ignoreHashReplace bool) (*models.Container, *models.Container, FileOutcome, error) {
	before, err := s.containers.GetInternal(ctx, levelName, id)
	if err != nil {
		return nil, nil, "", err
	}

	now := time.Now().UTC()
	if file.Modified.IsZero() {
		file.Modified = now
	}

	existing := before.FindFile(file.Name)
	var after *models.Container

	switch decideUpsert(existing, file, ignoreHashReplace) {
	case actionAppend:
		file.Created = now
		after, err = s.containers.AddFile(ctx, levelName, id, file)
		if err != nil {
			return nil, nil, "", err
		}
		s.logger.Printf("File name=<%s> was added to %s=%s", file.Name, levelName, id)
		return before, after, OutcomeSaved, nil

	case actionRemoveAndAppend:
		if _, err := s.containers.RemoveFile(ctx, levelName, id, file.Name); err != nil {
			return nil, nil, "", err
		}
		file.Created = now
		after, err = s.containers.AddFile(ctx, levelName, id, file)
		if err != nil {
			return nil, nil, "", err
		}
		s.logger.Printf("File name=<%s> replaced deleted file on %s=%s", file.Name, levelName, id)
		return before, after, OutcomeSaved, nil

	case actionIgnore:
		s.logger.Printf("File name=<%s> was ignored on %s=%s", file.Name, levelName, id)
		return before, nil, OutcomeIgnored, nil

	default: // actionReplace
		file.Created = existing.Created
		file.Replaced = &now
		after, err = s.containers.ReplaceFile(ctx, levelName, id, file)
		if err != nil {
			return nil, nil, "", err
		}
		s.logger.Printf("File name=<%s> replaced existing file on %s=%s", file.Name, levelName, id)
		return before, after, OutcomeReplaced, nil
	}
}

// UpdateMetadata merges fields into an existing file record matched purely
// by name, stamping only that file's modified timestamp. It never creates
// or replaces file content; a missing name is a no-op reported as ignored.
func (s *FileVersionService) UpdateMetadata(ctx context.Context, levelName, id, name string, fields bson.M) (*models.Container, *models.Container, FileOutcome, error) {
	before, err := s.containers.GetInternal(ctx, levelName, id)
	if err != nil {
		return nil, nil, "", err
	}
	if before.FindFile(name) == nil {
		return nil, nil, OutcomeIgnored, nil
	}

	after, err := s.containers.UpdateFileFields(ctx, levelName, id, name, fields)
	if err != nil {
		return nil, nil, "", err
	}
	return before, after, OutcomeSaved, nil
}
