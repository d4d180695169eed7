package services

import (
	"testing"
	"time"

	"labdrive/models"

	"github.com/stretchr/testify/assert"
)

func TestDecideUpsertNewFile(t *testing.T) {
	action := decideUpsert(nil, models.FileEntry{Name: "scan.dcm"}, false)
	assert.Equal(t, actionAppend, action)
}

func TestDecideUpsertDeletedFileNeverBlocksItsName(t *testing.T) {
	deleted := time.Now().UTC()
	existing := &models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-aaa", Deleted: &deleted}

	action := decideUpsert(existing, models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-aaa"}, true)
	assert.Equal(t, actionRemoveAndAppend, action)
}

func TestDecideUpsertFailedJobProtection(t *testing.T) {
	existing := &models.FileEntry{Name: "out.txt"}

	action := decideUpsert(existing, models.FileEntry{Name: "out.txt", FromFailedJob: true}, false)
	assert.Equal(t, actionIgnore, action)

	// A failed-job output may replace another failed-job output.
	existing.FromFailedJob = true
	action = decideUpsert(existing, models.FileEntry{Name: "out.txt", FromFailedJob: true}, false)
	assert.Equal(t, actionReplace, action)
}

func TestDecideUpsertEqualHashIgnored(t *testing.T) {
	existing := &models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-aaa"}
	incoming := models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-aaa"}

	assert.Equal(t, actionIgnore, decideUpsert(existing, incoming, true))
	// Without ignoreHashReplace the same upload is a replace.
	assert.Equal(t, actionReplace, decideUpsert(existing, incoming, false))
}

func TestDecideUpsertMissingHashesAlwaysReplace(t *testing.T) {
	existing := &models.FileEntry{Name: "scan.dcm"}
	incoming := models.FileEntry{Name: "scan.dcm"}

	assert.Equal(t, actionReplace, decideUpsert(existing, incoming, true))
}

func TestDecideUpsertDifferentHashReplaces(t *testing.T) {
	existing := &models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-aaa"}
	incoming := models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-bbb"}

	assert.Equal(t, actionReplace, decideUpsert(existing, incoming, true))
}

func TestHashesEqual(t *testing.T) {
	assert.True(t, hashesEqual("a", "a"))
	assert.False(t, hashesEqual("a", "b"))
	assert.False(t, hashesEqual("", ""))
	assert.False(t, hashesEqual("a", ""))
}
