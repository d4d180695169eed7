package services

import (
	"testing"
	"time"

	"labdrive/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestFuzzyMatchGroupIDExactCaseInsensitive(t *testing.T) {
	groupID, label := fuzzyMatchGroupID("NeuroLab", "proj", []string{"neurolab", "other"}, false)
	assert.Equal(t, "neurolab", groupID)
	assert.Equal(t, "proj", label)
}

func TestFuzzyMatchGroupIDSingleCloseMatch(t *testing.T) {
	groupID, label := fuzzyMatchGroupID("neurolabs", "proj", []string{"neurolab", "cardio"}, false)
	assert.Equal(t, "neurolab", groupID)
	assert.Equal(t, "proj", label)
}

func TestFuzzyMatchGroupIDAmbiguousCloseMatchesFallBack(t *testing.T) {
	groupID, label := fuzzyMatchGroupID("neurolab1", "proj", []string{"neurolab2", "neurolab3"}, false)
	assert.Equal(t, fallbackGroupID, groupID)
	assert.Equal(t, "neurolab1_proj", label)
}

func TestFuzzyMatchGroupIDNoMatchDerivesProjectLabel(t *testing.T) {
	groupID, label := fuzzyMatchGroupID("nonexistent-xyz", "proj", []string{"neurolab"}, false)
	assert.Equal(t, fallbackGroupID, groupID)
	assert.Equal(t, "nonexistent-xyz_proj", label)
}

func TestFuzzyMatchGroupIDUnsortedMode(t *testing.T) {
	groupID, label := fuzzyMatchGroupID("nonexistent-xyz", "proj", []string{"neurolab"}, true)
	assert.Equal(t, fallbackGroupID, groupID)
	assert.Equal(t, unsortedProjectLabel, label)
}

func TestSimilarityRatio(t *testing.T) {
	assert.Equal(t, 1.0, similarityRatio("abc", "abc"))
	assert.Equal(t, 0.0, similarityRatio("abc", "xyz"))
	assert.Equal(t, 1.0, similarityRatio("", ""))
	assert.Equal(t, 0.0, similarityRatio("abc", ""))
	assert.InDelta(t, 0.94, similarityRatio("neurolabs", "neurolab"), 0.01)
	assert.Less(t, similarityRatio("cardio", "neurolab"), groupMatchCutoff)
}

func TestMatchQuerySubjectsMatchByID(t *testing.T) {
	meta := bson.M{"_id": "sub-id", "label": "ignored"}
	query, err := matchQuery(meta, models.LevelSubject, models.LevelProject, "proj-id", "label")
	require.NoError(t, err)
	assert.Equal(t, "sub-id", query["_id"])
	assert.Equal(t, "proj-id", query[models.LevelProject])
	assert.NotContains(t, query, "label")
}

func TestMatchQueryUsesCallerSelectedField(t *testing.T) {
	meta := bson.M{"uid": "1.2.3", "label": "ses1"}

	query, err := matchQuery(meta, models.LevelSession, models.LevelProject, "proj-id", "uid")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", query["uid"])

	query, err = matchQuery(meta, models.LevelSession, models.LevelProject, "proj-id", "label")
	require.NoError(t, err)
	assert.Equal(t, "ses1", query["label"])
}

func TestMatchQueryRejectsUnknownMatchType(t *testing.T) {
	_, err := matchQuery(bson.M{}, models.LevelSession, models.LevelProject, "p", "name")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFlattenDoc(t *testing.T) {
	flat := flattenDoc(bson.M{
		"label": "s1",
		"info":  bson.M{"a": 1, "b": bson.M{"c": 2}},
		"tags":  []string{"x"},
	})

	assert.Equal(t, "s1", flat["label"])
	assert.Equal(t, 1, flat["info.a"])
	assert.Equal(t, 2, flat["info.b.c"])
	assert.Equal(t, []string{"x"}, flat["tags"])
}

func TestPopFiles(t *testing.T) {
	doc := bson.M{
		"label": "a1",
		"files": []interface{}{
			map[string]interface{}{"name": "scan.dcm", "type": "dicom"},
			map[string]interface{}{"type": "nameless"},
		},
	}

	files := popFiles(doc)
	assert.NotContains(t, doc, "files")
	assert.Len(t, files, 1)
	assert.Equal(t, "dicom", files["scan.dcm"]["type"])

	assert.Empty(t, popFiles(nil))
	assert.Empty(t, popFiles(bson.M{"label": "no files"}))
}

func TestParseTimestampFormats(t *testing.T) {
	for _, raw := range []string{
		"2026-08-30T10:15:00Z",
		"2026-08-30T10:15:00.123Z",
		"2026-08-30T10:15:00",
		"2026-08-30 10:15:00",
		"2026-08-30",
	} {
		ts, err := parseTimestamp(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, 2026, ts.Year())
	}

	_, err := parseTimestamp("30/08/2026")
	assert.Error(t, err)
}

func TestNormalizeTimestamp(t *testing.T) {
	doc := bson.M{"timestamp": "2026-08-30T10:15:00Z"}
	require.NoError(t, normalizeTimestamp(doc))
	_, ok := doc["timestamp"].(time.Time)
	assert.True(t, ok)

	err := normalizeTimestamp(bson.M{"timestamp": "not a time"})
	assert.ErrorIs(t, err, ErrValidation)

	assert.NoError(t, normalizeTimestamp(bson.M{"label": "no timestamp"}))
}

func TestAttachRawSubject(t *testing.T) {
	session := bson.M{}
	attachRawSubject(session, bson.M{"code": "s01", "sex": "female", "firstname": "Ada"})

	info, ok := toDoc(session["info"])
	require.True(t, ok)
	raw, ok := toDoc(info["subject_raw"])
	require.True(t, ok)
	assert.Equal(t, "female", raw["sex"])
	assert.Equal(t, "Ada", raw["firstname"])
	assert.NotContains(t, raw, "code")

	// No demographic fields, no info key.
	session = bson.M{}
	attachRawSubject(session, bson.M{"code": "s01"})
	assert.NotContains(t, session, "info")
}
