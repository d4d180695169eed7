package services

import (
	"context"
	"testing"

	"labdrive/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCheckFieldReqScalarRegex(t *testing.T) {
	doc := bson.M{"label": "Anatomy T1"}

	assert.True(t, checkFieldReq(doc, "label", "anatomy"))
	assert.True(t, checkFieldReq(doc, "label", "^Anatomy"))
	assert.False(t, checkFieldReq(doc, "label", "functional"))
	assert.False(t, checkFieldReq(doc, "missing", ".*"))
}

func TestCheckFieldReqListAnyElementMatches(t *testing.T) {
	doc := bson.M{"tags": []interface{}{"qa", "anatomical"}}

	assert.True(t, checkFieldReq(doc, "tags", "anatomical"))
	assert.False(t, checkFieldReq(doc, "tags", "functional"))
}

func TestCheckFieldReqClassificationFlattened(t *testing.T) {
	doc := bson.M{"classification": bson.M{
		"intent":      []interface{}{"structural"},
		"measurement": []interface{}{"T1"},
	}}

	assert.True(t, checkFieldReq(doc, "classification", "t1"))
	assert.True(t, checkFieldReq(doc, "classification", "structural"))
	assert.False(t, checkFieldReq(doc, "classification", "diffusion"))

	// Empty classification never matches.
	assert.False(t, checkFieldReq(bson.M{"classification": bson.M{}}, "classification", ".*"))
}

func TestCheckFieldReqNestedBlock(t *testing.T) {
	doc := bson.M{"info": bson.M{"scanner": bson.M{"vendor": "Siemens"}}}

	assert.True(t, checkFieldReq(doc, "info", bson.M{"scanner": bson.M{"vendor": "siemens"}}))
	assert.False(t, checkFieldReq(doc, "info", bson.M{"scanner": bson.M{"vendor": "ge"}}))
}

func TestCheckContainerReqsFilesMinimum(t *testing.T) {
	doc := bson.M{"files": []interface{}{
		bson.M{"name": "a.dcm", "type": "dicom"},
		bson.M{"name": "b.dcm", "type": "dicom"},
		bson.M{"name": "gone.dcm", "type": "dicom", "deleted": "stamp"},
		bson.M{"name": "notes.txt", "type": "text"},
	}}

	assert.True(t, checkContainerReqs(doc, bson.M{
		"files": []interface{}{bson.M{"type": "dicom", "minimum": 2}},
	}))
	// The deleted entry does not count toward the minimum.
	assert.False(t, checkContainerReqs(doc, bson.M{
		"files": []interface{}{bson.M{"type": "dicom", "minimum": 3}},
	}))
}

func TestSplitMinimum(t *testing.T) {
	minimum, rest := splitMinimum(bson.M{"minimum": 2, "label": "func"})
	assert.Equal(t, 2, minimum)
	assert.Equal(t, bson.M{"label": "func"}, rest)

	minimum, rest = splitMinimum(bson.M{"label": "func"})
	assert.Equal(t, 1, minimum)
	assert.Contains(t, rest, "label")
}

func TestIsCompliantLabelAnchored(t *testing.T) {
	svc := NewTemplateService(nil)
	session := &models.Container{Label: "intake-session"}

	ok, err := svc.IsCompliant(context.Background(), session, []models.SessionTemplate{
		{Session: bson.M{"label": "intake"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// The label requirement anchors at the start.
	ok, err = svc.IsCompliant(context.Background(), session, []models.SessionTemplate{
		{Session: bson.M{"label": "session"}},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsCompliantLegacyCodeKey(t *testing.T) {
	svc := NewTemplateService(nil)
	session := &models.Container{Label: "intake-session"}

	ok, err := svc.IsCompliant(context.Background(), session, []models.SessionTemplate{
		{Session: bson.M{"code": "intake"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsCompliantAnyTemplatePasses(t *testing.T) {
	svc := NewTemplateService(nil)
	session := &models.Container{Label: "followup"}

	ok, err := svc.IsCompliant(context.Background(), session, []models.SessionTemplate{
		{Session: bson.M{"label": "intake"}},
		{Session: bson.M{"label": "followup"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsCompliantUnpersistedSessionFailsAcquisitionReqs(t *testing.T) {
	svc := NewTemplateService(nil)
	session := &models.Container{Label: "intake"}

	ok, err := svc.IsCompliant(context.Background(), session, []models.SessionTemplate{
		{Session: bson.M{"label": "intake"}, Acquisitions: []bson.M{{"label": "anatomy"}}},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
