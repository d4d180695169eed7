package services

import (
	"testing"
	"time"

	"labdrive/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestParseIDEscape(t *testing.T) {
	raw, escaped, err := parseIDEscape("<id:abc123>")
	require.NoError(t, err)
	assert.True(t, escaped)
	assert.Equal(t, "abc123", raw)

	_, escaped, err = parseIDEscape("plain-label")
	require.NoError(t, err)
	assert.False(t, escaped)

	_, _, err = parseIDEscape("<id:missing-bracket")
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = parseIDEscape("<id:>")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseCriterionMatchFields(t *testing.T) {
	field, value, err := parseCriterion("ses1", mustLevel(models.LevelSession))
	require.NoError(t, err)
	assert.Equal(t, "label", field)
	assert.Equal(t, "ses1", value)

	// Subjects match on code.
	field, _, err = parseCriterion("s01", mustLevel(models.LevelSubject))
	require.NoError(t, err)
	assert.Equal(t, "code", field)

	// Groups only ever match by id.
	field, value, err = parseCriterion("neurolab", mustLevel(models.LevelGroup))
	require.NoError(t, err)
	assert.Equal(t, "_id", field)
	assert.Equal(t, "neurolab", value)
}

func TestParseCriterionEscapedID(t *testing.T) {
	oid := primitive.NewObjectID()

	field, value, err := parseCriterion("<id:"+oid.Hex()+">", mustLevel(models.LevelSession))
	require.NoError(t, err)
	assert.Equal(t, "_id", field)
	assert.Equal(t, oid, value)

	// Group ids stay strings.
	field, value, err = parseCriterion("<id:neurolab>", mustLevel(models.LevelGroup))
	require.NoError(t, err)
	assert.Equal(t, "_id", field)
	assert.Equal(t, "neurolab", value)

	_, _, err = parseCriterion("<id:not-hex>", mustLevel(models.LevelSession))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSegmentNotFoundSuggestsFilesPrefix(t *testing.T) {
	err := segmentNotFound(models.LevelAcquisition, "scan.dcm")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "did you mean files/scan.dcm?", Suggestion(err))

	err = segmentNotFound(models.LevelAcquisition, "anatomy")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, Suggestion(err))
}

func TestFileNodesSortedActiveOnly(t *testing.T) {
	deleted := time.Now().UTC()
	parent := &models.Container{Files: []models.FileEntry{
		{Name: "b.dcm"},
		{Name: "gone.dcm", Deleted: &deleted},
		{Name: "a.dcm"},
	}}

	nodes := fileNodes(parent)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a.dcm", nodes[0].File.Name)
	assert.Equal(t, "b.dcm", nodes[1].File.Name)
	assert.Equal(t, "file", nodes[0].ContainerType)
}

func TestFilesNodeMatchesExactName(t *testing.T) {
	parent := &models.Container{ContainerType: models.LevelAcquisition, Files: []models.FileEntry{
		{Name: "scan.dcm"},
	}}
	node := &filesNode{parent: parent}

	w := &resolveWalk{segments: []string{"scan.dcm"}}
	next, err := node.next(nil, w)
	require.NoError(t, err)
	assert.Nil(t, next)
	require.Len(t, w.resolved, 1)
	assert.Equal(t, "scan.dcm", w.resolved[0].File.Name)

	w = &resolveWalk{segments: []string{"other.dcm"}}
	_, err = node.next(nil, w)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveWalkLastContainer(t *testing.T) {
	group := &models.Container{ID: "g1", ContainerType: models.LevelGroup}
	w := &resolveWalk{}
	assert.Nil(t, w.lastContainer())

	w.push(ResolvedNode{ContainerType: models.LevelGroup, Container: group})
	w.push(ResolvedNode{ContainerType: "file", File: &models.FileEntry{Name: "f"}})
	assert.Equal(t, group, w.lastContainer())
}
