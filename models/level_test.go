package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestLevelByNameSingularAndPlural(t *testing.T) {
	for _, name := range []string{"session", "sessions"} {
		level, err := LevelByName(name)
		require.NoError(t, err)
		assert.Equal(t, LevelSession, level.Name)
		assert.Equal(t, "sessions", level.Collection)
	}

	_, err := LevelByName("cohort")
	assert.Error(t, err)
}

func TestFormatID(t *testing.T) {
	group, _ := LevelByName(LevelGroup)
	id, err := group.FormatID("neurolab")
	require.NoError(t, err)
	assert.Equal(t, "neurolab", id)

	session, _ := LevelByName(LevelSession)
	oid := primitive.NewObjectID()
	id, err = session.FormatID(oid.Hex())
	require.NoError(t, err)
	assert.Equal(t, oid, id)

	_, err = session.FormatID("not-hex")
	assert.Error(t, err)
}

func TestChildLevelSubjectToggle(t *testing.T) {
	project, _ := LevelByName(LevelProject)

	assert.Equal(t, LevelSubject, project.ChildLevel(true))
	assert.Equal(t, LevelSession, project.ChildLevel(false))

	subject, _ := LevelByName(LevelSubject)
	assert.Equal(t, LevelSession, subject.ChildLevel(true))

	acquisition, _ := LevelByName(LevelAcquisition)
	assert.Equal(t, "", acquisition.ChildLevel(true))
}

func TestParentMapRoundTrip(t *testing.T) {
	oid := primitive.NewObjectID()
	p := &ParentMap{}
	p.Set(LevelGroup, "neurolab")
	p.Set(LevelProject, oid)

	assert.Equal(t, "neurolab", p.Get(LevelGroup))
	assert.Equal(t, oid, p.Get(LevelProject))
	assert.Nil(t, p.Get(LevelSession))
}

func TestActiveFilesAndFindFile(t *testing.T) {
	deleted := time.Now().UTC()
	c := &Container{Files: []FileEntry{
		{Name: "a.dcm"},
		{Name: "gone.dcm", Deleted: &deleted},
	}}

	active := c.ActiveFiles()
	require.Len(t, active, 1)
	assert.Equal(t, "a.dcm", active[0].Name)

	assert.NotNil(t, c.FindFile("gone.dcm"))
	assert.Nil(t, c.FindFile("missing.dcm"))
}
