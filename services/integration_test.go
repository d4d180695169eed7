package services

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"labdrive/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// testDatabase connects to the instance named by MONGO_TEST_URI and hands the
// test a scratch database that is dropped on cleanup. Tests are skipped when
// no instance is configured.
func testDatabase(t *testing.T) (*mongo.Database, context.Context) {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)

	db := client.Database(fmt.Sprintf("labdrive_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db, ctx
}

func mustOID(t *testing.T, c *models.Container) primitive.ObjectID {
	t.Helper()
	id, ok := c.ID.(primitive.ObjectID)
	require.True(t, ok, "expected ObjectID, got %T", c.ID)
	return id
}

type fixtureChain struct {
	group       *models.Container
	project     *models.Container
	subject     *models.Container
	session     *models.Container
	acquisition *models.Container
}

// seedChain creates one full group/project/subject/session/acquisition chain
// through the regular create path, so parents maps and timestamps are real.
func seedChain(ctx context.Context, t *testing.T, containers *ContainerService, groupID string) *fixtureChain {
	t.Helper()
	perms := []models.Permission{{PrincipalID: "admin@lab.org", Access: models.AccessAdmin}}

	group := &models.Container{ID: groupID, Label: groupID, Permissions: perms}
	require.NoError(t, containers.Create(ctx, models.LevelGroup, group))

	project := &models.Container{Label: "p1", Group: groupID, Permissions: perms}
	require.NoError(t, containers.Create(ctx, models.LevelProject, project))
	pid := mustOID(t, project)

	subject := &models.Container{Code: "subj-01", Project: &pid, Permissions: perms}
	require.NoError(t, containers.Create(ctx, models.LevelSubject, subject))
	sid := mustOID(t, subject)

	session := &models.Container{Label: "s1", UID: "1.2.3", Group: groupID,
		Project: &pid, Subject: &sid, Permissions: perms}
	require.NoError(t, containers.Create(ctx, models.LevelSession, session))
	sesID := mustOID(t, session)

	acquisition := &models.Container{Label: "a1", UID: "1.2.3.4", Session: &sesID, Permissions: perms}
	require.NoError(t, containers.Create(ctx, models.LevelAcquisition, acquisition))

	return &fixtureChain{group, project, subject, session, acquisition}
}

func TestIntegrationAncestorChain(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	fx := seedChain(ctx, t, containers, "g1")
	acqHex := mustOID(t, fx.acquisition).Hex()

	chain, err := containers.Ancestors(ctx, models.LevelAcquisition, acqHex, false)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, models.LevelSession, chain[0].ContainerType)
	assert.Equal(t, models.LevelSubject, chain[1].ContainerType)
	assert.Equal(t, models.LevelProject, chain[2].ContainerType)
	assert.Equal(t, "g1", chain[3].ID)

	withSelf, err := containers.Ancestors(ctx, models.LevelAcquisition, acqHex, true)
	require.NoError(t, err)
	require.Len(t, withSelf, 5)
	assert.Equal(t, mustOID(t, fx.acquisition), withSelf[0].ID)

	// The denormalized parents map agrees with the walked chain.
	acq, err := containers.Get(ctx, models.LevelAcquisition, acqHex, nil)
	require.NoError(t, err)
	assert.Equal(t, chain[0].ID, acq.Parents.Get(models.LevelSession))
	assert.Equal(t, chain[1].ID, acq.Parents.Get(models.LevelSubject))
	assert.Equal(t, chain[2].ID, acq.Parents.Get(models.LevelProject))
	assert.Equal(t, "g1", acq.Parents.Get(models.LevelGroup))

	// A soft-deleted ancestor stays in the chain, stamped deleted.
	_, err = containers.SoftDelete(ctx, models.LevelSubject, mustOID(t, fx.subject).Hex())
	require.NoError(t, err)
	chain, err = containers.Ancestors(ctx, models.LevelAcquisition, acqHex, false)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, models.LevelSubject, chain[1].ContainerType)
	assert.NotNil(t, chain[1].Deleted)
}

func TestIntegrationSoftDeleteExclusion(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	fx := seedChain(ctx, t, containers, "g2")
	pidHex := mustOID(t, fx.project).Hex()

	_, err := containers.SoftDelete(ctx, models.LevelProject, pidHex)
	require.NoError(t, err)

	results, total, err := containers.List(ctx, models.LevelProject, bson.M{"group": "g2"}, ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)

	children, err := containers.Children(ctx, models.LevelGroup, "g2", false)
	require.NoError(t, err)
	assert.Empty(t, children)

	_, err = containers.Get(ctx, models.LevelProject, pidHex, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	raw, err := containers.GetInternal(ctx, models.LevelProject, pidHex)
	require.NoError(t, err)
	assert.NotNil(t, raw.Deleted)

	// The delete filter only matches active documents.
	_, err = containers.SoftDelete(ctx, models.LevelProject, pidHex)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntegrationVersioningIdempotence(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	versions := NewFileVersionService(containers)
	fx := seedChain(ctx, t, containers, "g3")
	acqHex := mustOID(t, fx.acquisition).Hex()

	file := models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-abcdef0123456789", Size: 1024, Type: "dicom"}

	_, after, outcome, err := versions.Upsert(ctx, models.LevelAcquisition, acqHex, file, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSaved, outcome)
	require.Len(t, after.Files, 1)

	_, after, outcome, err = versions.Upsert(ctx, models.LevelAcquisition, acqHex, file, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Nil(t, after)

	acq, err := containers.GetInternal(ctx, models.LevelAcquisition, acqHex)
	require.NoError(t, err)
	assert.Len(t, acq.Files, 1)
}

func TestIntegrationVersioningReplaceProvenance(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	versions := NewFileVersionService(containers)
	fx := seedChain(ctx, t, containers, "g3b")
	acqHex := mustOID(t, fx.acquisition).Hex()

	first := models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-aaaa", Size: 10}
	_, saved, outcome, err := versions.Upsert(ctx, models.LevelAcquisition, acqHex, first, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSaved, outcome)
	originalCreated := saved.FindFile("scan.dcm").Created

	second := models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-bbbb", Size: 20}
	_, replaced, outcome, err := versions.Upsert(ctx, models.LevelAcquisition, acqHex, second, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplaced, outcome)

	entry := replaced.FindFile("scan.dcm")
	require.NotNil(t, entry)
	assert.Equal(t, "v0-sha1-bbbb", entry.Hash)
	assert.Equal(t, int64(20), entry.Size)
	assert.WithinDuration(t, originalCreated, entry.Created, time.Millisecond)
	assert.NotNil(t, entry.Replaced)
	require.Len(t, replaced.Files, 1)
}

func TestIntegrationResolverDeterminism(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	resolver := NewResolverService(containers, NewGearService(db), false)
	fx := seedChain(ctx, t, containers, "g4")

	// A second session with the same label, created later. Ambiguity resolves
	// to the oldest match every time.
	pid := mustOID(t, fx.project)
	sid := mustOID(t, fx.subject)
	twin := &models.Container{Label: "s1", UID: "9.9.9", Group: "g4",
		Project: &pid, Subject: &sid, Created: fx.session.Created.Add(time.Hour)}
	require.NoError(t, containers.Create(ctx, models.LevelSession, twin))

	first, err := resolver.Resolve(ctx, []string{"g4", "p1", "s1"})
	require.NoError(t, err)
	second, err := resolver.Resolve(ctx, []string{"g4", "p1", "s1"})
	require.NoError(t, err)

	require.Len(t, first.Path, 3)
	assert.Equal(t, mustOID(t, fx.session), first.Path[2].Container.ID)
	assert.Equal(t, first.Path[2].Container.ID, second.Path[2].Container.ID)
}

func TestIntegrationResolverEscapeBypass(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	resolver := NewResolverService(containers, NewGearService(db), false)
	fx := seedChain(ctx, t, containers, "g5")

	// A decoy project whose label is the first project's hex id.
	p1Hex := mustOID(t, fx.project).Hex()
	decoy := &models.Container{Label: p1Hex, Group: "g5"}
	require.NoError(t, containers.Create(ctx, models.LevelProject, decoy))

	byLabel, err := resolver.Resolve(ctx, []string{"g5", p1Hex})
	require.NoError(t, err)
	require.Len(t, byLabel.Path, 2)
	assert.Equal(t, mustOID(t, decoy), byLabel.Path[1].Container.ID)

	byID, err := resolver.Resolve(ctx, []string{"g5", "<id:" + p1Hex + ">"})
	require.NoError(t, err)
	require.Len(t, byID.Path, 2)
	assert.Equal(t, mustOID(t, fx.project), byID.Path[1].Container.ID)
}

func TestIntegrationResolveEndToEnd(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	resolver := NewResolverService(containers, NewGearService(db), false)
	fx := seedChain(ctx, t, containers, "g6")
	acqHex := mustOID(t, fx.acquisition).Hex()

	_, err := containers.AddFile(ctx, models.LevelAcquisition, acqHex,
		models.FileEntry{Name: "scan.dcm", Hash: "v0-sha1-cafe", Size: 42})
	require.NoError(t, err)

	res, err := resolver.Resolve(ctx, []string{"g6", "p1", "s1", "a1"})
	require.NoError(t, err)
	require.Len(t, res.Path, 4)
	for i, want := range []string{models.LevelGroup, models.LevelProject, models.LevelSession, models.LevelAcquisition} {
		assert.Equal(t, want, res.Path[i].ContainerType)
	}
	require.Len(t, res.Children, 1)
	require.NotNil(t, res.Children[0].File)
	assert.Equal(t, "scan.dcm", res.Children[0].File.Name)

	res, err = resolver.Resolve(ctx, []string{"g6", "p1", "s1", "a1", "files", "scan.dcm"})
	require.NoError(t, err)
	require.Len(t, res.Path, 5)
	require.NotNil(t, res.Path[4].File)
	assert.Equal(t, "scan.dcm", res.Path[4].File.Name)

	// A forgotten files/ prefix fails with a hint.
	_, err = resolver.Resolve(ctx, []string{"g6", "p1", "s1", "a1", "scan.dcm"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "did you mean files/scan.dcm?", Suggestion(err))

	node, err := resolver.Lookup(ctx, []string{"g6", "p1", "s1", "a1", "files", "scan.dcm"})
	require.NoError(t, err)
	require.NotNil(t, node.File)
	assert.Equal(t, "scan.dcm", node.File.Name)
}

func TestIntegrationResolverGroupAnalysesLabel(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	resolver := NewResolverService(containers, NewGearService(db), false)
	seedChain(ctx, t, containers, "g7")

	// A project whose label collides with the analyses literal. Groups carry
	// no analyses, so beneath a group the segment matches the project.
	decoy := &models.Container{Label: "analyses", Group: "g7"}
	require.NoError(t, containers.Create(ctx, models.LevelProject, decoy))

	res, err := resolver.Resolve(ctx, []string{"g7", "analyses"})
	require.NoError(t, err)
	require.Len(t, res.Path, 2)
	assert.Equal(t, models.LevelProject, res.Path[1].ContainerType)
	assert.Equal(t, mustOID(t, decoy), res.Path[1].Container.ID)
}

func TestIntegrationIngestionFallback(t *testing.T) {
	db, ctx := testDatabase(t)
	containers := NewContainerService(db)
	hierarchy := NewHierarchyService(db, containers, NewPermissionService(), NewTemplateService(db), false)

	unknown := &models.Container{ID: "unknown", Label: "unknown",
		Permissions: []models.Permission{{PrincipalID: "admin@lab.org", Access: models.AccessAdmin}}}
	require.NoError(t, containers.Create(ctx, models.LevelGroup, unknown))

	meta := func() IngestMetadata {
		return IngestMetadata{
			Group:       bson.M{"_id": "nonexistent-xyz"},
			Project:     bson.M{"label": "Raw Uploads"},
			Session:     bson.M{"uid": "1.2.3", "label": "ses"},
			Acquisition: bson.M{"uid": "1.2.3.4", "label": "acq"},
		}
	}

	targets, err := hierarchy.UpsertTopDownHierarchy(ctx, meta(), "uid", "", true)
	require.NoError(t, err)

	byLevel := map[string]*models.Container{}
	for _, tgt := range targets {
		byLevel[tgt.Level] = tgt.Container
	}

	project := byLevel[models.LevelProject]
	require.NotNil(t, project)
	assert.Equal(t, "Unsorted", project.Label)
	assert.Equal(t, "unknown", project.Group)

	session := byLevel[models.LevelSession]
	require.NotNil(t, session)
	assert.Equal(t, "gr-nonexistent-xyz_proj-Raw Uploads_ses-1.2.3", session.Label)

	// The ingested chain carries every ancestor level in its parents map,
	// including the subject the session was routed through.
	subject := byLevel[models.LevelSubject]
	require.NotNil(t, subject)
	require.NotNil(t, session.Parents)
	assert.Equal(t, subject.ID, session.Parents.Get(models.LevelSubject))
	assert.Equal(t, project.ID, session.Parents.Get(models.LevelProject))

	acquisition := byLevel[models.LevelAcquisition]
	require.NotNil(t, acquisition)
	require.NotNil(t, acquisition.Parents)
	assert.Equal(t, subject.ID, acquisition.Parents.Get(models.LevelSubject))
	assert.Equal(t, project.ID, acquisition.Parents.Get(models.LevelProject))
	assert.Equal(t, "unknown", acquisition.Parents.Get(models.LevelGroup))

	// A repeat ingest matches the same containers instead of creating twins.
	again, err := hierarchy.UpsertTopDownHierarchy(ctx, meta(), "uid", "", true)
	require.NoError(t, err)
	for _, tgt := range again {
		switch tgt.Level {
		case models.LevelProject:
			assert.Equal(t, project.ID, tgt.Container.ID)
		case models.LevelSession:
			assert.Equal(t, session.ID, tgt.Container.ID)
		case models.LevelAcquisition:
			assert.Equal(t, acquisition.ID, tgt.Container.ID)
		}
	}
}
