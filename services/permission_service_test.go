package services

import (
	"testing"

	"labdrive/models"

	"github.com/stretchr/testify/assert"
)

func TestHasAccessRanking(t *testing.T) {
	svc := NewPermissionService()
	cont := &models.Container{Permissions: []models.Permission{
		{PrincipalID: "reader@lab.org", Access: models.AccessReadOnly},
		{PrincipalID: "writer@lab.org", Access: models.AccessReadWrite},
		{PrincipalID: "admin@lab.org", Access: models.AccessAdmin},
	}}

	assert.True(t, svc.HasAccess("reader@lab.org", cont, models.AccessReadOnly))
	assert.False(t, svc.HasAccess("reader@lab.org", cont, models.AccessReadWrite))

	assert.True(t, svc.HasAccess("writer@lab.org", cont, models.AccessReadOnly))
	assert.True(t, svc.HasAccess("writer@lab.org", cont, models.AccessReadWrite))
	assert.False(t, svc.HasAccess("writer@lab.org", cont, models.AccessAdmin))

	assert.True(t, svc.HasAccess("admin@lab.org", cont, models.AccessAdmin))

	assert.False(t, svc.HasAccess("stranger@lab.org", cont, models.AccessReadOnly))
	assert.False(t, svc.HasAccess("reader@lab.org", cont, "owner"))
}

func TestCheckRootBypass(t *testing.T) {
	svc := NewPermissionService()
	cont := &models.Container{}

	assert.True(t, svc.Check("anyone@lab.org", true, cont, models.AccessAdmin))
	assert.False(t, svc.Check("anyone@lab.org", false, cont, models.AccessReadOnly))
}
