package services

import (
	"labdrive/models"
)

var accessRank = map[string]int{
	models.AccessReadOnly:  1,
	models.AccessReadWrite: 2,
	models.AccessAdmin:     3,
}

// PermissionService answers access questions over container permission
// lists. Enforcement happens in callers (the ingestor and the REST layer);
// the container store itself stays permission-free.
type PermissionService struct{}

func NewPermissionService() *PermissionService {
	return &PermissionService{}
}

// Check applies the predicate for a request principal; root principals
// bypass container permissions entirely.
func (s *PermissionService) Check(principalID string, root bool, cont *models.Container, required string) bool {
	if root {
		return true
	}
	return s.HasAccess(principalID, cont, required)
}

// HasAccess reports whether the principal holds at least the required access
// level on the container.
func (s *PermissionService) HasAccess(principalID string, cont *models.Container, required string) bool {
	need, ok := accessRank[required]
	if !ok {
		return false
	}
	for _, perm := range cont.Permissions {
		if perm.PrincipalID == principalID && accessRank[perm.Access] >= need {
			return true
		}
	}
	return false
}
