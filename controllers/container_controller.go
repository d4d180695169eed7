package controllers

import (
	"fmt"
	"net/http"
	"strconv"

	"labdrive/models"
	"labdrive/services"
	"labdrive/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ContainerController struct {
	containers      *services.ContainerService
	permissions     *services.PermissionService
	blobs           *services.BlobService
	versioning      *services.FileVersionService
	includeSubjects bool
}

func NewContainerController(containers *services.ContainerService, permissions *services.PermissionService, blobs *services.BlobService, versioning *services.FileVersionService, includeSubjects bool) *ContainerController {
	return &ContainerController{
		containers:      containers,
		permissions:     permissions,
		blobs:           blobs,
		versioning:      versioning,
		includeSubjects: includeSubjects,
	}
}

// ========== Helpers ==========

func principal(c *gin.Context) (string, bool, error) {
	userID, exists := c.Get("userId")
	if !exists {
		return "", false, fmt.Errorf("user not authenticated")
	}
	userIDStr, ok := userID.(string)
	if !ok || userIDStr == "" {
		return "", false, fmt.Errorf("invalid user ID format")
	}
	root, _ := c.Get("root")
	return userIDStr, root == true, nil
}

func (cc *ContainerController) authorize(c *gin.Context, cont *models.Container, required string) bool {
	userID, root, err := principal(c)
	if err != nil {
		utils.UnauthorizedResponse(c, err.Error())
		return false
	}
	if required == models.AccessReadOnly && cont.Public {
		return true
	}
	if !cc.permissions.Check(userID, root, cont, required) {
		utils.ForbiddenResponse(c, "Insufficient permissions")
		return false
	}
	return true
}

// ========== Endpoints ==========

// GetContainer returns one container, soft-deleted excluded, deleted file
// entries stripped.
func (cc *ContainerController) GetContainer(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadOnly) {
		return
	}
	utils.SuccessResponse(c, "Container retrieved successfully", cont)
}

// ListContainers lists active containers at a level, scoped to the caller's
// permissions unless the caller is root.
func (cc *ContainerController) ListContainers(c *gin.Context) {
	userID, root, err := principal(c)
	if err != nil {
		utils.UnauthorizedResponse(c, err.Error())
		return
	}

	page, _ := strconv.ParseInt(c.DefaultQuery("page", "1"), 10, 64)
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	opts := services.ListOptions{
		Sort:  bson.D{{Key: "created", Value: 1}, {Key: "_id", Value: 1}},
		Skip:  (page - 1) * limit,
		Limit: limit,
	}
	if !root {
		opts.PrincipalID = userID
	}

	conts, total, err := cc.containers.List(c.Request.Context(), c.Param("level"), bson.M{}, opts)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.PaginatedSuccessResponse(c, "Containers retrieved successfully", conts, &utils.Pagination{
		Page:       int(page),
		Limit:      int(limit),
		Total:      total,
		TotalPages: int((total + limit - 1) / limit),
	})
}

// CreateContainer creates a container beneath an existing parent. Group
// creation is root-only.
func (cc *ContainerController) CreateContainer(c *gin.Context) {
	levelName := c.Param("level")
	level, err := models.LevelByName(levelName)
	if err != nil {
		utils.BadRequestResponse(c, "Unknown container level", err.Error())
		return
	}

	var cont models.Container
	if err := c.ShouldBindJSON(&cont); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}

	if level.Name == models.LevelGroup {
		if _, root, err := principal(c); err != nil || !root {
			utils.ForbiddenResponse(c, "Group creation requires site admin")
			return
		}
		id, _ := cont.ID.(string)
		if err := utils.ValidateGroupID(id); err != nil {
			utils.BadRequestResponse(c, "Invalid group id", err.Error())
			return
		}
	} else {
		if level.Name == models.LevelSubject {
			if cont.Code == "" {
				utils.BadRequestResponse(c, "A subject requires a code", nil)
				return
			}
		} else if err := utils.ValidateContainerLabel(cont.Label); err != nil {
			utils.BadRequestResponse(c, "Invalid container label", err.Error())
			return
		}
		parentID := cont.ParentID(level.Parent)
		if parentID == nil {
			utils.BadRequestResponse(c, fmt.Sprintf("A %s requires a %s reference", level.Name, level.Parent), nil)
			return
		}
		parent, err := cc.containers.Get(c.Request.Context(), level.Parent, idString(parentID), nil)
		if err != nil {
			utils.ServiceErrorResponse(c, err)
			return
		}
		if !cc.authorize(c, parent, models.AccessAdmin) {
			return
		}
		if len(cont.Permissions) == 0 {
			cont.Permissions = parent.Permissions
		}
	}

	if err := cc.containers.Create(c.Request.Context(), level.Name, &cont); err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.CreatedResponse(c, "Container created successfully", cont)
}

// UpdateContainer applies a partial update. Changing the parent reference
// requires cascade=true so the descendants' parent maps are repaired in the
// same call.
func (cc *ContainerController) UpdateContainer(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadWrite) {
		return
	}

	var set bson.M
	if err := c.ShouldBindJSON(&set); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}
	for _, immutable := range []string{"_id", "id", "parents", "created", "files", "deleted"} {
		delete(set, immutable)
	}
	if len(set) == 0 {
		utils.BadRequestResponse(c, "No updatable fields supplied", nil)
		return
	}

	cascade := c.Query("cascade") == "true"
	result, err := cc.containers.Update(c.Request.Context(), c.Param("level"), c.Param("id"), set, nil, cascade)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Container updated successfully", result)
}

// DeleteContainer soft-deletes the container itself; children keep their
// own lifecycle.
func (cc *ContainerController) DeleteContainer(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessAdmin) {
		return
	}

	result, err := cc.containers.SoftDelete(c.Request.Context(), c.Param("level"), c.Param("id"))
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Container deleted successfully", result)
}

// ModifyInfo applies set/delete mutations to the container's info document,
// or replaces it wholesale. The two modes are mutually exclusive.
func (cc *ContainerController) ModifyInfo(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadWrite) {
		return
	}

	var payload services.InfoUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}

	result, err := cc.containers.ModifyInfo(c.Request.Context(), c.Param("level"), c.Param("id"), payload)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Container info updated successfully", result)
}

// GetChildren lists the container's direct children one level down.
func (cc *ContainerController) GetChildren(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadOnly) {
		return
	}

	children, err := cc.containers.Children(c.Request.Context(), c.Param("level"), c.Param("id"), cc.includeSubjects)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Children retrieved successfully", children)
}

// GetAncestors returns the container's ancestor chain from its parent map,
// tolerating broken links.
func (cc *ContainerController) GetAncestors(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadOnly) {
		return
	}

	ancestors, err := cc.containers.Ancestors(c.Request.Context(), c.Param("level"), c.Param("id"), false)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Ancestors retrieved successfully", ancestors)
}

// DownloadFile returns a signed URL for one of the container's active files.
func (cc *ContainerController) DownloadFile(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadOnly) {
		return
	}

	name := c.Param("name")
	file := cont.FindFile(name)
	if file == nil || file.Deleted != nil {
		utils.NotFoundResponse(c, fmt.Sprintf("No file %q found", name))
		return
	}

	url, err := cc.blobs.SignedURL(c.Request.Context(), file.Hash)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"download_url": url,
		"name":         file.Name,
		"size":         file.Size,
	})
}

// ModifyFileInfo merges metadata fields onto a file record matched by name.
// Content-bearing fields are immutable here; a name with no matching record
// is a no-op reported as ignored.
func (cc *ContainerController) ModifyFileInfo(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadWrite) {
		return
	}

	var fields bson.M
	if err := c.ShouldBindJSON(&fields); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}
	for _, immutable := range []string{"name", "hash", "size", "created", "modified", "deleted", "replaced"} {
		delete(fields, immutable)
	}
	if len(fields) == 0 {
		utils.BadRequestResponse(c, "No updatable fields supplied", nil)
		return
	}

	_, after, outcome, err := cc.versioning.UpdateMetadata(c.Request.Context(), c.Param("level"), c.Param("id"), c.Param("name"), fields)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "File updated successfully", gin.H{
		"outcome":   outcome,
		"container": after,
	})
}

// DeleteFile soft-deletes one file entry; the blob survives until the purge
// job confirms nothing references it.
func (cc *ContainerController) DeleteFile(c *gin.Context) {
	cont, err := cc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !cc.authorize(c, cont, models.AccessReadWrite) {
		return
	}

	name := c.Param("name")
	if cont.FindFile(name) == nil {
		utils.NotFoundResponse(c, fmt.Sprintf("No file %q found", name))
		return
	}

	result, err := cc.containers.DeleteFileEntry(c.Request.Context(), c.Param("level"), c.Param("id"), name)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "File deleted successfully", result)
}

func idString(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	default:
		return fmt.Sprintf("%v", id)
	}
}
