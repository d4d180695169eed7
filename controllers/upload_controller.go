package controllers

import (
	"encoding/json"
	"fmt"
	"mime/multipart"

	"labdrive/models"
	"labdrive/services"
	"labdrive/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson"
)

// Upload strategies. "label" ingests top-down from group/project labels,
// "uid" ingests bottom-up from session/acquisition uids, "uid-match" only
// merges onto chains that already exist.
const (
	StrategyLabel    = "label"
	StrategyUID      = "uid"
	StrategyUIDMatch = "uid-match"
)

type UploadController struct {
	hierarchy   *services.HierarchyService
	versioning  *services.FileVersionService
	blobs       *services.BlobService
	containers  *services.ContainerService
	permissions *services.PermissionService
}

func NewUploadController(hierarchy *services.HierarchyService, versioning *services.FileVersionService, blobs *services.BlobService, containers *services.ContainerService, permissions *services.PermissionService) *UploadController {
	return &UploadController{
		hierarchy:   hierarchy,
		versioning:  versioning,
		blobs:       blobs,
		containers:  containers,
		permissions: permissions,
	}
}

type uploadedFileResult struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	TargetID  string `json:"target_id"`
	Outcome   string `json:"outcome"`
	Hash      string `json:"hash,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Upload ingests a multipart batch: a "metadata" form field describing the
// hierarchy placement, plus the files themselves. Files named in a level's
// metadata land on that level's container; unlisted files land on the
// deepest resolved container.
func (uc *UploadController) Upload(c *gin.Context) {
	userID, root, err := principal(c)
	if err != nil {
		utils.UnauthorizedResponse(c, err.Error())
		return
	}
	enforcedPrincipal := userID
	if root {
		enforcedPrincipal = ""
	}

	strategy := c.Param("strategy")
	metaRaw := c.PostForm("metadata")
	if metaRaw == "" {
		utils.BadRequestResponse(c, "A metadata form field is required", nil)
		return
	}
	var meta services.IngestMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		utils.BadRequestResponse(c, "Invalid metadata JSON", err.Error())
		return
	}

	ctx := c.Request.Context()
	var targets []services.TargetContainer
	switch strategy {
	case StrategyLabel:
		targets, err = uc.hierarchy.UpsertTopDownHierarchy(ctx, meta, "label", enforcedPrincipal, false)
	case StrategyUID:
		targets, err = uc.hierarchy.UpsertBottomUpHierarchy(ctx, meta, "uid", enforcedPrincipal)
	case StrategyUIDMatch:
		targets, err = uc.hierarchy.FindExistingHierarchy(ctx, meta, "uid", enforcedPrincipal)
	default:
		utils.BadRequestResponse(c, fmt.Sprintf("Unknown upload strategy %q", strategy), nil)
		return
	}
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if len(targets) == 0 {
		utils.BadRequestResponse(c, "Upload metadata resolved no destination containers", nil)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		utils.BadRequestResponse(c, "Invalid multipart form", err.Error())
		return
	}

	ignoreHashReplace := c.Query("ignore_hash_replace") == "true"
	var results []uploadedFileResult
	for _, headers := range form.File {
		for _, header := range headers {
			if err := utils.ValidateFileHeader(header); err != nil {
				utils.BadRequestResponse(c, "Invalid file", err.Error())
				return
			}
			result, err := uc.storeFile(c, header, targets, userID, ignoreHashReplace)
			if err != nil {
				utils.ServiceErrorResponse(c, err)
				return
			}
			results = append(results, *result)
		}
	}

	utils.SuccessResponse(c, "Upload processed successfully", gin.H{
		"hierarchy": targets,
		"files":     results,
	})
}

func (uc *UploadController) storeFile(c *gin.Context, header *multipart.FileHeader, targets []services.TargetContainer, userID string, ignoreHashReplace bool) (*uploadedFileResult, error) {
	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	ctx := c.Request.Context()
	blob, err := uc.blobs.Put(ctx, src)
	if err != nil {
		return nil, err
	}

	target, fileMeta := placeFile(header.Filename, targets)
	entry := fileEntryFromMeta(header.Filename, fileMeta)
	entry.Hash = blob.Hash
	entry.Size = blob.Size
	if entry.MimeType == "" {
		entry.MimeType = header.Header.Get("Content-Type")
	}
	if entry.Origin == nil {
		entry.Origin = &models.FileOrigin{Type: models.OriginUser, ID: userID}
	}

	targetID := idString(target.Container.ID)
	_, _, outcome, err := uc.versioning.Upsert(ctx, target.Level, targetID, entry, ignoreHashReplace)
	if err != nil {
		return nil, err
	}

	return &uploadedFileResult{
		Name:     header.Filename,
		Target:   target.Level,
		TargetID: targetID,
		Outcome:  string(outcome),
		Hash:     blob.Hash,
		Size:     blob.Size,
	}, nil
}

// placeFile picks the destination for a filename: the level whose metadata
// listed it, or the deepest resolved container.
func placeFile(name string, targets []services.TargetContainer) (services.TargetContainer, bson.M) {
	for _, t := range targets {
		if meta, ok := t.Files[name]; ok {
			return t, meta
		}
	}
	deepest := targets[0]
	for _, t := range targets {
		if levelDepth(t.Level) > levelDepth(deepest.Level) {
			deepest = t
		}
	}
	return deepest, nil
}

func levelDepth(level string) int {
	switch level {
	case models.LevelProject:
		return 1
	case models.LevelSubject:
		return 2
	case models.LevelSession:
		return 3
	case models.LevelAcquisition:
		return 4
	}
	return 0
}

func fileEntryFromMeta(name string, meta bson.M) models.FileEntry {
	entry := models.FileEntry{Name: name}
	if meta == nil {
		return entry
	}
	if v, ok := meta["type"].(string); ok {
		entry.Type = v
	}
	if v, ok := meta["mimetype"].(string); ok {
		entry.MimeType = v
	}
	if v, ok := meta["info"].(map[string]interface{}); ok {
		entry.Info = bson.M(v)
	}
	if tags, ok := meta["tags"].([]interface{}); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				entry.Tags = append(entry.Tags, s)
			}
		}
	}
	if v, ok := meta["from_failed_job"].(bool); ok {
		entry.FromFailedJob = v
	}
	return entry
}

// UpdateHierarchy merges metadata onto an identified container and cascades
// currently-absent fields up the chain.
func (uc *UploadController) UpdateHierarchy(c *gin.Context) {
	userID, root, err := principal(c)
	if err != nil {
		utils.UnauthorizedResponse(c, err.Error())
		return
	}

	existing, err := uc.containers.Get(c.Request.Context(), c.Param("level"), c.Param("id"), nil)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if !uc.permissions.Check(userID, root, existing, models.AccessReadWrite) {
		utils.ForbiddenResponse(c, "Insufficient permissions")
		return
	}

	var meta services.IngestMetadata
	if err := c.ShouldBindJSON(&meta); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}

	cont, err := uc.hierarchy.UpdateContainerHierarchy(c.Request.Context(), meta, c.Param("id"), c.Param("level"))
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Hierarchy metadata updated successfully", cont)
}
