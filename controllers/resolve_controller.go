package controllers

import (
	"labdrive/services"
	"labdrive/utils"

	"github.com/gin-gonic/gin"
)

type ResolveController struct {
	resolver *services.ResolverService
}

func NewResolveController(resolver *services.ResolverService) *ResolveController {
	return &ResolveController{resolver: resolver}
}

type resolveRequest struct {
	Path []string `json:"path"`
}

// Resolve walks the supplied path and returns the matched chain plus the
// terminal node's children. An empty path lists the groups.
func (rc *ResolveController) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}

	resolution, err := rc.resolver.Resolve(c.Request.Context(), req.Path)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Path resolved successfully", resolution)
}

// Lookup resolves the path and returns only its terminal element.
func (rc *ResolveController) Lookup(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}

	node, err := rc.resolver.Lookup(c.Request.Context(), req.Path)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Path resolved successfully", node)
}
