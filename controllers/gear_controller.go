package controllers

import (
	"labdrive/models"
	"labdrive/services"
	"labdrive/utils"

	"github.com/gin-gonic/gin"
)

type GearController struct {
	gears *services.GearService
}

func NewGearController(gears *services.GearService) *GearController {
	return &GearController{gears: gears}
}

// ListGears returns the latest version of every registered gear.
func (gc *GearController) ListGears(c *gin.Context) {
	gears, err := gc.gears.ListGears(c.Request.Context())
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Gears retrieved successfully", gears)
}

// GetGear fetches one gear by document id.
func (gc *GearController) GetGear(c *gin.Context) {
	gear, err := gc.gears.GetGear(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, "Gear retrieved successfully", gear)
}

// GetGearVersions lists every version registered under a gear name, newest
// first.
func (gc *GearController) GetGearVersions(c *gin.Context) {
	gears, err := gc.gears.GetAllGearVersions(c.Request.Context(), c.Param("name"))
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	if len(gears) == 0 {
		utils.NotFoundResponse(c, "No gear versions found")
		return
	}
	utils.SuccessResponse(c, "Gear versions retrieved successfully", gears)
}

// RegisterGear registers a new gear version; root only (enforced in
// routing).
func (gc *GearController) RegisterGear(c *gin.Context) {
	var gear models.Gear
	if err := c.ShouldBindJSON(&gear); err != nil {
		utils.BadRequestResponse(c, "Invalid request data", err.Error())
		return
	}
	if gear.Gear.Name == "" || gear.Gear.Version == "" {
		utils.BadRequestResponse(c, "A gear requires a manifest name and version", nil)
		return
	}

	if err := gc.gears.RegisterGear(c.Request.Context(), &gear); err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	utils.CreatedResponse(c, "Gear registered successfully", gear)
}
