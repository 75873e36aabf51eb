package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"donation-sync/internal/middleware"
	"donation-sync/internal/models"
	"donation-sync/internal/repositories"
	"donation-sync/internal/telemetry"
)

var donationStatuses = map[string]bool{
	models.StatusAvailable: true,
	"reserved":             true,
	"given":                true,
	"withdrawn":            true,
}

// LiveDonations is the read side of the live donation set.
type LiveDonations interface {
	Live() []models.LiveDonation
	Loading() bool
}

// DonationHandler serves the donation feed and donor actions.
type DonationHandler struct {
	live      LiveDonations
	donations repositories.DonationRepository
	audit     *telemetry.AuditEmitter
}

// NewDonationHandler builds a DonationHandler.
func NewDonationHandler(live LiveDonations, donations repositories.DonationRepository, audit *telemetry.AuditEmitter) *DonationHandler {
	return &DonationHandler{live: live, donations: donations, audit: audit}
}

// ListLive returns the live set, newest first, with freshness flags.
func (h *DonationHandler) ListLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"donations": h.live.Live(), "loading": h.live.Loading()})
}

// CreateDonation publishes a donation for the caller. It joins the live set
// through its insert event.
func (h *DonationHandler) CreateDonation(c *gin.Context) {
	var req struct {
		Title       string   `json:"title" binding:"required"`
		Description string   `json:"description"`
		Category    string   `json:"category"`
		Lat         *float64 `json:"lat"`
		Lng         *float64 `json:"lng"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Lat == nil) != (req.Lng == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng must be sent together"})
		return
	}

	userID := middleware.UserID(c)
	donation, err := h.donations.CreateDonation(c.Request.Context(), repositories.NewDonation{
		DonorID:     userID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Lat:         req.Lat,
		Lng:         req.Lng,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create donation"})
		return
	}

	h.audit.Emit(c.Request.Context(), "info", fmt.Sprintf("donation %s published", donation.ID), &userID, &donation.ID)
	c.JSON(http.StatusCreated, gin.H{"donation": donation})
}

// UpdateStatus lets the donor reserve, hand over or withdraw a donation.
func (h *DonationHandler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !donationStatuses[req.Status] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	donationID := c.Param("donation_id")
	donation, err := h.donations.GetDonation(c.Request.Context(), donationID)
	if errors.Is(err, repositories.ErrDonationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "donation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load donation"})
		return
	}

	userID := middleware.UserID(c)
	if donation.DonorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the donor can change the status"})
		return
	}

	if err := h.donations.UpdateStatus(c.Request.Context(), donationID, req.Status); err != nil {
		if errors.Is(err, repositories.ErrDonationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "donation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update status"})
		return
	}

	h.audit.Emit(c.Request.Context(), "info", fmt.Sprintf("donation %s set to %s", donationID, req.Status), &userID, &donationID)
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}
