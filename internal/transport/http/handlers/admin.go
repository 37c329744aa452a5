package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/transport/http/middleware"
	"github.com/arklim/extension-license-service/internal/usecase"
)

// LicenseAdministrator performs operator actions on licenses.
type LicenseAdministrator interface {
	ListDevices(ctx context.Context, licenseKey string) (*domain.License, []domain.DeviceBinding, error)
	ResetDevices(ctx context.Context, licenseKey, actor string) (*usecase.ResetResult, error)
	DeactivateDevice(ctx context.Context, licenseKey, fingerprint, actor string) error
	ChangeStatus(ctx context.Context, licenseKey string, next domain.LicenseStatus, reason, actor string) (*domain.License, error)
}

// AdminHandler exposes license administration endpoints.
type AdminHandler struct {
	admin LicenseAdministrator
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(admin LicenseAdministrator) *AdminHandler {
	return &AdminHandler{admin: admin}
}

// RegisterRoutes binds admin routes. The group is expected to be guarded by middleware.RequireAdmin.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	if r == nil {
		return
	}

	licenses := r.Group("/licenses/:license_key")
	licenses.GET("/devices", h.ListDevices)
	licenses.POST("/devices/reset", h.ResetDevices)
	licenses.DELETE("/devices/:fingerprint", h.DeactivateDevice)
	licenses.PATCH("/status", h.ChangeStatus)
}

// ListDevices returns the license and every device binding, active or not.
func (h *AdminHandler) ListDevices(c *gin.Context) {
	license, devices, err := h.admin.ListDevices(c.Request.Context(), c.Param("license_key"))
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, CodeServerError, "failed to list devices")
		return
	}

	payload := make([]DevicePayload, 0, len(devices))
	active := 0
	for _, device := range devices {
		if device.IsActive {
			active++
		}
		payload = append(payload, newDevicePayload(device))
	}

	c.JSON(http.StatusOK, DeviceListResponse{
		Success:     true,
		License:     newLicenseSummary(*license),
		Devices:     payload,
		ActiveCount: active,
	})
}

// ResetDevices removes all bindings and sessions so the customer can activate afresh.
func (h *AdminHandler) ResetDevices(c *gin.Context) {
	result, err := h.admin.ResetDevices(c.Request.Context(), c.Param("license_key"), actor(c))
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, CodeServerError, "failed to reset devices")
		return
	}

	c.JSON(http.StatusOK, DeviceResetResponse{
		Success:         true,
		DevicesRemoved:  result.DevicesRemoved,
		SessionsRemoved: result.SessionsRemoved,
	})
}

// DeactivateDevice disables one binding and drops its sessions.
func (h *AdminHandler) DeactivateDevice(c *gin.Context) {
	err := h.admin.DeactivateDevice(c.Request.Context(), c.Param("license_key"), strings.TrimSpace(c.Param("fingerprint")), actor(c))
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, CodeServerError, "failed to deactivate device")
		return
	}

	c.Status(http.StatusNoContent)
}

// ChangeStatus applies a validated license status transition.
func (h *AdminHandler) ChangeStatus(c *gin.Context) {
	var req StatusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, CodeInvalidRequest, "status is required"))
		return
	}

	next, ok := domain.ParseLicenseStatus(req.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, CodeInvalidRequest, "unknown license status"))
		return
	}

	license, err := h.admin.ChangeStatus(c.Request.Context(), c.Param("license_key"), next, strings.TrimSpace(req.Reason), actor(c))
	if err != nil {
		RespondWithMappedError(c, err, adminErrorCases, http.StatusInternalServerError, CodeServerError, "failed to change license status")
		return
	}

	c.JSON(http.StatusOK, StatusChangeResponse{Success: true, License: newLicenseSummary(*license)})
}

func actor(c *gin.Context) string {
	if subject, ok := middleware.GetAdminSubject(c); ok {
		return subject
	}
	return "admin"
}
