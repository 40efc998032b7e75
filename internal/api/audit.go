package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	a "relaychat/internal/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

type AuditHandlers struct {
	service *a.AuditService
}

func NewAuditHandlers(db *gorm.DB, serverID string) *AuditHandlers {
	return &AuditHandlers{
		service: a.NewAuditService(db, serverID),
	}
}

type AuditLogResponse struct {
	ID          uint   `json:"id" example:"1"`
	Action      string `json:"action" example:"LOGIN"`
	Username    string `json:"username" example:"a"`
	Room        string `json:"room" example:"lobby"`
	ServerID    string `json:"server_id" example:"server-1"`
	Description string `json:"description" example:"Logged in"`
	CreatedAt   string `json:"created_at" example:"2023-01-01T00:00:00Z"`
}

type AuditLogsResponse struct {
	Logs   []AuditLogResponse `json:"logs"`
	Total  int64              `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// GetAuditLogsHandler lists session audit entries
// @Summary Get audit logs
// @Description Get session audit entries, newest first, with optional filters
// @Tags Audit Logs
// @Produce json
// @Security CookieAuth
// @Param username query string false "Filter by username"
// @Param action query string false "Filter by action (LOGIN, LOGOUT, LEASE_LOST, JOIN_ROOM)"
// @Param limit query int false "Number of results (default: 50, max: 200)"
// @Param offset query int false "Number of results to skip"
// @Success 200 {object} AuditLogsResponse "Audit logs retrieved successfully"
// @Failure 401 {object} ErrorResponse "User not authenticated"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /api/audit [get]
func (h *AuditHandlers) GetAuditLogsHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultAuditLimit)))
	if err != nil || limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	var usernameFilter, actionFilter *string
	if username := c.Query("username"); username != "" {
		usernameFilter = &username
	}
	if action := c.Query("action"); action != "" {
		actionFilter = &action
	}

	logs, total, err := h.service.GetAuditLogs(usernameFilter, actionFilter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve audit logs"})
		return
	}

	auditLogs := make([]AuditLogResponse, 0, len(logs))
	for _, log := range logs {
		auditLogs = append(auditLogs, AuditLogResponse{
			ID:          log.ID,
			Action:      log.Action,
			Username:    log.Username,
			Room:        log.Room,
			ServerID:    log.ServerID,
			Description: log.Description,
			CreatedAt:   log.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, AuditLogsResponse{
		Logs:   auditLogs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
