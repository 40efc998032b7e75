package audit

import (
	"gorm.io/gorm"

	. "relaychat/pkg/chat"
)

// Action constants for audit logging
const (
	ActionLogin     = "LOGIN"
	ActionLogout    = "LOGOUT"
	ActionLeaseLost = "LEASE_LOST"
	ActionJoinRoom  = "JOIN_ROOM"
)

type AuditService struct {
	db       *gorm.DB
	serverID string
}

func NewAuditService(db *gorm.DB, serverID string) *AuditService {
	return &AuditService{db: db, serverID: serverID}
}

// LogLogin logs a successful authentication on this server
func (s *AuditService) LogLogin(username string) error {
	return s.create(ActionLogin, username, Lobby, "Logged in")
}

// LogLogout logs the close path of an authenticated connection
func (s *AuditService) LogLogout(username, room string) error {
	return s.create(ActionLogout, username, room, "Disconnected from '"+room+"'")
}

// LogLeaseLost logs a presence renewal that found the lease gone or taken
func (s *AuditService) LogLeaseLost(username string) error {
	return s.create(ActionLeaseLost, username, "", "Presence lease could not be renewed")
}

// LogRoomJoin logs a move between rooms
func (s *AuditService) LogRoomJoin(username, fromRoom, toRoom string) error {
	return s.create(ActionJoinRoom, username, toRoom, "Moved from '"+fromRoom+"' to '"+toRoom+"'")
}

func (s *AuditService) create(action, username, room, description string) error {
	auditLog := AuditLog{
		Action:      action,
		Username:    username,
		Room:        room,
		ServerID:    s.serverID,
		Description: description,
	}

	return s.db.Create(&auditLog).Error
}

// GetAuditLogs retrieves audit logs with pagination and filtering
func (s *AuditService) GetAuditLogs(username *string, action *string, limit, offset int) ([]AuditLog, int64, error) {
	query := s.db.Model(&AuditLog{})

	if username != nil {
		query = query.Where("username = ?", *username)
	}
	if action != nil {
		query = query.Where("action = ?", *action)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []AuditLog
	err := query.Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error

	return logs, total, err
}
