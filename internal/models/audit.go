package models

import "time"

// AuditAction enumerates recorded security events.
type AuditAction string

const (
	AuditActionLogin           AuditAction = "LOGIN"
	AuditActionTokenRotated    AuditAction = "TOKEN_ROTATED"
	AuditActionTokenReuse      AuditAction = "TOKEN_REUSE_DETECTED"
	AuditActionLogout          AuditAction = "LOGOUT"
	AuditActionPasswordChange  AuditAction = "PASSWORD_CHANGE"
	AuditActionUserCreated     AuditAction = "USER_CREATED"
	AuditActionUserDeactivated AuditAction = "USER_DEACTIVATED"
)

// AuditLog is an append-only record of a security-relevant event.
type AuditLog struct {
	ID         string      `db:"id" json:"id"`
	UserID     *string     `db:"user_id" json:"user_id,omitempty"`
	Action     AuditAction `db:"action" json:"action"`
	Resource   string      `db:"resource" json:"resource"`
	ResourceID *string     `db:"resource_id" json:"resource_id,omitempty"`
	Details    []byte      `db:"details" json:"details,omitempty"`
	IPAddress  string      `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent  string      `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}
