// Package sessions manages OTP-gated signing sessions. A session scopes one
// investor to one template of one property and is never deleted.
package sessions

import (
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/templates"
)

// Status is the session lifecycle state. Transitions only move forward:
// pending -> verified -> signed, or into expired.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusSigned   Status = "signed"
	StatusExpired  Status = "expired"
)

// DefaultTTL is the absolute lifetime of a session from creation.
const DefaultTTL = 30 * time.Minute

// Session is one investor's attempt to sign one document type for one property.
// Only the SHA-256 of the token is stored.
type Session struct {
	SessionID    string                 `gorm:"column:session_id;primaryKey;size:64;not null"`
	TokenHash    string                 `gorm:"column:token_hash;size:64;not null;uniqueIndex"`
	InvestorID   string                 `gorm:"column:investor_id;size:190;not null;index"`
	PropertyID   string                 `gorm:"column:property_id;size:190;not null;index"`
	TemplateID   string                 `gorm:"column:template_id;size:64;not null"`
	TemplateType templates.TemplateType `gorm:"column:template_type;size:64;not null"`
	OTPVerified  bool                   `gorm:"column:otp_verified;not null;default:false"`
	Status       Status                 `gorm:"column:status;size:16;not null"`
	ClientIP     string                 `gorm:"column:client_ip;size:64;not null;default:''"`
	UserAgent    string                 `gorm:"column:user_agent;size:512;not null;default:''"`
	ExpiresAt    time.Time              `gorm:"column:expires_at;not null"`
	CreatedAt    time.Time              `gorm:"column:created_at;not null"`
	VerifiedAt   *time.Time             `gorm:"column:verified_at"`
	SignedAt     *time.Time             `gorm:"column:signed_at"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "signing_sessions"
}

// Usable reports whether the session may accept a signature at now.
func (s Session) Usable(now time.Time) bool {
	return s.Status == StatusVerified && now.Before(s.ExpiresAt)
}

// Expired reports whether the absolute expiry has passed at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HashToken returns the stored form of a session token.
func HashToken(token string) string {
	return cryptoutil.SHA256Hex([]byte(token))
}
