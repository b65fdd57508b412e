// Package reservations manages property reservations split into co-owner
// slots and the invitation batches that fill them.
package reservations

import "time"

// Status is a reservation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInviting  Status = "inviting"
	StatusCancelled Status = "cancelled"
)

// SlotStatus is a co-owner slot's state.
type SlotStatus string

const (
	SlotOpen    SlotStatus = "open"
	SlotInvited SlotStatus = "invited"
)

// InvitationStatus is an invitation's state.
type InvitationStatus string

const (
	InvitationSent InvitationStatus = "sent"
)

// Reservation holds a property for a group of co-owners. ActiveKey carries the
// property id while the reservation is open and is cleared on cancel, so the
// unique index allows one open reservation per property.
type Reservation struct {
	ReservationID string    `gorm:"column:reservation_id;primaryKey;size:64;not null"`
	PropertyID    string    `gorm:"column:property_id;size:190;not null;index"`
	InitiatorID   string    `gorm:"column:initiator_id;size:190;not null"`
	Status        Status    `gorm:"column:status;size:32;not null"`
	ActiveKey     *string   `gorm:"column:active_key;size:190;uniqueIndex"`
	Slots         []Slot    `gorm:"foreignKey:ReservationID;references:ReservationID"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing reservations.
func (Reservation) TableName() string {
	return "reservations"
}

// Slot is one co-owner share within a reservation.
type Slot struct {
	SlotID        string     `gorm:"column:slot_id;primaryKey;size:64;not null"`
	ReservationID string     `gorm:"column:reservation_id;size:64;not null;uniqueIndex:idx_slot_position,priority:1"`
	SlotIndex     int        `gorm:"column:slot_index;not null;uniqueIndex:idx_slot_position,priority:2"`
	ShareBasis    int        `gorm:"column:share_basis_points;not null"`
	Status        SlotStatus `gorm:"column:status;size:32;not null"`
	Email         string     `gorm:"column:email;size:320;not null;default:''"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing reservation slots.
func (Slot) TableName() string {
	return "reservation_slots"
}

// SharePercent returns the slot's share as a percentage.
func (s Slot) SharePercent() float64 {
	return float64(s.ShareBasis) / 100
}

// Invitation asks an email address to take up one slot.
type Invitation struct {
	InvitationID  string           `gorm:"column:invitation_id;primaryKey;size:64;not null"`
	ReservationID string           `gorm:"column:reservation_id;size:64;not null;index"`
	SlotIndex     int              `gorm:"column:slot_index;not null"`
	Email         string           `gorm:"column:email;size:320;not null"`
	TokenHash     string           `gorm:"column:token_hash;size:64;not null;uniqueIndex"`
	Status        InvitationStatus `gorm:"column:status;size:32;not null"`
	ExpiresAt     time.Time        `gorm:"column:expires_at;not null"`
	CreatedAt     time.Time        `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing invitations.
func (Invitation) TableName() string {
	return "reservation_invitations"
}
