package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"gateway-hub/internal/core"
)

// Home is the slice of the business record store this service needs:
// ownership for permission checks and the one-gateway-per-home invariant.
type Home struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	OwnerID   uuid.UUID `json:"owner_id" gorm:"type:uuid;index;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Home) TableName() string { return "gwh_homes" }

// Gateway is the aggregate root. CredentialHash holds the SHA-256 of the
// issued credential; the plaintext is returned once at confirm-pairing and
// never stored. Snapshot caches the last raw sensor payload verbatim.
type Gateway struct {
	ID             uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	Serial         string            `json:"serial" gorm:"uniqueIndex;not null"`
	Name           string            `json:"name"`
	CredentialHash string            `json:"-" gorm:"index"`
	State          core.PairingState `json:"state" gorm:"index;not null"`
	HomeID         *uuid.UUID        `json:"home_id" gorm:"type:uuid;index"`
	NetworkAddress string            `json:"network_address"`
	Firmware       string            `json:"firmware"`
	LastSeen       time.Time         `json:"last_seen"`
	Snapshot       datatypes.JSON    `json:"snapshot" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (Gateway) TableName() string { return "gwh_gateways" }

func (g *Gateway) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

// LogicalDevice is a controllable or observable endpoint bound to a gateway
// channel (physical pin). Code is unique among non-deleted rows only, so a
// code becomes reusable after soft delete.
type LogicalDevice struct {
	ID        uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	Code      string            `json:"code" gorm:"index;not null"`
	HomeID    uuid.UUID         `json:"home_id" gorm:"type:uuid;index;not null"`
	GatewayID *uuid.UUID        `json:"gateway_id" gorm:"type:uuid;index"`
	RoomID    *uuid.UUID        `json:"room_id" gorm:"type:uuid"`
	Channel   int               `json:"channel" gorm:"index;not null"`
	Type      string            `json:"type" gorm:"not null"`
	Status    core.DeviceStatus `json:"status"`
	State     datatypes.JSON    `json:"state" gorm:"type:jsonb"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	DeletedAt gorm.DeletedAt    `json:"-" gorm:"index"`
}

func (LogicalDevice) TableName() string { return "gwh_devices" }

func (d *LogicalDevice) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// PendingCommand is a queued instruction delivered via the poll/ack path.
// Status only moves PENDING -> PROCESSED or PENDING -> FAILED.
type PendingCommand struct {
	ID          uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	GatewayID   uuid.UUID          `json:"gateway_id" gorm:"type:uuid;index;not null"`
	DeviceCode  string             `json:"device_code"`
	Channel     int                `json:"channel"`
	Verb        string             `json:"verb" gorm:"not null"`
	Payload     datatypes.JSON     `json:"payload" gorm:"type:jsonb"`
	Status      core.CommandStatus `json:"status" gorm:"index;not null"`
	ErrorDetail string             `json:"error_detail"`
	CreatedAt   time.Time          `json:"created_at"`
	ProcessedAt *time.Time         `json:"processed_at"`
}

func (PendingCommand) TableName() string { return "gwh_pending_commands" }

func (c *PendingCommand) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// AccessEvent is an append-only audit record for the RFID sub-protocol.
// Rows are never updated; unpairing deletes them wholesale.
type AccessEvent struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	GatewayID uuid.UUID  `json:"gateway_id" gorm:"type:uuid;index;not null"`
	HomeID    uuid.UUID  `json:"home_id" gorm:"type:uuid;index;not null"`
	TagID     string     `json:"tag_id" gorm:"index;not null"`
	Granted   bool       `json:"granted"`
	Status    string     `json:"status"`
	DeviceTS  *time.Time `json:"device_ts"`
	CreatedAt time.Time  `json:"created_at"`
}

func (AccessEvent) TableName() string { return "gwh_access_events" }

func (e *AccessEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
