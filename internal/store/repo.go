package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gateway-hub/internal/core"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger, TranslateError: true},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	for _, m := range []any{&Home{}, &Gateway{}, &LogicalDevice{}, &PendingCommand{}, &AccessEvent{}} {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	// Partial unique indexes back the invariants the repo checks in
	// transactions: the checks give friendly errors, the indexes hold under
	// concurrent committers at READ COMMITTED. Predicates keep NULL home ids
	// and soft-deleted devices out of the uniqueness scope.
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_gwh_gateways_home ON gwh_gateways (home_id) WHERE home_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_gwh_devices_code_live ON gwh_devices (code) WHERE deleted_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_gwh_devices_channel_live ON gwh_devices (gateway_id, channel) WHERE deleted_at IS NULL`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// isDuplicate recognizes unique-index violations across drivers; the sqlite
// test driver does not translate them to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}

// --- Homes ---

func (r *Repo) CreateHome(ctx context.Context, h *Home) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.Name = strings.TrimSpace(h.Name)
	if h.Name == "" {
		return fmt.Errorf("%w: home.name is required", core.ErrMalformedPayload)
	}
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *Repo) GetHome(ctx context.Context, id uuid.UUID) (*Home, error) {
	var row Home
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: home %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// --- Gateways ---

// CreateGateway inserts a gateway in PAIRING state. The in-transaction counts
// give friendly conflict errors; the serial unique index and the partial
// unique index on home_id are what actually hold when concurrent init
// attempts race at READ COMMITTED, so the insert itself can still surface a
// duplicate, mapped to the same conflict.
func (r *Repo) CreateGateway(ctx context.Context, gw *Gateway) error {
	gw.Serial = strings.TrimSpace(gw.Serial)
	if gw.Serial == "" {
		return fmt.Errorf("%w: serial is required", core.ErrMalformedPayload)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Gateway{}).Where("serial = ?", gw.Serial).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: serial %s already registered", core.ErrConflict, gw.Serial)
		}
		if gw.HomeID != nil {
			if err := tx.Model(&Gateway{}).Where("home_id = ?", *gw.HomeID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: home %s already has a gateway", core.ErrConflict, *gw.HomeID)
			}
		}
		if err := tx.Create(gw).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: gateway serial or home already registered", core.ErrConflict)
			}
			return err
		}
		return nil
	})
}

func (r *Repo) GetGateway(ctx context.Context, id uuid.UUID) (*Gateway, error) {
	var row Gateway
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: gateway %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) GetGatewayBySerial(ctx context.Context, serial string) (*Gateway, error) {
	var row Gateway
	err := r.db.WithContext(ctx).First(&row, "serial = ?", strings.TrimSpace(serial)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: serial %s", core.ErrNotFound, serial)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) GetGatewayByHome(ctx context.Context, homeID uuid.UUID) (*Gateway, error) {
	var row Gateway
	err := r.db.WithContext(ctx).First(&row, "home_id = ?", homeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no gateway for home %s", core.ErrNotFound, homeID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetGatewayByCredentialHash resolves a presented credential. Callers map a
// miss to Unauthenticated; the repo itself only knows NotFound.
func (r *Repo) GetGatewayByCredentialHash(ctx context.Context, hash string) (*Gateway, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: empty credential", core.ErrNotFound)
	}
	var row Gateway
	err := r.db.WithContext(ctx).First(&row, "credential_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: credential does not resolve", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ConfirmGateway performs the PAIRING -> ONLINE transition atomically. The
// state guard in the WHERE clause makes a second confirm fail InvalidState
// even under concurrent callers.
func (r *Repo) ConfirmGateway(ctx context.Context, id uuid.UUID, homeID uuid.UUID, credentialHash string, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Gateway{}).Where("home_id = ? AND id <> ?", homeID, id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: home %s already has a gateway", core.ErrConflict, homeID)
		}
		res := tx.Model(&Gateway{}).
			Where("id = ? AND state = ?", id, core.StatePairing).
			Updates(map[string]any{
				"credential_hash": credentialHash,
				"state":           core.StateOnline,
				"home_id":         homeID,
				"last_seen":       now,
			})
		if res.Error != nil {
			if isDuplicate(res.Error) {
				return fmt.Errorf("%w: home %s already has a gateway", core.ErrConflict, homeID)
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: gateway %s is not pairing", core.ErrInvalidState, id)
		}
		return nil
	})
}

// TouchGateway applies a heartbeat: last-seen always advances, and any state
// other than PAIRING is forced back to ONLINE. Extra fields (network address,
// firmware) are merged when present. Guarded Updates keep concurrent
// heartbeats commutative.
func (r *Repo) TouchGateway(ctx context.Context, id uuid.UUID, now time.Time, extra map[string]any) error {
	updates := map[string]any{"last_seen": now}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&Gateway{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: gateway %s", core.ErrNotFound, id)
	}
	// Heartbeat means alive: override a stale OFFLINE, never touch PAIRING.
	return r.db.WithContext(ctx).Model(&Gateway{}).
		Where("id = ? AND state NOT IN ?", id, []core.PairingState{core.StatePairing, core.StateOnline}).
		Update("state", core.StateOnline).Error
}

func (r *Repo) UpdateNetworkAddress(ctx context.Context, id uuid.UUID, addr string) error {
	res := r.db.WithContext(ctx).Model(&Gateway{}).Where("id = ?", id).Update("network_address", strings.TrimSpace(addr))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: gateway %s", core.ErrNotFound, id)
	}
	return nil
}

func (r *Repo) SaveGatewaySnapshot(ctx context.Context, id uuid.UUID, raw []byte) error {
	return r.db.WithContext(ctx).Model(&Gateway{}).Where("id = ?", id).
		Update("snapshot", datatypes.JSON(append([]byte(nil), raw...))).Error
}

// SweepStale flips gateways that stopped heartbeating from ONLINE to OFFLINE
// and returns the ones it flipped. The state+last_seen guard makes the sweep
// safe to race against fresh heartbeats.
func (r *Repo) SweepStale(ctx context.Context, cutoff time.Time) ([]Gateway, error) {
	var candidates []Gateway
	if err := r.db.WithContext(ctx).
		Where("state = ? AND last_seen < ?", core.StateOnline, cutoff).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	flipped := make([]Gateway, 0, len(candidates))
	for i := range candidates {
		gw := candidates[i]
		res := r.db.WithContext(ctx).Model(&Gateway{}).
			Where("id = ? AND state = ? AND last_seen < ?", gw.ID, core.StateOnline, cutoff).
			Update("state", core.StateOffline)
		if res.Error != nil {
			return flipped, res.Error
		}
		if res.RowsAffected > 0 {
			gw.State = core.StateOffline
			flipped = append(flipped, gw)
		}
	}
	return flipped, nil
}

// DeleteGateway runs the unpair cascade. Dependent rows go first so a partial
// failure can only leave orphaned leaf rows, never a live credential.
func (r *Repo) DeleteGateway(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("gateway_id = ?", id).Delete(&PendingCommand{}).Error; err != nil {
			return err
		}
		if err := tx.Where("gateway_id = ?", id).Delete(&AccessEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&LogicalDevice{}).Where("gateway_id = ?", id).Update("gateway_id", nil).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Where("id = ?", id).Delete(&Gateway{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: gateway %s", core.ErrNotFound, id)
		}
		return nil
	})
}

// --- Logical devices ---

// CreateDevice enforces the soft-delete-aware uniqueness rules: code unique
// among non-deleted rows, channel unique within a gateway among non-deleted
// rows. The counts give friendly errors; the partial unique indexes hold
// under concurrent creators.
func (r *Repo) CreateDevice(ctx context.Context, d *LogicalDevice) error {
	d.Code = strings.TrimSpace(d.Code)
	if d.Code == "" {
		return fmt.Errorf("%w: device.code is required", core.ErrMalformedPayload)
	}
	if d.Status == "" {
		d.Status = core.DeviceOffline
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&LogicalDevice{}).Where("code = ?", d.Code).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: device code %s in use", core.ErrConflict, d.Code)
		}
		if d.GatewayID != nil {
			if err := tx.Model(&LogicalDevice{}).
				Where("gateway_id = ? AND channel = ?", *d.GatewayID, d.Channel).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: channel %d in use on gateway", core.ErrConflict, d.Channel)
			}
		}
		if err := tx.Create(d).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: device code or channel already in use", core.ErrConflict)
			}
			return err
		}
		return nil
	})
}

func (r *Repo) GetDevice(ctx context.Context, id uuid.UUID) (*LogicalDevice, error) {
	var row LogicalDevice
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: device %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListDevicesByHome(ctx context.Context, homeID uuid.UUID) ([]LogicalDevice, error) {
	var rows []LogicalDevice
	if err := r.db.WithContext(ctx).Where("home_id = ?", homeID).Order("channel asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetDeviceByChannel(ctx context.Context, gatewayID uuid.UUID, channel int) (*LogicalDevice, error) {
	var row LogicalDevice
	err := r.db.WithContext(ctx).First(&row, "gateway_id = ? AND channel = ?", gatewayID, channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: channel %d", core.ErrNotFound, channel)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) GetDeviceByCode(ctx context.Context, homeID uuid.UUID, code string) (*LogicalDevice, error) {
	var row LogicalDevice
	err := r.db.WithContext(ctx).First(&row, "home_id = ? AND code = ?", homeID, strings.TrimSpace(code)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: device %s", core.ErrNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) SoftDeleteDevice(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&LogicalDevice{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: device %s", core.ErrNotFound, id)
	}
	return nil
}

// MergeDeviceState applies a read-modify-write merge of the state payload:
// present keys are overwritten, new keys added, everything else preserved.
// Runs in a transaction so concurrent merges against the same device do not
// lose fields.
func (r *Repo) MergeDeviceState(ctx context.Context, id uuid.UUID, status core.DeviceStatus, patch map[string]any) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row LogicalDevice
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: device %s", core.ErrNotFound, id)
			}
			return err
		}
		state := map[string]any{}
		if len(row.State) > 0 {
			if err := json.Unmarshal(row.State, &state); err != nil {
				state = map[string]any{}
			}
		}
		for k, v := range patch {
			state[k] = v
		}
		b, err := json.Marshal(state)
		if err != nil {
			return err
		}
		updates := map[string]any{"state": datatypes.JSON(b)}
		if status != "" {
			updates["status"] = status
		}
		return tx.Model(&LogicalDevice{}).Where("id = ?", id).Updates(updates).Error
	})
}

func (r *Repo) SetDeviceStatus(ctx context.Context, id uuid.UUID, status core.DeviceStatus) error {
	return r.db.WithContext(ctx).Model(&LogicalDevice{}).Where("id = ?", id).Update("status", status).Error
}

// --- Pending commands ---

func (r *Repo) EnqueueCommand(ctx context.Context, c *PendingCommand) error {
	if c.Verb == "" {
		return fmt.Errorf("%w: command verb is required", core.ErrMalformedPayload)
	}
	c.Status = core.CommandPending
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) ListPendingCommands(ctx context.Context, gatewayID uuid.UUID) ([]PendingCommand, error) {
	var rows []PendingCommand
	err := r.db.WithContext(ctx).
		Where("gateway_id = ? AND status = ?", gatewayID, core.CommandPending).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AckCommand transitions PENDING -> PROCESSED. Acking an already processed
// command is a no-op success; a command belonging to another gateway is
// NotFound so gateways cannot probe each other's queues.
func (r *Repo) AckCommand(ctx context.Context, gatewayID, commandID uuid.UUID, now time.Time) error {
	return r.resolveCommand(ctx, gatewayID, commandID, core.CommandProcessed, "", now)
}

func (r *Repo) FailCommand(ctx context.Context, gatewayID, commandID uuid.UUID, detail string, now time.Time) error {
	return r.resolveCommand(ctx, gatewayID, commandID, core.CommandFailed, detail, now)
}

func (r *Repo) resolveCommand(ctx context.Context, gatewayID, commandID uuid.UUID, to core.CommandStatus, detail string, now time.Time) error {
	var row PendingCommand
	err := r.db.WithContext(ctx).First(&row, "id = ? AND gateway_id = ?", commandID, gatewayID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: command %s", core.ErrNotFound, commandID)
	}
	if err != nil {
		return err
	}
	if row.Status == to {
		return nil // idempotent
	}
	updates := map[string]any{"status": to, "processed_at": now}
	if detail != "" {
		updates["error_detail"] = detail
	}
	res := r.db.WithContext(ctx).Model(&PendingCommand{}).
		Where("id = ? AND status = ?", commandID, core.CommandPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent resolution; terminal states never flip.
		return fmt.Errorf("%w: command %s already resolved", core.ErrInvalidState, commandID)
	}
	return nil
}

func (r *Repo) PurgeProcessedCommands(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", core.CommandProcessed, olderThan).
		Delete(&PendingCommand{})
	return res.RowsAffected, res.Error
}

// --- Access events ---

func (r *Repo) InsertAccessEvent(ctx context.Context, e *AccessEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repo) ListAccessEvents(ctx context.Context, gatewayID uuid.UUID, limit int) ([]AccessEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []AccessEvent
	err := r.db.WithContext(ctx).
		Where("gateway_id = ?", gatewayID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
