package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gateway-hub/internal/auth"
	"gateway-hub/internal/core"
	"gateway-hub/internal/mqtt"
	"gateway-hub/internal/realtime"
	"gateway-hub/internal/store"
	"gateway-hub/internal/topic"
)

// Authz is the yes/no permission check consumed from the RBAC layer.
type Authz interface {
	CanManageHome(ctx context.Context, claims *auth.Claims, homeID uuid.UUID) error
}

// EpisodeSink drops per-gateway working state held outside the database.
// Without this, a re-paired gateway would inherit the alert-suppression
// window of its previous life.
type EpisodeSink interface {
	Forget(gatewayID uuid.UUID)
}

// Orchestrator drives the gateway pairing state machine:
// Unpaired -> Pairing (init) -> Online (confirm, credential minted) and the
// terminal unpair cascade. Pairing is two-phase because the serial is known
// to the device before a human has chosen its home.
type Orchestrator struct {
	repo     *store.Repo
	cache    *store.SnapshotCache
	mq       mqtt.ClientAPI
	authz    Authz
	hub      *realtime.Hub
	episodes EpisodeSink
}

func New(repo *store.Repo, cache *store.SnapshotCache, mq mqtt.ClientAPI, authz Authz, hub *realtime.Hub, episodes EpisodeSink) *Orchestrator {
	return &Orchestrator{repo: repo, cache: cache, mq: mq, authz: authz, hub: hub, episodes: episodes}
}

// InitiatePairing registers a gateway in PAIRING state bound to the chosen
// home. No credential exists yet; a crashed flow is cleaned up by unpairing.
func (o *Orchestrator) InitiatePairing(ctx context.Context, serial string, homeID uuid.UUID, name string, meta json.RawMessage) (*store.Gateway, error) {
	if _, err := o.repo.GetHome(ctx, homeID); err != nil {
		return nil, err
	}
	gw := &store.Gateway{
		Serial: serial,
		Name:   name,
		State:  core.StatePairing,
		HomeID: &homeID,
	}
	if len(meta) > 0 {
		gw.Snapshot = datatypes.JSON(append([]byte(nil), meta...))
	}
	if err := o.repo.CreateGateway(ctx, gw); err != nil {
		return nil, err
	}
	slog.Info("pairing initiated", "gateway_id", gw.ID, "serial", gw.Serial, "home_id", homeID)
	o.emit("gateway.state", gw.ID.String(), string(core.StatePairing))
	return gw, nil
}

// ConfirmPairing mints the permanent credential and flips the gateway to
// ONLINE. The plaintext credential is returned exactly once here and is
// unrecoverable afterwards: only its SHA-256 is stored. Losing it means
// unpair and re-pair.
func (o *Orchestrator) ConfirmPairing(ctx context.Context, claims *auth.Claims, gatewayID, homeID uuid.UUID) (string, error) {
	if err := o.authz.CanManageHome(ctx, claims, homeID); err != nil {
		return "", err
	}
	gw, err := o.repo.GetGateway(ctx, gatewayID)
	if err != nil {
		return "", err
	}
	credential, hash := mintCredential(gw.Serial)
	if err := o.repo.ConfirmGateway(ctx, gatewayID, homeID, hash, time.Now().UTC()); err != nil {
		return "", err
	}

	// Deliver the credential over the serial-keyed pairing channel as well,
	// so the device itself receives it without polling the HTTP surface.
	b, _ := json.Marshal(map[string]string{"serial": gw.Serial, "credential": credential})
	if err := o.mq.Publish(topic.Pairing(gw.Serial), b); err != nil {
		slog.Warn("pairing credential publish failed", "serial", gw.Serial, "error", err)
	}

	slog.Info("pairing confirmed", "gateway_id", gatewayID, "serial", gw.Serial, "home_id", homeID)
	o.emit("gateway.state", gatewayID.String(), string(core.StateOnline))
	return credential, nil
}

// Unpair hard-deletes the gateway and everything derived from it. The cascade
// is ordered leaf-first inside the repo so a partial failure never leaves a
// dangling credential.
func (o *Orchestrator) Unpair(ctx context.Context, claims *auth.Claims, gatewayID uuid.UUID) error {
	gw, err := o.repo.GetGateway(ctx, gatewayID)
	if err != nil {
		return err
	}
	if gw.HomeID == nil {
		if claims == nil || claims.Role != auth.RoleAdmin {
			return fmt.Errorf("%w: only admins may unpair an unassigned gateway", core.ErrForbidden)
		}
	} else if err := o.authz.CanManageHome(ctx, claims, *gw.HomeID); err != nil {
		return err
	}
	if err := o.repo.DeleteGateway(ctx, gatewayID); err != nil {
		return err
	}
	if o.cache != nil {
		if err := o.cache.Delete(ctx, gatewayID.String()); err != nil {
			slog.Debug("snapshot cache delete failed", "gateway_id", gatewayID, "error", err)
		}
	}
	if o.episodes != nil {
		o.episodes.Forget(gatewayID)
	}
	slog.Info("gateway unpaired", "gateway_id", gatewayID, "serial", gw.Serial)
	o.emit("gateway.state", gatewayID.String(), "UNPAIRED")
	return nil
}

func (o *Orchestrator) emit(typ, id, status string) {
	if o.hub == nil {
		return
	}
	o.hub.Broadcast(realtime.Event{Type: typ, ID: id, Status: status})
}

// mintCredential derives a high-entropy one-shot secret keyed by the hardware
// serial. Returns the plaintext and the SHA-256 hex that gets persisted.
func mintCredential(serial string) (credential, hash string) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure is not recoverable
	}
	credential = serial + "." + hex.EncodeToString(buf)
	return credential, HashCredential(credential)
}

// HashCredential is the storage form of a credential.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
