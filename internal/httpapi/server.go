package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gateway-hub/internal/access"
	"gateway-hub/internal/auth"
	"gateway-hub/internal/core"
	"gateway-hub/internal/dispatch"
	"gateway-hub/internal/liveness"
	"gateway-hub/internal/pairing"
	"gateway-hub/internal/realtime"
	"gateway-hub/internal/store"
)

// credentialHeader carries the gateway's opaque credential on
// gateway-originated HTTP calls.
const credentialHeader = "X-Gateway-Credential"

// Server is the thin HTTP surface; all logic lives in the core components.
type Server struct {
	repo       *store.Repo
	cache      *store.SnapshotCache
	pairing    *pairing.Orchestrator
	tracker    *liveness.Tracker
	dispatcher *dispatch.Dispatcher
	access     *access.Service
	hub        *realtime.Hub
}

func NewServer(repo *store.Repo, cache *store.SnapshotCache, p *pairing.Orchestrator, t *liveness.Tracker, d *dispatch.Dispatcher, a *access.Service, hub *realtime.Hub) *Server {
	return &Server{repo: repo, cache: cache, pairing: p, tracker: t, dispatcher: d, access: a, hub: hub}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()

	if s.hub != nil {
		r.Get("/ws/gatewayhub", s.hub.ServeHTTP)
	}

	r.Route("/api/gatewayhub", func(r chi.Router) {
		r.Post("/pairing/init", s.handleInitPairing)
		r.Post("/pairing/{gateway_id}/confirm", s.handleConfirmPairing)

		r.Route("/gateways/{gateway_id}", func(r chi.Router) {
			r.Delete("/", s.handleUnpair)
			r.Patch("/network", s.handleUpdateNetwork)
			r.Post("/liveness-check", s.handleLivenessCheck)
			r.Post("/commands", s.handleSendCommand)
			r.Post("/config", s.handleSendConfig)
			r.Post("/queue", s.handleEnqueue)
			r.Get("/cards", s.handleListCards)
			r.Get("/access-events", s.handleListAccessEvents)
		})

		r.Get("/homes/{home_id}/gateway", s.handleGetByHome)

		// Gateway-originated poll/ack path, authenticated by credential.
		r.Get("/gateway/commands", s.handleFetchPending)
		r.Post("/gateway/commands/{command_id}/ack", s.handleAckCommand)
		r.Post("/gateway/commands/{command_id}/fail", s.handleFailCommand)
	})

	mux.Handle("/", r)
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, core.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrMalformedPayload):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, jsonErr{Error: "internal error", Code: status})
		return
	}
	writeJSON(w, status, jsonErr{Error: err.Error(), Code: status})
}

func readBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "failed to read body", Code: http.StatusBadRequest})
		return false
	}
	defer r.Body.Close()
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "request body required", Code: http.StatusBadRequest})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "invalid json", Code: http.StatusBadRequest})
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "invalid " + key, Code: http.StatusBadRequest})
		return uuid.Nil, false
	}
	return id, true
}

// --- Pairing ---

type initPairingRequest struct {
	Serial   string          `json:"serial"`
	HomeID   uuid.UUID       `json:"home_id"`
	Name     string          `json:"name"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleInitPairing(w http.ResponseWriter, r *http.Request) {
	var req initPairingRequest
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Serial) == "" || req.HomeID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "serial and home_id are required", Code: http.StatusBadRequest})
		return
	}
	gw, err := s.pairing.InitiatePairing(r.Context(), req.Serial, req.HomeID, req.Name, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gw)
}

type confirmPairingRequest struct {
	HomeID uuid.UUID `json:"home_id"`
}

type confirmPairingResponse struct {
	GatewayID  string `json:"gateway_id"`
	Credential string `json:"credential"`
}

func (s *Server) handleConfirmPairing(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	var req confirmPairingRequest
	if !readBody(w, r, &req) {
		return
	}
	if req.HomeID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "home_id is required", Code: http.StatusBadRequest})
		return
	}
	credential, err := s.pairing.ConfirmPairing(r.Context(), auth.GetClaims(r), gatewayID, req.HomeID)
	if err != nil {
		writeError(w, err)
		return
	}
	// The credential appears in this response exactly once; it is not
	// recoverable afterwards.
	writeJSON(w, http.StatusOK, confirmPairingResponse{GatewayID: gatewayID.String(), Credential: credential})
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	if err := s.pairing.Unpair(r.Context(), auth.GetClaims(r), gatewayID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Gateway management ---

type updateNetworkRequest struct {
	NetworkAddress string `json:"network_address"`
}

func (s *Server) handleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	var req updateNetworkRequest
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NetworkAddress) == "" {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "network_address is required", Code: http.StatusBadRequest})
		return
	}
	if err := s.repo.UpdateNetworkAddress(r.Context(), gatewayID, req.NetworkAddress); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type gatewayView struct {
	*store.Gateway
	Online bool `json:"online"`
}

func (s *Server) handleGetByHome(w http.ResponseWriter, r *http.Request) {
	homeID, ok := pathUUID(w, r, "home_id")
	if !ok {
		return
	}
	gw, err := s.repo.GetGatewayByHome(r.Context(), homeID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Prefer the cached raw snapshot when present; the DB row may lag.
	if s.cache != nil {
		if cached, err := s.cache.Get(r.Context(), gw.ID.String()); err == nil && len(cached) > 0 {
			gw.Snapshot = cached
		}
	}
	writeJSON(w, http.StatusOK, gatewayView{Gateway: gw, Online: s.tracker.Online(gw)})
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	gw, err := s.repo.GetGateway(r.Context(), gatewayID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.tracker.Ping(r.Context(), gw); err != nil {
		if errors.Is(err, core.ErrUnavailable) {
			writeJSON(w, http.StatusOK, map[string]bool{"online": false})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": true})
}

// --- Command dispatch ---

type commandRequest struct {
	DeviceCode string          `json:"device_code"`
	Channel    int             `json:"channel"`
	Verb       string          `json:"verb"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	var req commandRequest
	if !readBody(w, r, &req) {
		return
	}
	gw, err := s.repo.GetGateway(r.Context(), gatewayID)
	if err != nil {
		writeError(w, err)
		return
	}
	traceID, err := s.dispatcher.SendImmediate(r.Context(), gw, dispatch.Command{
		DeviceCode: req.DeviceCode, Channel: req.Channel, Verb: req.Verb, Payload: req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "trace_id": traceID})
}

func (s *Server) handleSendConfig(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	var payload json.RawMessage
	if !readBody(w, r, &payload) {
		return
	}
	gw, err := s.repo.GetGateway(r.Context(), gatewayID)
	if err != nil {
		writeError(w, err)
		return
	}
	traceID, err := s.dispatcher.SendImmediate(r.Context(), gw, dispatch.Command{Verb: "config.set", Payload: payload})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "trace_id": traceID})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	var req commandRequest
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Verb) == "" {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "verb is required", Code: http.StatusBadRequest})
		return
	}
	gw, err := s.repo.GetGateway(r.Context(), gatewayID)
	if err != nil {
		writeError(w, err)
		return
	}
	commandID, err := s.dispatcher.Enqueue(r.Context(), gw, dispatch.Command{
		DeviceCode: req.DeviceCode, Channel: req.Channel, Verb: req.Verb, Payload: req.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"command_id": commandID.String()})
}

func (s *Server) handleFetchPending(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.dispatcher.FetchPending(r.Context(), r.Header.Get(credentialHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	if cmds == nil {
		cmds = []store.PendingCommand{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	commandID, ok := pathUUID(w, r, "command_id")
	if !ok {
		return
	}
	if err := s.dispatcher.Acknowledge(r.Context(), r.Header.Get(credentialHeader), commandID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

type failCommandRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFailCommand(w http.ResponseWriter, r *http.Request) {
	commandID, ok := pathUUID(w, r, "command_id")
	if !ok {
		return
	}
	var req failCommandRequest
	if !readBody(w, r, &req) {
		return
	}
	if err := s.dispatcher.Fail(r.Context(), r.Header.Get(credentialHeader), commandID, req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

// --- RFID sub-protocol ---

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	gw, err := s.repo.GetGateway(r.Context(), gatewayID)
	if err != nil {
		writeError(w, err)
		return
	}
	cards, err := s.access.ListCardRegistrations(r.Context(), gw)
	if err != nil {
		writeError(w, err)
		return
	}
	if cards == nil {
		cards = []access.Card{}
	}
	writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleListAccessEvents(w http.ResponseWriter, r *http.Request) {
	gatewayID, ok := pathUUID(w, r, "gateway_id")
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	events, err := s.access.ListEvents(r.Context(), gatewayID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []store.AccessEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
