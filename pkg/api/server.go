package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hashstack/foreman/pkg/audit"
	"github.com/hashstack/foreman/pkg/command"
	"github.com/hashstack/foreman/pkg/dlq"
	"github.com/hashstack/foreman/pkg/ingest"
	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/types"
)

const (
	// longPollWindow bounds how long a pending-commands request waits
	// before returning an empty set
	longPollWindow = 25 * time.Second

	// longPollInterval is the re-check cadence inside the window
	longPollInterval = time.Second
)

// Options configures the HTTP server
type Options struct {
	ListenAddr string
	AdminToken string
	SessionTTL time.Duration

	// Long-poll tuning, shortened in tests
	PollWindow   time.Duration
	PollInterval time.Duration
}

// Server is the control-plane HTTP surface: collector ingest and
// command pickup on one side, operator command/DLQ/audit management on
// the other, plus health and metrics.
type Server struct {
	store    storage.Store
	commands *command.Service
	dlq      *dlq.Service
	upload   *ingest.Handler
	auditor  *audit.Recorder
	secrets  securityManager
	tokens   *SessionTokens

	adminToken   string
	pollWindow   time.Duration
	pollInterval time.Duration

	http *http.Server
}

// securityManager is the minimal secret surface the server needs
type securityManager interface {
	EncryptSecret(plaintext []byte) ([]byte, error)
}

// NewServer wires the HTTP surface
func NewServer(
	store storage.Store,
	commands *command.Service,
	dlqService *dlq.Service,
	upload *ingest.Handler,
	auditor *audit.Recorder,
	secrets securityManager,
	opts Options,
) *Server {
	if opts.PollWindow <= 0 {
		opts.PollWindow = longPollWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = longPollInterval
	}
	s := &Server{
		store:        store,
		commands:     commands,
		dlq:          dlqService,
		upload:       upload,
		auditor:      auditor,
		secrets:      secrets,
		tokens:       NewSessionTokens(opts.SessionTTL),
		adminToken:   opts.AdminToken,
		pollWindow:   opts.PollWindow,
		pollInterval: opts.PollInterval,
	}
	s.http = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Edge-facing surface, authenticated by collector key
	r.Route("/collector", func(r chi.Router) {
		r.Post("/upload", s.upload.Upload)
		r.Group(func(r chi.Router) {
			r.Use(s.requireCollectorKey)
			r.Get("/commands/pending", s.handlePendingCommands)
			r.Post("/commands/{id}/result", s.handleCommandResult)
		})
	})

	// Operator surface, authenticated by bearer session
	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Post("/auth/sessions", s.handleCreateSession)

		r.Post("/commands", s.handleCreateCommand)
		r.Get("/commands/{id}", s.handleGetCommand)
		r.Get("/commands/{id}/results", s.handleCommandResults)
		r.Post("/commands/{id}/approve", s.handleApproveCommand)
		r.Post("/commands/{id}/cancel", s.handleCancelCommand)

		r.Get("/dlq/stats", s.handleDLQStats)
		r.Get("/dlq/entries", s.handleDLQEntries)
		r.Post("/dlq/replay", s.handleDLQReplay)

		r.Get("/audit/verify", s.handleAuditVerify)

		r.Post("/admin/keys", s.handleCreateKey)
		r.Get("/admin/keys", s.handleListKeys)
		r.Delete("/admin/keys/{id}", s.handleRevokeKey)
		r.Post("/admin/devices", s.handleRegisterDevice)
		r.Delete("/admin/devices/{id}", s.handleRevokeDevice)
	})

	return r
}

// Start serves until Stop or a listener error
func (s *Server) Start() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// commandView is the JSON shape of a command
type commandView struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenant_id"`
	SiteID        string              `json:"site_id"`
	TargetScope   types.TargetScope   `json:"target_scope"`
	TargetIDs     []string            `json:"target_ids,omitempty"`
	CommandType   types.CommandType   `json:"command_type"`
	Payload       json.RawMessage     `json:"payload"`
	Status        types.CommandStatus `json:"status"`
	Priority      int                 `json:"priority"`
	DispatchNonce string              `json:"dispatch_nonce"`
	Signature     string              `json:"signature"`
	ExpiresAt     time.Time           `json:"expires_at"`
	CreatedAt     time.Time           `json:"created_at"`
}

func viewOf(c *types.Command) commandView {
	return commandView{
		ID:            c.ID,
		TenantID:      c.TenantID,
		SiteID:        c.SiteID,
		TargetScope:   c.TargetScope,
		TargetIDs:     c.TargetIDs,
		CommandType:   c.CommandType,
		Payload:       c.Payload,
		Status:        c.Status,
		Priority:      c.Priority,
		DispatchNonce: c.DispatchNonce,
		Signature:     c.Signature,
		ExpiresAt:     c.ExpiresAt,
		CreatedAt:     c.CreatedAt,
	}
}

type createCommandRequest struct {
	TenantID        string            `json:"tenant_id"`
	SiteID          string            `json:"site_id"`
	TargetScope     types.TargetScope `json:"target_scope"`
	TargetIDs       []string          `json:"target_ids"`
	CommandType     types.CommandType `json:"command_type"`
	Payload         json.RawMessage   `json:"payload"`
	Priority        int               `json:"priority"`
	RequireApproval bool              `json:"require_approval"`
	IdempotencyKey  string            `json:"idempotency_key"`
	TTLSeconds      int               `json:"ttl_seconds"`
}

// handleCreateCommand enqueues a signed command
func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		return
	}

	session := sessionFrom(r.Context())
	if req.TenantID == "" {
		req.TenantID = session.TenantID
	}

	c, err := s.commands.Create(r.Context(), command.CreateRequest{
		TenantID:        req.TenantID,
		SiteID:          req.SiteID,
		RequesterID:     session.ActorID,
		TargetScope:     req.TargetScope,
		TargetIDs:       req.TargetIDs,
		CommandType:     req.CommandType,
		Payload:         req.Payload,
		Priority:        req.Priority,
		RequireApproval: req.RequireApproval,
		IdempotencyKey:  req.IdempotencyKey,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, command.ErrNoDevice):
			respondError(w, http.StatusConflict, types.ErrorKindConflict, err.Error())
		case errors.Is(err, command.ErrUnknownType):
			respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		default:
			respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, viewOf(c))
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	c, err := s.commands.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, types.ErrorKindValidation, "unknown command")
			return
		}
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "command lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(c))
}

// resultView is the JSON shape of a per-target outcome
type resultView struct {
	MinerID       string             `json:"miner_id"`
	EdgeDeviceID  string             `json:"edge_device_id,omitempty"`
	ResultStatus  types.ResultStatus `json:"result_status"`
	ResultMessage string             `json:"result_message,omitempty"`
	Metrics       json.RawMessage    `json:"metrics,omitempty"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}

func (s *Server) handleCommandResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.commands.Get(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, types.ErrorKindValidation, "unknown command")
			return
		}
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "command lookup failed")
		return
	}
	results, err := s.commands.Results(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "result lookup failed")
		return
	}
	views := make([]resultView, 0, len(results))
	for _, res := range results {
		views = append(views, resultView{
			MinerID:       res.MinerID,
			EdgeDeviceID:  res.EdgeDeviceID,
			ResultStatus:  res.ResultStatus,
			ResultMessage: res.ResultMessage,
			Metrics:       res.Metrics,
			StartedAt:     res.StartedAt,
			FinishedAt:    res.FinishedAt,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleApproveCommand(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	c, err := s.commands.Approve(r.Context(), chi.URLParam(r, "id"), session.ActorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusConflict, types.ErrorKindConflict, "command is not awaiting approval")
			return
		}
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "approval failed")
		return
	}
	respondJSON(w, http.StatusOK, viewOf(c))
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	c, err := s.commands.Cancel(r.Context(), chi.URLParam(r, "id"), session.ActorID)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrNotCancellable):
			respondError(w, http.StatusConflict, types.ErrorKindConflict, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, types.ErrorKindValidation, "unknown command")
		default:
			respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "cancel failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, viewOf(c))
}

type pendingCommandsResponse struct {
	Commands []commandView `json:"commands"`
	Count    int           `json:"count"`
}

// handlePendingCommands long-polls queued commands for the caller's
// site, returning early as soon as any are claimable
func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	key := collectorKeyFrom(r.Context())
	deviceID := edgeDeviceFrom(r.Context())
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, "missing "+EdgeDeviceHeader+" header")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	deadline := time.Now().Add(s.pollWindow)
	for {
		commands, err := s.commands.Fetch(r.Context(), key.SiteID, deviceID, limit)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				respondError(w, http.StatusNotFound, types.ErrorKindValidation, "unknown device")
				return
			}
			respondError(w, http.StatusForbidden, types.ErrorKindForbidden, err.Error())
			return
		}
		if len(commands) > 0 || time.Now().After(deadline) {
			views := make([]commandView, 0, len(commands))
			for _, c := range commands {
				views = append(views, viewOf(c))
			}
			respondJSON(w, http.StatusOK, pendingCommandsResponse{Commands: views, Count: len(views)})
			return
		}

		select {
		case <-r.Context().Done():
			respondJSON(w, http.StatusOK, pendingCommandsResponse{Commands: []commandView{}})
			return
		case <-time.After(s.pollInterval):
		}
	}
}

type resultRequest struct {
	DispatchNonce string             `json:"dispatch_nonce"`
	MinerID       string             `json:"miner_id"`
	Status        types.ResultStatus `json:"status"`
	Message       string             `json:"message"`
	Metrics       json.RawMessage    `json:"metrics"`
	StartedAt     *time.Time         `json:"started_at"`
	FinishedAt    *time.Time         `json:"finished_at"`
}

// handleCommandResult records one per-target outcome reported by the
// edge and returns the reconciled command
func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		return
	}

	c, err := s.commands.ReportResult(r.Context(), command.ResultRequest{
		CommandID:     chi.URLParam(r, "id"),
		DispatchNonce: req.DispatchNonce,
		EdgeDeviceID:  edgeDeviceFrom(r.Context()),
		MinerID:       req.MinerID,
		Status:        req.Status,
		Message:       req.Message,
		Metrics:       req.Metrics,
		StartedAt:     req.StartedAt,
		FinishedAt:    req.FinishedAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, types.ErrorKindValidation, "unknown command")
		case errors.Is(err, command.ErrNonceMismatch),
			errors.Is(err, command.ErrNonceReplay),
			errors.Is(err, command.ErrSignatureInvalid):
			respondError(w, http.StatusConflict, types.ErrorKindConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "result processing failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, viewOf(c))
}

// dlqFilterFrom reads the shared DLQ filter query parameters
func dlqFilterFrom(r *http.Request) storage.DLQFilter {
	q := r.URL.Query()
	f := storage.DLQFilter{
		ConsumerName: q.Get("consumer"),
		EventKind:    q.Get("kind"),
		TenantID:     q.Get("tenant_id"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	f.Unreplayed = q.Get("unreplayed") == "true"
	return f
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dlq.Stats(r.Context(), dlqFilterFrom(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "dlq stats failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"total":       stats.Total,
		"unreplayed":  stats.Unreplayed,
		"by_consumer": stats.ByConsumer,
		"by_kind":     stats.ByKind,
	})
}

// dlqEntryView is the JSON shape of a parked entry
type dlqEntryView struct {
	ID            string          `json:"id"`
	ConsumerName  string          `json:"consumer_name"`
	EventID       string          `json:"event_id"`
	EventKind     string          `json:"event_kind"`
	TenantID      string          `json:"tenant_id"`
	ErrorKind     types.ErrorKind `json:"error_kind"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
	RetryCount    int             `json:"retry_count"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	Replayed      bool            `json:"replayed"`
}

func (s *Server) handleDLQEntries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.dlq.List(r.Context(), dlqFilterFrom(r), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "dlq list failed")
		return
	}
	views := make([]dlqEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, dlqEntryView{
			ID:            e.ID,
			ConsumerName:  e.ConsumerName,
			EventID:       e.EventID,
			EventKind:     e.EventKind,
			TenantID:      e.TenantID,
			ErrorKind:     e.ErrorKind,
			ErrorDetail:   e.ErrorDetail,
			RetryCount:    e.RetryCount,
			FirstFailedAt: e.FirstFailedAt,
			LastFailedAt:  e.LastFailedAt,
			Replayed:      e.Replayed,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

type replayRequest struct {
	Consumer string `json:"consumer"`
	Kind     string `json:"kind"`
	TenantID string `json:"tenant_id"`
	Limit    int    `json:"limit"`
	DryRun   bool   `json:"dry_run"`
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		return
	}

	report, err := s.dlq.Replay(r.Context(), storage.DLQFilter{
		ConsumerName: req.Consumer,
		EventKind:    req.Kind,
		TenantID:     req.TenantID,
	}, req.Limit, req.DryRun)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "replay failed")
		return
	}
	if !req.DryRun {
		s.recordAudit(r, audit.Entry{
			TenantID:   req.TenantID,
			EventType:  "dlq.replayed",
			TargetType: "dlq",
			Payload:    map[string]any{"consumer": req.Consumer, "kind": req.Kind, "replayed": report.Replayed},
		})
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, "tenant_id is required")
		return
	}
	result, err := s.auditor.Verify(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "verification failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}
