package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hashstack/foreman/pkg/audit"
	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/security"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/types"
)

type createSessionRequest struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
	Role     string `json:"role"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	ActorID   string    `json:"actor_id"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreateSession mints an operator session token
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		return
	}
	if req.TenantID == "" || req.ActorID == "" {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, "tenant_id and actor_id are required")
		return
	}
	if req.Role == "" {
		req.Role = "operator"
	}

	session, err := s.tokens.Generate(req.TenantID, req.ActorID, req.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "token generation failed")
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{
		Token:     session.Token,
		TenantID:  session.TenantID,
		ActorID:   session.ActorID,
		Role:      session.Role,
		ExpiresAt: session.ExpiresAt,
	})
}

type createKeyRequest struct {
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id"`
}

type createKeyResponse struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id"`
	// Key is the full credential, shown once; only its hash is stored
	Key string `json:"key"`
}

// handleCreateKey provisions a collector key for a site
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		return
	}
	if req.TenantID == "" || req.SiteID == "" {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, "tenant_id and site_id are required")
		return
	}

	key, err := security.GenerateCollectorKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "key generation failed")
		return
	}
	row := &types.CollectorKey{
		ID:        uuid.New().String(),
		SiteID:    req.SiteID,
		KeyHash:   security.HashKey(key),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertCollectorKey(r.Context(), row); err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "key persistence failed")
		return
	}

	s.recordAudit(r, audit.Entry{
		TenantID:   req.TenantID,
		EventType:  "key.created",
		TargetType: "collector_key",
		TargetID:   row.ID,
		Payload:    map[string]any{"site_id": req.SiteID},
	})
	respondJSON(w, http.StatusCreated, createKeyResponse{ID: row.ID, SiteID: row.SiteID, Key: key})
}

// handleListKeys lists collector keys for a site
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, "site_id is required")
		return
	}
	keys, err := s.store.ListCollectorKeys(r.Context(), siteID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "key lookup failed")
		return
	}
	type keyView struct {
		ID        string     `json:"id"`
		SiteID    string     `json:"site_id"`
		CreatedAt time.Time  `json:"created_at"`
		RevokedAt *time.Time `json:"revoked_at,omitempty"`
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView{ID: k.ID, SiteID: k.SiteID, CreatedAt: k.CreatedAt, RevokedAt: k.RevokedAt})
	}
	respondJSON(w, http.StatusOK, views)
}

// handleRevokeKey revokes a collector key
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.RevokeCollectorKey(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, types.ErrorKindValidation, "unknown key")
			return
		}
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "key revocation failed")
		return
	}
	s.recordAudit(r, audit.Entry{
		TenantID:   r.URL.Query().Get("tenant_id"),
		EventType:  "key.revoked",
		TargetType: "collector_key",
		TargetID:   id,
	})
	w.WriteHeader(http.StatusNoContent)
}

type registerDeviceRequest struct {
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id"`
	Name     string `json:"name"`
}

type registerDeviceResponse struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id"`
	// Secret is the base64 shared HMAC secret, shown once
	Secret string `json:"secret"`
}

// handleRegisterDevice registers an edge device and returns its shared
// signing secret once
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, err.Error())
		return
	}
	if req.TenantID == "" || req.SiteID == "" {
		respondError(w, http.StatusBadRequest, types.ErrorKindValidation, "tenant_id and site_id are required")
		return
	}

	secret, err := security.GenerateDeviceSecret()
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "secret generation failed")
		return
	}
	encrypted, err := s.secrets.EncryptSecret(secret)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "secret encryption failed")
		return
	}

	device := &types.Device{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		SiteID:          req.SiteID,
		Name:            req.Name,
		EncryptedSecret: encrypted,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.InsertDevice(r.Context(), device); err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "device persistence failed")
		return
	}

	s.recordAudit(r, audit.Entry{
		TenantID:   req.TenantID,
		EventType:  "device.registered",
		TargetType: "device",
		TargetID:   device.ID,
		Payload:    map[string]any{"site_id": req.SiteID, "name": req.Name},
	})
	respondJSON(w, http.StatusCreated, registerDeviceResponse{
		ID:     device.ID,
		SiteID: device.SiteID,
		Secret: base64.StdEncoding.EncodeToString(secret),
	})
}

// handleRevokeDevice revokes an edge device
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, types.ErrorKindValidation, "unknown device")
			return
		}
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "device lookup failed")
		return
	}
	if err := s.store.RevokeDevice(r.Context(), id, time.Now().UTC()); err != nil {
		respondError(w, http.StatusInternalServerError, types.ErrorKindTransient, "device revocation failed")
		return
	}
	s.recordAudit(r, audit.Entry{
		TenantID:   device.TenantID,
		EventType:  "device.revoked",
		TargetType: "device",
		TargetID:   id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// recordAudit appends an audit event in its own best-effort transaction
func (s *Server) recordAudit(r *http.Request, e audit.Entry) {
	if s.auditor == nil || e.TenantID == "" {
		return
	}
	if session := sessionFrom(r.Context()); session != nil && e.ActorID == "" {
		e.ActorID = session.ActorID
	}
	logger := log.WithComponent("api")
	tx, err := s.store.BeginTx(r.Context())
	if err != nil {
		logger.Warn().Err(err).Msg("audit append skipped")
		return
	}
	if _, err := s.auditor.Append(r.Context(), tx, e); err != nil {
		_ = tx.Rollback()
		logger.Warn().Err(err).Str("event_type", e.EventType).Msg("audit append failed")
		return
	}
	if err := tx.Commit(); err != nil {
		logger.Warn().Err(err).Msg("audit commit failed")
	}
}
