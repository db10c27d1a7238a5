package ingest

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/metrics"
	"github.com/hashstack/foreman/pkg/security"
	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/types"
)

// CollectorKeyHeader carries the collector credential
const CollectorKeyHeader = "X-Collector-Key"

var (
	// ErrUnauthorized is returned for a missing, malformed, unknown,
	// or revoked collector key
	ErrUnauthorized = errors.New("invalid collector key")
)

// AuthenticateKey resolves a collector credential to its key row.
// Only the SHA-256 of the presented value is compared.
func AuthenticateKey(ctx context.Context, store storage.Store, header string) (*types.CollectorKey, error) {
	if !security.ValidCollectorKeyFormat(header) {
		return nil, ErrUnauthorized
	}
	key, err := store.GetCollectorKeyByHash(ctx, security.HashKey(header))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if key.RevokedAt != nil {
		return nil, ErrUnauthorized
	}
	return key, nil
}

// Config bounds one upload
type Config struct {
	// MaxPayloadSize caps the decompressed request body in bytes
	MaxPayloadSize int64

	// MaxRecords caps records per upload
	MaxRecords int
}

// Handler serves the collector upload endpoint
type Handler struct {
	store   storage.Store
	limiter Limiter
	cfg     Config
}

// NewHandler creates the upload handler
func NewHandler(store storage.Store, limiter Limiter, cfg Config) *Handler {
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = 10 << 20
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 5000
	}
	return &Handler{store: store, limiter: limiter, cfg: cfg}
}

// UploadResponse summarizes an accepted batch
type UploadResponse struct {
	Processed        int   `json:"processed"`
	Online           int   `json:"online"`
	Offline          int   `json:"offline"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// Upload handles POST /collector/upload
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := log.WithComponent("ingest")

	key, err := AuthenticateKey(ctx, h.store, r.Header.Get(CollectorKeyHeader))
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, types.ErrorKindUnauthorized, "missing or invalid collector key")
		} else {
			logger.Error().Err(err).Msg("collector key lookup failed")
			writeError(w, http.StatusInternalServerError, types.ErrorKindTransient, "key lookup failed")
		}
		metrics.UploadsTotal.WithLabelValues("unauthorized").Inc()
		return
	}
	rejectLog := h.rejectLogger(ctx, key, r, start)

	decision, err := h.limiter.Allow(ctx, key.ID, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("rate limiter unavailable")
		writeError(w, http.StatusInternalServerError, types.ErrorKindTransient, "rate limiter unavailable")
		return
	}
	setRateHeaders(w, decision)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
		metrics.RateLimitRejections.Inc()
		rejectLog("rate_limited", 0, 0)
		writeError(w, http.StatusTooManyRequests, types.ErrorKindRateLimited, "upload rate exceeded")
		return
	}

	body, compression, err := h.readBody(r)
	if err != nil {
		var tooLarge *payloadTooLargeError
		if errors.As(err, &tooLarge) {
			rejectLog("payload_too_large", 0, int64(tooLarge.limit))
			writeError(w, http.StatusRequestEntityTooLarge, types.ErrorKindPayloadTooLarge, "decompressed payload exceeds limit")
			return
		}
		rejectLog("validation_failed", 0, 0)
		writeError(w, http.StatusBadRequest, types.ErrorKindValidation, "unreadable request body")
		return
	}

	var records []*types.TelemetryRecord
	if err := json.Unmarshal(body, &records); err != nil {
		rejectLog("validation_failed", 0, int64(len(body)))
		writeError(w, http.StatusBadRequest, types.ErrorKindValidation, "body is not a JSON array of telemetry records")
		return
	}
	if len(records) > h.cfg.MaxRecords {
		rejectLog("payload_too_large", len(records), int64(len(body)))
		writeError(w, http.StatusRequestEntityTooLarge, types.ErrorKindPayloadTooLarge,
			fmt.Sprintf("batch of %d exceeds %d records", len(records), h.cfg.MaxRecords))
		return
	}
	if verr := ValidateBatch(records); verr != nil {
		rejectLog("validation_failed", len(records), int64(len(body)))
		writeError(w, http.StatusBadRequest, types.ErrorKindValidation, verr.Error())
		return
	}

	// Every miner in the batch must be registered to the key's site
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.MinerID
	}
	missing, err := h.store.MissingMiners(ctx, key.SiteID, ids)
	if err != nil {
		logger.Error().Err(err).Msg("miner registry lookup failed")
		writeError(w, http.StatusInternalServerError, types.ErrorKindTransient, "miner registry unavailable")
		return
	}
	if len(missing) > 0 {
		rejectLog("forbidden", len(records), int64(len(body)))
		writeError(w, http.StatusForbidden, types.ErrorKindForbidden,
			fmt.Sprintf("miners not registered to site: %s", strings.Join(missing, ", ")))
		return
	}

	now := time.Now().UTC()
	online := 0
	for _, rec := range records {
		rec.SiteID = key.SiteID
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		if rec.Online {
			online++
		}
	}

	// Live upsert and history append commit together
	if err := h.store.ApplyTelemetryBatch(ctx, key.SiteID, records, now); err != nil {
		logger.Error().Err(err).Int("records", len(records)).Msg("telemetry batch failed")
		writeError(w, http.StatusInternalServerError, types.ErrorKindTransient, "telemetry persistence failed")
		return
	}

	elapsed := time.Since(start)
	h.writeUploadLog(ctx, &types.UploadLog{
		ID:               uuid.New().String(),
		SiteID:           key.SiteID,
		KeyID:            key.ID,
		ReceivedAt:       start.UTC(),
		MinerCount:       len(records),
		OnlineCount:      online,
		OfflineCount:     len(records) - online,
		ProcessingTimeMs: elapsed.Milliseconds(),
		PayloadSizeBytes: int64(len(body)),
		Compression:      compression,
		ClientIP:         clientIP(r),
		Outcome:          types.UploadAccepted,
	})

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadMiners.Add(float64(len(records)))
	metrics.UploadDuration.Observe(elapsed.Seconds())

	writeJSON(w, http.StatusOK, UploadResponse{
		Processed:        len(records),
		Online:           online,
		Offline:          len(records) - online,
		ProcessingTimeMs: elapsed.Milliseconds(),
	})
}

type payloadTooLargeError struct {
	limit int64
}

func (e *payloadTooLargeError) Error() string {
	return fmt.Sprintf("payload exceeds %d bytes", e.limit)
}

// readBody returns the (decompressed) request body, enforcing the
// payload cap on the decompressed size
func (h *Handler) readBody(r *http.Request) ([]byte, string, error) {
	var reader io.Reader = r.Body
	compression := "none"
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, compression, err
		}
		defer gz.Close()
		reader = gz
		compression = "gzip"
	}

	body, err := io.ReadAll(io.LimitReader(reader, h.cfg.MaxPayloadSize+1))
	if err != nil {
		return nil, compression, err
	}
	if int64(len(body)) > h.cfg.MaxPayloadSize {
		return nil, compression, &payloadTooLargeError{limit: h.cfg.MaxPayloadSize}
	}
	return body, compression, nil
}

// compressionOf collapses the Content-Encoding header to the two
// values the upload log records; anything exotic logs as none
func compressionOf(r *http.Request) string {
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return "gzip"
	}
	return "none"
}

// rejectLogger returns a closure recording a rejected upload
func (h *Handler) rejectLogger(ctx context.Context, key *types.CollectorKey, r *http.Request, start time.Time) func(reason string, miners int, size int64) {
	return func(reason string, miners int, size int64) {
		h.writeUploadLog(ctx, &types.UploadLog{
			ID:               uuid.New().String(),
			SiteID:           key.SiteID,
			KeyID:            key.ID,
			ReceivedAt:       start.UTC(),
			MinerCount:       miners,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			PayloadSizeBytes: size,
			Compression:      compressionOf(r),
			ClientIP:         clientIP(r),
			Outcome:          types.UploadRejected,
			RejectReason:     reason,
		})
		metrics.UploadsTotal.WithLabelValues(reason).Inc()
	}
}

func (h *Handler) writeUploadLog(ctx context.Context, l *types.UploadLog) {
	if l.Compression == "" {
		l.Compression = "none"
	}
	if err := h.store.InsertUploadLog(ctx, l); err != nil {
		logger := log.WithComponent("ingest")
		logger.Warn().Err(err).Msg("upload log insert failed")
	}
}

func setRateHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind types.ErrorKind, detail string) {
	writeJSON(w, status, errorEnvelope{Success: false, Error: string(kind), Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
