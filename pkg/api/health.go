package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hashstack/foreman/pkg/consumer"
	"github.com/hashstack/foreman/pkg/storage"
)

// Health thresholds. A warn keeps the endpoint at 200 so orchestrators
// don't restart a working process; critical returns 503.
const (
	dbRTTWarn   = 100 * time.Millisecond
	dbRTTCrit   = 500 * time.Millisecond
	backlogWarn = 1000
	oldestWarn  = 5 * time.Minute
	dlqWarn     = 10
	lagWarn     = 1000
	lagCrit     = 10000
	p95SLO      = 3 * time.Second
	p95Sample   = 100
)

// HealthStatus is one component's condition
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarn     HealthStatus = "warn"
	HealthCritical HealthStatus = "critical"
)

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthOK: 0, HealthWarn: 1, HealthCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ComponentHealth is one entry of the health report
type ComponentHealth struct {
	Status HealthStatus   `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// HealthReport is the full response of GET /health
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

func percentile95(d []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(d))
	copy(sorted, d)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// handleHealth reports pipeline health: database round trip, outbox
// backlog and age, consumer lag, dead-letter depth, sampled
// write-to-visible latency, and derived-state freshness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	report := &HealthReport{
		Status:     HealthOK,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  now,
	}

	// Database round trip
	db := ComponentHealth{Status: HealthOK, Values: map[string]any{}}
	rtt, err := s.store.PingRTT(ctx)
	switch {
	case err != nil:
		db.Status = HealthCritical
		db.Detail = fmt.Sprintf("ping failed: %v", err)
	case rtt >= dbRTTCrit:
		db.Status = HealthCritical
		db.Detail = "round trip above critical threshold"
	case rtt >= dbRTTWarn:
		db.Status = HealthWarn
		db.Detail = "round trip above warning threshold"
	}
	if err == nil {
		db.Values["rtt_ms"] = rtt.Milliseconds()
	}
	report.Components["database"] = db
	report.Status = worse(report.Status, db.Status)

	// Outbox backlog
	ob := ComponentHealth{Status: HealthOK, Values: map[string]any{}}
	count, oldest, err := s.store.OutboxBacklog(ctx)
	if err != nil {
		ob.Status = HealthCritical
		ob.Detail = fmt.Sprintf("backlog query failed: %v", err)
	} else {
		ob.Values["backlog"] = count
		if count > backlogWarn {
			ob.Status = HealthWarn
			ob.Detail = "publish backlog above threshold"
		}
		if oldest != nil {
			age := now.Sub(*oldest)
			ob.Values["oldest_age_seconds"] = int64(age.Seconds())
			if age > oldestWarn {
				ob.Status = worse(ob.Status, HealthWarn)
				ob.Detail = "oldest unpublished event is stale"
			}
		}
	}
	report.Components["outbox"] = ob
	report.Status = worse(report.Status, ob.Status)

	// Dead letters
	dl := ComponentHealth{Status: HealthOK, Values: map[string]any{}}
	stats, err := s.store.StatsDLQ(ctx, storage.DLQFilter{Unreplayed: true})
	if err != nil {
		dl.Status = HealthCritical
		dl.Detail = fmt.Sprintf("dlq query failed: %v", err)
	} else {
		dl.Values["unreplayed"] = stats.Unreplayed
		if len(stats.ByConsumer) > 0 {
			dl.Values["by_consumer"] = stats.ByConsumer
		}
		if len(stats.ByKind) > 0 {
			dl.Values["by_kind"] = stats.ByKind
		}
		if stats.Unreplayed > dlqWarn {
			dl.Status = HealthWarn
			dl.Detail = "unreplayed dead letters above threshold"
		}
	}
	report.Components["dlq"] = dl
	report.Status = worse(report.Status, dl.Status)

	// Consumer lag: published events not yet committed to the inbox
	lag := ComponentHealth{Status: HealthOK, Values: map[string]any{}}
	behind, err := s.store.ConsumerLag(ctx, consumer.PortfolioConsumer, "miner.")
	switch {
	case err != nil:
		lag.Status = HealthCritical
		lag.Detail = fmt.Sprintf("lag query failed: %v", err)
	case behind > lagCrit:
		lag.Status = HealthCritical
		lag.Detail = "consumer lag above critical threshold"
	case behind > lagWarn:
		lag.Status = HealthWarn
		lag.Detail = "consumer lag above warning threshold"
	}
	if err == nil {
		lag.Values["events_behind"] = behind
	}
	report.Components["consumer_lag"] = lag
	report.Status = worse(report.Status, lag.Status)

	// Write-to-visible latency, sampled from recent consumed events
	lt := ComponentHealth{Status: HealthOK, Values: map[string]any{}}
	samples, err := s.store.ProcessingLatencies(ctx, consumer.PortfolioConsumer, p95Sample)
	switch {
	case err != nil:
		lt.Status = HealthCritical
		lt.Detail = fmt.Sprintf("latency query failed: %v", err)
	case len(samples) == 0:
		lt.Detail = "no consumed events sampled"
	default:
		p95 := percentile95(samples)
		lt.Values["p95_ms"] = p95.Milliseconds()
		lt.Values["sample_size"] = len(samples)
		if p95 > p95SLO {
			lt.Status = HealthWarn
			lt.Detail = "write-to-visible p95 above SLO"
		}
	}
	report.Components["write_to_visible"] = lt
	report.Status = worse(report.Status, lt.Status)

	// Derived-state freshness
	fr := ComponentHealth{Status: HealthOK, Values: map[string]any{}}
	updated, err := s.store.LatestDerivedUpdate(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fr.Detail = "no derived state yet"
	case err != nil:
		fr.Status = HealthCritical
		fr.Detail = fmt.Sprintf("freshness query failed: %v", err)
	default:
		fr.Values["age_seconds"] = int64(now.Sub(updated).Seconds())
	}
	report.Components["freshness"] = fr
	report.Status = worse(report.Status, fr.Status)

	status := http.StatusOK
	if report.Status == HealthCritical {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}
