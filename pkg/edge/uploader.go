package edge

import (
	"context"
	"math/rand"
	"time"

	"github.com/hashstack/foreman/pkg/client"
	"github.com/hashstack/foreman/pkg/log"
	"github.com/hashstack/foreman/pkg/types"
)

const (
	uploadAttempts    = 3
	uploadBackoffBase = time.Second
)

// Uploader delivers swept telemetry to the control plane. Transient
// failures are retried with backoff honoring Retry-After; a rejected
// batch is split in half recursively so one poison record cannot sink
// the rest of the site's data.
type Uploader struct {
	client      *client.Client
	state       *State
	backoffBase time.Duration
}

// NewUploader creates an uploader. state may be nil.
func NewUploader(c *client.Client, state *State) *Uploader {
	return &Uploader{client: c, state: state, backoffBase: uploadBackoffBase}
}

// UploadReport summarizes one delivery
type UploadReport struct {
	Uploaded int
	Dropped  int
}

// Upload delivers a batch, isolating rejected records
func (u *Uploader) Upload(ctx context.Context, records []*types.TelemetryRecord) *UploadReport {
	report := &UploadReport{}
	u.deliver(ctx, records, report)
	if report.Uploaded > 0 && u.state != nil {
		if err := u.state.SetLastUpload(time.Now()); err != nil {
			logger := log.WithComponent("edge-uploader")
			logger.Warn().Err(err).Msg("state update failed")
		}
	}
	return report
}

func (u *Uploader) deliver(ctx context.Context, records []*types.TelemetryRecord, report *UploadReport) {
	if len(records) == 0 {
		return
	}
	logger := log.WithComponent("edge-uploader")

	for attempt := 0; attempt < uploadAttempts; attempt++ {
		result, err := u.client.Upload(ctx, records)
		if err == nil {
			report.Uploaded += result.Processed
			return
		}

		apiErr, ok := client.AsAPIError(err)
		if !ok || apiErr.Retryable() {
			delay := u.backoff(attempt + 1)
			if ok && apiErr.RetryAfter > 0 {
				delay = apiErr.RetryAfter
			}
			logger.Warn().Err(err).Int("records", len(records)).Dur("retry_after", delay).Msg("upload deferred")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		switch {
		case apiErr.Rejected():
			if len(records) == 1 {
				report.Dropped++
				logger.Error().
					Str("miner_id", records[0].MinerID).
					Str("detail", apiErr.Detail).
					Msg("record dropped after rejection")
				return
			}
			// Bisect to find the offending records
			mid := len(records) / 2
			u.deliver(ctx, records[:mid], report)
			u.deliver(ctx, records[mid:], report)
			return

		default:
			// Auth or other permanent failure; retrying won't help
			logger.Error().Err(err).Msg("upload refused")
			report.Dropped += len(records)
			return
		}
	}

	logger.Error().Int("records", len(records)).Msg("upload abandoned after retries")
	report.Dropped += len(records)
}

func (u *Uploader) backoff(attempt int) time.Duration {
	backoff := u.backoffBase << (attempt - 1)
	return backoff + time.Duration(rand.Int63n(int64(backoff)/5+1)) - backoff/10
}
