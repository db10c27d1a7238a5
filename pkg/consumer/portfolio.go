package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashstack/foreman/pkg/storage"
	"github.com/hashstack/foreman/pkg/types"
)

// PortfolioConsumer is the built-in consumer maintaining the
// per-tenant miner count read model from the miner event stream
const PortfolioConsumer = "portfolio"

type minerEventPayload struct {
	MinerID string `json:"miner_id"`
	SiteID  string `json:"site_id"`
}

// RegisterPortfolioHandlers binds the miner.added and miner.removed
// handlers onto the runtime. Both are idempotent through the inbox, so
// a redelivered event never double-counts.
func RegisterPortfolioHandlers(rt *Runtime, store storage.Store) {
	rt.Register("miner.added", func(ctx context.Context, tx *sql.Tx, env types.Envelope) error {
		p, err := decodeMinerPayload(env)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if p.SiteID != "" {
			minerID := p.MinerID
			if minerID == "" {
				minerID = env.EntityID
			}
			if err := store.RegisterMiner(ctx, tx, p.SiteID, minerID, env.TenantID, now); err != nil {
				return Transient(err)
			}
		}
		if err := store.AdjustDerivedMinerCount(ctx, tx, env.TenantID, 1, now); err != nil {
			return Transient(err)
		}
		return nil
	})

	rt.Register("miner.removed", func(ctx context.Context, tx *sql.Tx, env types.Envelope) error {
		if _, err := decodeMinerPayload(env); err != nil {
			return err
		}
		if err := store.AdjustDerivedMinerCount(ctx, tx, env.TenantID, -1, time.Now().UTC()); err != nil {
			return Transient(err)
		}
		return nil
	})
}

func decodeMinerPayload(env types.Envelope) (*minerEventPayload, error) {
	if env.TenantID == "" {
		return nil, Poison(fmt.Errorf("event %s has no tenant", env.EventID))
	}
	var p minerEventPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, Poison(fmt.Errorf("miner event payload: %w", err))
		}
	}
	return &p, nil
}
