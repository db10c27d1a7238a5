package edge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashstack/foreman/pkg/types"
)

// Normalize flattens one poll's raw API sections into the telemetry
// shape the control plane accepts. Field names vary per firmware, so
// every lookup tries the known spellings and tolerates absence.
func Normalize(minerID string, snap *RawSnapshot, at time.Time) *types.TelemetryRecord {
	rec := &types.TelemetryRecord{
		MinerID:   minerID,
		Online:    true,
		Timestamp: at.UTC(),
	}

	if summary := firstRow(snap.Summary, "SUMMARY"); summary != nil {
		if ghs, ok := lookupFloat(summary, "GHS 5s", "GHS av"); ok {
			rec.HashrateGHS = &ghs
		} else if mhs, ok := lookupFloat(summary, "MHS 5s", "MHS av"); ok {
			ghs := mhs / 1000
			rec.HashrateGHS = &ghs
		}
		if v, ok := lookupInt(summary, "Accepted"); ok {
			rec.AcceptedShares = &v
		}
		if v, ok := lookupInt(summary, "Rejected"); ok {
			rec.RejectedShares = &v
		}
		if v, ok := lookupInt(summary, "Hardware Errors"); ok {
			rec.HardwareErrors = &v
		}
		if v, ok := lookupInt(summary, "Elapsed"); ok {
			rec.UptimeSeconds = &v
		}
	}

	if stats := statsRow(snap.Stats); stats != nil {
		applyStats(rec, stats)
	}

	if pool := alivePool(snap.Pools); pool != nil {
		rec.PoolURL, _ = lookupString(pool, "URL")
		rec.WorkerName, _ = lookupString(pool, "User")
	}

	if version := firstRow(snap.Version, "VERSION"); version != nil {
		rec.Model, _ = lookupString(version, "Type", "Miner")
		rec.FirmwareVersion, _ = lookupString(version, "CompileTime", "Version", "CGMiner")
	}

	rec.OverallHealth = healthOf(rec)
	return rec
}

// Offline builds the record reported for a miner that could not be
// polled
func Offline(minerID string, pollErr error, at time.Time) *types.TelemetryRecord {
	rec := &types.TelemetryRecord{
		MinerID:       minerID,
		Online:        false,
		OverallHealth: types.HealthOffline,
		Timestamp:     at.UTC(),
	}
	if pollErr != nil {
		msg := pollErr.Error()
		if len(msg) > 1024 {
			msg = msg[:1024]
		}
		rec.ErrorMessage = msg
	}
	return rec
}

// applyStats extracts temperatures, fans, frequency, and per-board
// data from the stats section. Antminer-style firmwares number these
// fields (temp1, fan2, chain_rate3); the scan walks the numbered
// variants until they run out.
func applyStats(rec *types.TelemetryRecord, stats map[string]any) {
	var temps []float64
	for i := 1; i <= 16; i++ {
		if v, ok := lookupFloat(stats, fmt.Sprintf("temp%d", i)); ok && v > 0 {
			temps = append(temps, v)
		}
	}
	if len(temps) > 0 {
		min, max, sum := temps[0], temps[0], 0.0
		for _, v := range temps {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			sum += v
		}
		avg := sum / float64(len(temps))
		rec.TemperatureAvg = &avg
		rec.TemperatureMin = &min
		rec.TemperatureMax = &max
	}

	for i := 1; i <= 8; i++ {
		if v, ok := lookupFloat(stats, fmt.Sprintf("fan%d", i)); ok && v > 0 {
			rec.FanSpeeds = append(rec.FanSpeeds, int(v))
		}
	}

	if v, ok := lookupFloat(stats, "frequency", "Frequency"); ok {
		rec.FrequencyAvg = &v
	}

	for i := 1; i <= 10; i++ {
		rate, haveRate := lookupFloat(stats, fmt.Sprintf("chain_rate%d", i))
		chipTemp, haveTemp := lookupFloat(stats, fmt.Sprintf("temp2_%d", i))
		pcbTemp, _ := lookupFloat(stats, fmt.Sprintf("temp%d", i))
		chips, _ := lookupFloat(stats, fmt.Sprintf("chain_acn%d", i))
		if !haveRate && !haveTemp {
			continue
		}
		board := types.BoardStats{
			Index:           i - 1,
			HashrateGHS:     rate,
			TemperaturePCB:  pcbTemp,
			TemperatureChip: chipTemp,
			ChipCount:       int(chips),
			Healthy:         !haveRate || rate > 0,
		}
		rec.Boards = append(rec.Boards, board)
	}
	rec.BoardsTotal = len(rec.Boards)
	for _, b := range rec.Boards {
		if b.Healthy {
			rec.BoardsHealthy++
		}
	}
}

// healthOf derives the coarse health state from what the sample shows
func healthOf(rec *types.TelemetryRecord) types.HealthState {
	if !rec.Online {
		return types.HealthOffline
	}
	if rec.HashrateGHS == nil {
		return types.HealthUnknown
	}
	if *rec.HashrateGHS <= 0 {
		return types.HealthCritical
	}
	if rec.BoardsTotal > 0 && rec.BoardsHealthy < rec.BoardsTotal {
		return types.HealthDegraded
	}
	if rec.TemperatureMax != nil && *rec.TemperatureMax >= 90 {
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

// firstRow decodes the first element of a section array
func firstRow(section map[string]json.RawMessage, key string) map[string]any {
	rows := decodeRows(section, key)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// statsRow finds the stats element carrying measurements; Antminer
// firmwares prepend a version element without them
func statsRow(section map[string]json.RawMessage) map[string]any {
	for _, row := range decodeRows(section, "STATS") {
		for key := range row {
			if strings.HasPrefix(key, "temp") || strings.HasPrefix(key, "fan") || strings.HasPrefix(key, "chain_") {
				return row
			}
		}
	}
	return nil
}

// alivePool returns the first alive pool, falling back to the first
// listed
func alivePool(section map[string]json.RawMessage) map[string]any {
	rows := decodeRows(section, "POOLS")
	for _, row := range rows {
		if status, ok := lookupString(row, "Status"); ok && status == "Alive" {
			return row
		}
	}
	if len(rows) > 0 {
		return rows[0]
	}
	return nil
}

func decodeRows(section map[string]json.RawMessage, key string) []map[string]any {
	if section == nil {
		return nil
	}
	raw, ok := section[key]
	if !ok {
		return nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	return rows
}

func lookupFloat(row map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := row[key].(type) {
		case float64:
			return v, true
		case string:
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(v), "%f", &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func lookupInt(row map[string]any, keys ...string) (int64, bool) {
	if v, ok := lookupFloat(row, keys...); ok {
		return int64(v), true
	}
	return 0, false
}

func lookupString(row map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := row[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
