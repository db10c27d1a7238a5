package ingest

import (
	"fmt"

	"github.com/hashstack/foreman/pkg/types"
)

// Field caps for one telemetry record. Arrays and strings beyond
// these bounds reject the whole batch.
const (
	maxMinerIDLen      = 128
	maxStringLen       = 255
	maxPoolURLLen      = 2048
	maxErrorMessageLen = 1024
	maxChipTemps       = 100
	maxFanSpeeds       = 20
	maxBoards          = 10

	maxHashrateGHS  = 10_000_000_000 // 10 EH/s in GH/s
	minTemperature  = -100
	maxTemperature  = 300
	maxFanRPM       = 100_000
	maxFrequencyMHz = 100_000
	maxPowerWatts   = 1_000_000
	maxPoolLatency  = 3_600_000 // 1h in ms
)

// ValidationError pinpoints the first offending field of a batch
type ValidationError struct {
	FieldPath string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Reason)
}

func invalid(path, reason string) *ValidationError {
	return &ValidationError{FieldPath: path, Reason: reason}
}

var validHealth = map[types.HealthState]struct{}{
	types.HealthHealthy:  {},
	types.HealthDegraded: {},
	types.HealthCritical: {},
	types.HealthOffline:  {},
	types.HealthUnknown:  {},
	"":                   {},
}

// ValidateBatch checks every record of an upload against the
// telemetry schema. Validation fails closed: the first violation
// rejects the whole batch with its field path, and a duplicate
// miner_id anywhere in the batch is a violation.
func ValidateBatch(records []*types.TelemetryRecord) *ValidationError {
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		path := fmt.Sprintf("[%d]", i)
		if rec == nil {
			return invalid(path, "record is null")
		}
		if err := validateRecord(path, rec); err != nil {
			return err
		}
		if _, dup := seen[rec.MinerID]; dup {
			return invalid(path+".miner_id", "duplicate miner_id in batch")
		}
		seen[rec.MinerID] = struct{}{}
	}
	return nil
}

func validateRecord(path string, rec *types.TelemetryRecord) *ValidationError {
	if rec.MinerID == "" {
		return invalid(path+".miner_id", "required")
	}
	if len(rec.MinerID) > maxMinerIDLen {
		return invalid(path+".miner_id", "exceeds maximum length")
	}

	if err := checkRange(path+".hashrate_ghs", rec.HashrateGHS, 0, maxHashrateGHS); err != nil {
		return err
	}
	for _, f := range []struct {
		name  string
		value *float64
	}{
		{"temperature_avg", rec.TemperatureAvg},
		{"temperature_min", rec.TemperatureMin},
		{"temperature_max", rec.TemperatureMax},
	} {
		if err := checkRange(path+"."+f.name, f.value, minTemperature, maxTemperature); err != nil {
			return err
		}
	}

	if len(rec.TemperatureChips) > maxChipTemps {
		return invalid(path+".temperature_chips", "exceeds maximum cardinality")
	}
	for j, temp := range rec.TemperatureChips {
		if temp < minTemperature || temp > maxTemperature {
			return invalid(fmt.Sprintf("%s.temperature_chips[%d]", path, j), "out of range")
		}
	}

	if len(rec.FanSpeeds) > maxFanSpeeds {
		return invalid(path+".fan_speeds", "exceeds maximum cardinality")
	}
	for j, rpm := range rec.FanSpeeds {
		if rpm < 0 || rpm > maxFanRPM {
			return invalid(fmt.Sprintf("%s.fan_speeds[%d]", path, j), "out of range")
		}
	}

	if err := checkRange(path+".frequency_avg", rec.FrequencyAvg, 0, maxFrequencyMHz); err != nil {
		return err
	}
	for _, f := range []struct {
		name  string
		value *int64
	}{
		{"accepted_shares", rec.AcceptedShares},
		{"rejected_shares", rec.RejectedShares},
		{"hardware_errors", rec.HardwareErrors},
		{"uptime_seconds", rec.UptimeSeconds},
	} {
		if f.value != nil && *f.value < 0 {
			return invalid(path+"."+f.name, "must not be negative")
		}
	}
	if err := checkRange(path+".power_consumption", rec.PowerConsumption, 0, maxPowerWatts); err != nil {
		return err
	}
	if rec.PoolLatencyMs != nil && (*rec.PoolLatencyMs < 0 || *rec.PoolLatencyMs > maxPoolLatency) {
		return invalid(path+".pool_latency_ms", "out of range")
	}

	if len(rec.PoolURL) > maxPoolURLLen {
		return invalid(path+".pool_url", "exceeds maximum length")
	}
	for _, f := range []struct {
		name  string
		value string
	}{
		{"worker_name", rec.WorkerName},
		{"model", rec.Model},
		{"firmware_version", rec.FirmwareVersion},
	} {
		if len(f.value) > maxStringLen {
			return invalid(path+"."+f.name, "exceeds maximum length")
		}
	}
	if len(rec.ErrorMessage) > maxErrorMessageLen {
		return invalid(path+".error_message", "exceeds maximum length")
	}

	if len(rec.Boards) > maxBoards {
		return invalid(path+".boards", "exceeds maximum cardinality")
	}
	for j, board := range rec.Boards {
		bpath := fmt.Sprintf("%s.boards[%d]", path, j)
		if board.Index < 0 {
			return invalid(bpath+".index", "must not be negative")
		}
		if board.HashrateGHS < 0 || board.HashrateGHS > maxHashrateGHS {
			return invalid(bpath+".hashrate_ghs", "out of range")
		}
		if board.TemperaturePCB < minTemperature || board.TemperaturePCB > maxTemperature {
			return invalid(bpath+".temperature_pcb", "out of range")
		}
		if board.TemperatureChip < minTemperature || board.TemperatureChip > maxTemperature {
			return invalid(bpath+".temperature_chip", "out of range")
		}
		if board.ChipCount < 0 {
			return invalid(bpath+".chip_count", "must not be negative")
		}
	}
	if rec.BoardsTotal < 0 || rec.BoardsHealthy < 0 {
		return invalid(path+".boards_total", "must not be negative")
	}

	if _, ok := validHealth[rec.OverallHealth]; !ok {
		return invalid(path+".overall_health", "unknown health state")
	}
	return nil
}

func checkRange(path string, value *float64, lo, hi float64) *ValidationError {
	if value == nil {
		return nil
	}
	if *value < lo || *value > hi {
		return invalid(path, "out of range")
	}
	return nil
}
