package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
)

// maxTelemetryAge bounds how stale an accepted measurement may be.
const maxTelemetryAge = 5 * time.Minute

// TelemetryMsg is one link measurement published by an external probe.
type TelemetryMsg struct {
	Src           string  `json:"src"`
	Dst           string  `json:"dst"`
	LatencyMS     float64 `json:"latency_ms"`
	LossRate      float64 `json:"loss_rate"`
	SignalQuality float64 `json:"signal_quality"`
	TimestampMS   int64   `json:"timestamp_ms"`
}

// DecodeTelemetryMsg parses and validates a telemetry payload.
func DecodeTelemetryMsg(data []byte, now time.Time) (*TelemetryMsg, error) {
	var msg TelemetryMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("telemetry: invalid json: %w", err)
	}
	if msg.Src == "" || msg.Dst == "" {
		return nil, fmt.Errorf("telemetry: src and dst required")
	}
	if msg.Src == msg.Dst {
		return nil, fmt.Errorf("telemetry: self link %s", msg.Src)
	}
	if msg.LatencyMS < 0 {
		return nil, fmt.Errorf("telemetry: negative latency %.2f", msg.LatencyMS)
	}
	if msg.LossRate < 0 || msg.LossRate > 1 {
		return nil, fmt.Errorf("telemetry: loss rate %.4f out of [0,1]", msg.LossRate)
	}
	if msg.SignalQuality < 0 || msg.SignalQuality > 1 {
		return nil, fmt.Errorf("telemetry: signal quality %.4f out of [0,1]", msg.SignalQuality)
	}
	if msg.TimestampMS > 0 {
		ts := time.UnixMilli(msg.TimestampMS)
		if now.Sub(ts) > maxTelemetryAge {
			return nil, fmt.Errorf("telemetry: measurement %s too old", now.Sub(ts))
		}
		if ts.Sub(now) > time.Minute {
			return nil, fmt.Errorf("telemetry: measurement from the future")
		}
	}
	return &msg, nil
}

// Metrics converts the message into store units.
func (m *TelemetryMsg) Metrics() topology.LinkMetrics {
	return topology.LinkMetrics{
		LatencyMS:     m.LatencyMS,
		LossRate:      m.LossRate,
		SignalQuality: m.SignalQuality,
	}
}
