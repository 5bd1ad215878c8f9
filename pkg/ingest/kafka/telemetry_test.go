package kafka

import (
	"strconv"
	"testing"
	"time"
)

func TestDecodeTelemetryMsg(t *testing.T) {
	now := time.Now()
	raw := []byte(`{"src":"a","dst":"b","latency_ms":42.5,"loss_rate":0.01,"signal_quality":0.9}`)

	msg, err := DecodeTelemetryMsg(raw, now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Src != "a" || msg.Dst != "b" {
		t.Fatalf("endpoints = %s->%s", msg.Src, msg.Dst)
	}
	m := msg.Metrics()
	if m.LatencyMS != 42.5 || m.LossRate != 0.01 || m.SignalQuality != 0.9 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestDecodeTelemetryMsgRejectsInvalid(t *testing.T) {
	now := time.Now()
	cases := map[string]string{
		"not json":     `{`,
		"missing dst":  `{"src":"a","latency_ms":1}`,
		"self link":    `{"src":"a","dst":"a","latency_ms":1}`,
		"neg latency":  `{"src":"a","dst":"b","latency_ms":-1}`,
		"loss too big": `{"src":"a","dst":"b","latency_ms":1,"loss_rate":1.5}`,
		"bad signal":   `{"src":"a","dst":"b","latency_ms":1,"signal_quality":-0.2}`,
	}
	for name, raw := range cases {
		if _, err := DecodeTelemetryMsg([]byte(raw), now); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecodeTelemetryMsgRejectsStale(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * time.Minute).UnixMilli()
	raw := []byte(`{"src":"a","dst":"b","latency_ms":1,"timestamp_ms":` + itoa(old) + `}`)
	if _, err := DecodeTelemetryMsg(raw, now); err == nil {
		t.Fatal("expected stale measurement to be rejected")
	}

	fresh := now.Add(-time.Second).UnixMilli()
	raw = []byte(`{"src":"a","dst":"b","latency_ms":1,"timestamp_ms":` + itoa(fresh) + `}`)
	if _, err := DecodeTelemetryMsg(raw, now); err != nil {
		t.Fatalf("fresh measurement rejected: %v", err)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
