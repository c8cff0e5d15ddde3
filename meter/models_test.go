package meter_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credyt/billing/meter"
)

func TestNumber(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
		ok    bool
	}{
		{"int", 1520, "1520", true},
		{"int64", int64(1520), "1520", true},
		{"uint64", uint64(18446744073709551615), "18446744073709551615", true},
		{"float64", 12.5, "12.5", true},
		{"json.Number", json.Number("0.00003"), "0.00003", true},
		{"decimal", decimal.RequireFromString("3.14"), "3.14", true},
		{"numeric string", "1520", "0", false},
		{"bool", true, "0", false},
		{"nil", nil, "0", false},
		{"NaN", math.NaN(), "0", false},
		{"Inf", math.Inf(1), "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &meter.UsageEvent{Properties: map[string]any{"v": tt.value}}
			got, ok := e.Number("v")
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNumberMissing(t *testing.T) {
	e := &meter.UsageEvent{}
	if _, ok := e.Number("total_tokens"); ok {
		t.Error("expected missing property to be reported")
	}
}

func TestNumberFromDecodedJSON(t *testing.T) {
	var e meter.UsageEvent
	payload := `{"id":"evt_1","event_type":"chat_completion","customer_id":"cus_1","timestamp":"2025-01-01T00:00:00Z","properties":{"total_tokens":1520,"model":"gpt-4"}}`
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	got, ok := e.Number("total_tokens")
	if !ok || !got.Equal(decimal.NewFromInt(1520)) {
		t.Errorf("total_tokens: got %s, %v", got, ok)
	}
	if model, ok := e.Text("model"); !ok || model != "gpt-4" {
		t.Errorf("model: got %q, %v", model, ok)
	}
	if _, ok := e.Text("total_tokens"); ok {
		t.Error("number must not read as text")
	}
}

func TestValidate(t *testing.T) {
	valid := meter.UsageEvent{ID: "evt_1", EventType: "chat_completion", CustomerID: "cus_1", Timestamp: time.Now()}

	tests := []struct {
		name string
		mod  func(e *meter.UsageEvent)
		ok   bool
	}{
		{"valid", func(*meter.UsageEvent) {}, true},
		{"missing id", func(e *meter.UsageEvent) { e.ID = "" }, false},
		{"missing type", func(e *meter.UsageEvent) { e.EventType = "" }, false},
		{"missing customer", func(e *meter.UsageEvent) { e.CustomerID = "" }, false},
		{"missing timestamp", func(e *meter.UsageEvent) { e.Timestamp = time.Time{} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mod(&e)
			err := e.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, meter.ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}
