package observability_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/credyt/billing/entitlement"
	"github.com/credyt/billing/observability"
	"github.com/credyt/billing/settlement"
)

type counter struct{ v float64 }

func (c *counter) Inc()          { c.v++ }
func (c *counter) Add(d float64) { c.v += d }

type histogram struct{ samples []float64 }

func (h *histogram) Observe(v float64) { h.samples = append(h.samples, v) }

type factory struct {
	mu         sync.Mutex
	counters   map[string]*counter
	histograms map[string]*histogram
}

func newFactory() *factory {
	return &factory{counters: map[string]*counter{}, histograms: map[string]*histogram{}}
}

func (f *factory) Counter(name string) observability.Counter {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &counter{}
	f.counters[name] = c
	return c
}

func (f *factory) Histogram(name string) observability.Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &histogram{}
	f.histograms[name] = h
	return h
}

func TestMetricsCountHooks(t *testing.T) {
	f := newFactory()
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	rec := &settlement.Record{EventID: "evt_1"}
	_ = m.OnEventBilled(ctx, rec)
	_ = m.OnEventBilled(ctx, rec)
	_ = m.OnEventSkipped(ctx, rec)
	_ = m.OnEntitlementDrawn(ctx, &entitlement.Settlement{Draws: make([]entitlement.Draw, 3)})
	_ = m.OnBatchFlushed(ctx, 42, 1500*time.Millisecond)

	tests := []struct {
		name string
		want float64
	}{
		{"billing.events.billed", 2},
		{"billing.events.skipped", 1},
		{"billing.events.quarantined", 0},
		{"billing.entitlement.draws", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := f.counters[tt.name]
			if !ok {
				t.Fatalf("counter %q not registered", tt.name)
			}
			if c.v != tt.want {
				t.Errorf("got %v, want %v", c.v, tt.want)
			}
		})
	}

	size := f.histograms["billing.ingest.batch.size"]
	if len(size.samples) != 1 || size.samples[0] != 42 {
		t.Errorf("batch size samples: %v", size.samples)
	}
	latency := f.histograms["billing.ingest.flush.latency_ms"]
	if len(latency.samples) != 1 || latency.samples[0] != 1500 {
		t.Errorf("flush latency samples: %v", latency.samples)
	}
}
