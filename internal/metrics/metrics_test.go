package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/justapithecus/sluice/sluice"
)

// gather returns the metric family with name from c's registry.
func gather(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// labels renders a metric's labels as "k=v,k=v".
func labels(m *dto.Metric) string {
	parts := make([]string, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%s", lp.GetName(), lp.GetValue()))
	}
	return strings.Join(parts, ",")
}

func counterValue(t *testing.T, c *Collector, name, wantLabels string) float64 {
	t.Helper()
	mf := gather(t, c, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if labels(m) == wantLabels {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(nil)

	c.PageFetched(sluice.FormatCSV, 1000)
	c.PageFetched(sluice.FormatCSV, 500)
	c.ChunkCommitted(sluice.FormatCSV, 4096)
	c.ChunkCommitted(sluice.FormatCSV, 100)

	if got := counterValue(t, c, "sluice_pages_total", "format=CSV"); got != 2 {
		t.Errorf("pages = %v, want 2", got)
	}
	if got := counterValue(t, c, "sluice_records_total", "format=CSV"); got != 1500 {
		t.Errorf("records = %v, want 1500", got)
	}
	if got := counterValue(t, c, "sluice_chunks_committed_total", "format=CSV"); got != 2 {
		t.Errorf("chunks = %v, want 2", got)
	}
	if got := counterValue(t, c, "sluice_bytes_committed_total", "format=CSV"); got != 4196 {
		t.Errorf("bytes = %v, want 4196", got)
	}
}

func TestCollector_ExportFinished(t *testing.T) {
	c := NewCollector(nil)

	c.ExportFinished(sluice.FormatJSON, sluice.ExportResult{}, nil, 2*time.Second)
	c.ExportFinished(sluice.FormatJSON, sluice.ExportResult{}, fmt.Errorf("wrap: %w", sluice.ErrUpstreamFetch), time.Second)
	c.ExportFinished(sluice.Format("YAML"), sluice.ExportResult{}, sluice.ErrInvalidRequest, 0)
	c.ExportFinished(sluice.FormatJSON, sluice.ExportResult{}, errors.New("boom"), time.Second)

	tests := []struct {
		labels string
		want   float64
	}{
		{"format=JSON,outcome=success", 1},
		{"format=JSON,outcome=upstream_fetch", 1},
		{"format=unknown,outcome=invalid_request", 1},
		{"format=JSON,outcome=error", 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, c, "sluice_exports_total", tt.labels); got != tt.want {
			t.Errorf("exports{%s} = %v, want %v", tt.labels, got, tt.want)
		}
	}

	mf := gather(t, c, "sluice_export_duration_seconds")
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("duration family = %v, want one series", mf)
	}
	if n := mf.GetMetric()[0].GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("duration samples = %d, want only the successful export", n)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(nil)
	c.PageFetched(sluice.FormatXML, 7)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `sluice_records_total{format="XML"} 7`) {
		t.Errorf("body missing records counter:\n%s", body)
	}
}
