package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/justapithecus/sluice/sluice"
)

type countingRunner struct {
	mu    sync.Mutex
	calls int
	reqs  []sluice.ExportRequest
}

func (c *countingRunner) Run(_ context.Context, req sluice.ExportRequest) (sluice.ExportResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.reqs = append(c.reqs, req)
	return sluice.ExportResult{Name: "scheduled.json"}, nil
}

func TestJob_Request(t *testing.T) {
	job := Job{
		Name:   "nightly",
		Spec:   "0 2 * * *",
		Query:  "activity/select?q=*:*",
		Format: "excel_csv",
		Sort:   "id desc",
		Fields: []string{"id", "title"},
	}

	req, err := job.Request()
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if req.Format != sluice.FormatExcelCSV || req.SortHint != "id desc" || len(req.Fields) != 2 {
		t.Errorf("request = %+v", req)
	}
	if err := job.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name string
		job  Job
	}{
		{"bad cron", Job{Spec: "whenever", Query: "q", Format: "json"}},
		{"bad format", Job{Spec: "@daily", Query: "q", Format: "parquet"}},
		{"missing query", Job{Spec: "@daily", Format: "json"}},
		{"empty field", Job{Spec: "@daily", Query: "q", Format: "csv", Fields: []string{" "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.job.Validate(); err == nil {
				t.Error("Validate succeeded, want error")
			}
		})
	}

	_, err := Job{Spec: "@daily", Query: "q", Format: "yaml"}.Request()
	if !errors.Is(err, sluice.ErrInvalidRequest) {
		t.Errorf("got %v, want ErrInvalidRequest", err)
	}
}

func TestScheduler_Add(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, nil)

	if err := s.Add(t.Context(), Job{Name: "hourly", Spec: "@hourly", Query: "select?q=*:*", Format: "json"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add(t.Context(), Job{Name: "broken", Spec: "61 * * * *", Query: "q", Format: "json"}); err == nil {
		t.Error("Add accepted an out-of-range minute")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	if runner.calls != 0 {
		t.Errorf("runner called %d times before the first tick", runner.calls)
	}
}

func TestScheduler_RunLogsResult(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, nil)

	req := sluice.ExportRequest{Query: "select?q=*:*", Format: sluice.FormatJSON}
	s.run(t.Context(), "manual", req)

	if runner.calls != 1 || runner.reqs[0].Query != req.Query {
		t.Errorf("runner calls = %d, reqs = %+v", runner.calls, runner.reqs)
	}
}
