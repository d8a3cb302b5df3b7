package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

var _ segmentation.Observer = (*Metrics)(nil)

func TestEvaluationFinished(t *testing.T) {
	m := New()

	m.EvaluationFinished(domain.SegmentDynamic, 20*time.Millisecond, nil)
	m.EvaluationFinished(domain.SegmentDynamic, time.Second, nil)
	m.EvaluationFinished(domain.SegmentComposite, 0, &segmentation.CyclicCompositeError{Chain: []string{"a", "a"}})
	m.EvaluationFinished("", 0, segmentation.NotFound("x"))
	m.EvaluationFinished(domain.SegmentBehavioral, 0, segmentation.SourceError("query", errors.New("down")))

	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("dynamic", "ok")); got != 2 {
		t.Fatalf("expected 2 ok dynamic evaluations, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("composite", "cyclic")); got != 1 {
		t.Fatalf("expected 1 cyclic evaluation, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("unknown", "not_found")); got != 1 {
		t.Fatalf("expected 1 not_found evaluation, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("behavioral", "unavailable")); got != 1 {
		t.Fatalf("expected 1 unavailable evaluation, got %v", got)
	}
	if n := testutil.CollectAndCount(m.EvaluationDuration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestObserverCounters(t *testing.T) {
	m := New()

	m.EvaluationShared()
	m.EvaluationShared()
	m.RefreshScheduled(3)
	m.QueueDepth(7)
	m.QueueDepth(4)

	if got := testutil.ToFloat64(m.SharedEvaluations); got != 2 {
		t.Fatalf("expected 2 shared evaluations, got %v", got)
	}
	if got := testutil.ToFloat64(m.RefreshesScheduled); got != 3 {
		t.Fatalf("expected 3 scheduled refreshes, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepthGauge); got != 4 {
		t.Fatalf("expected queue depth 4, got %v", got)
	}
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&segmentation.InvalidCriterionError{Field: "a", Reason: "bad"}, "invalid"},
		{fmt.Errorf("wrap: %w", segmentation.ErrInvalidDefinition), "invalid"},
		{segmentation.StoreError("get", errors.New("conn reset")), "unavailable"},
		{fmt.Errorf("eval: %w", errors.Join(errors.New("x"), context.DeadlineExceeded)), "timeout"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := resultLabel(tt.err); got != tt.want {
			t.Errorf("resultLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.EvaluationShared()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "audience_segment_shared_evaluations_total 1") {
		t.Fatalf("metrics output missing shared evaluations counter:\n%s", body)
	}
}

func TestRegisterDBStats(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	m := New()
	RegisterDBStats(m.Registry, db)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, f := range fams {
		if f.GetName() == "audience_db_pool_open" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected audience_db_pool_open to be registered")
	}
}
