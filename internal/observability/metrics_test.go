package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers with the default registry, so build it once for the
// whole package.
var testMetrics = NewMetrics()

func TestRecordModelRequest(t *testing.T) {
	testMetrics.RecordModelRequest("anthropic", "claude-sonnet-4-20250514", "success", 1.2, 100, 50)

	counter := testMetrics.ModelRequestCounter.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "success")
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Errorf("model request counter = %v, want 1", got)
	}
	prompt := testMetrics.ModelTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "prompt")
	if got := testutil.ToFloat64(prompt); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
}

func TestTaskGaugeLifecycle(t *testing.T) {
	before := testutil.ToFloat64(testMetrics.ActiveTasks)

	testMetrics.TaskStarted()
	if got := testutil.ToFloat64(testMetrics.ActiveTasks); got != before+1 {
		t.Errorf("active tasks after start = %v, want %v", got, before+1)
	}

	testMetrics.TaskFinished("completed")
	if got := testutil.ToFloat64(testMetrics.ActiveTasks); got != before {
		t.Errorf("active tasks after finish = %v, want %v", got, before)
	}
	completed := testMetrics.TaskCompletionCounter.WithLabelValues("completed")
	if got := testutil.ToFloat64(completed); got != 1 {
		t.Errorf("completion counter = %v, want 1", got)
	}
}

func TestRecordTriggerFire(t *testing.T) {
	testMetrics.RecordTriggerFire("agent_turn", "skipped")
	counter := testMetrics.TriggerFireCounter.WithLabelValues("agent_turn", "skipped")
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Errorf("trigger fire counter = %v, want 1", got)
	}
}
