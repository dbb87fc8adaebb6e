package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordActivationStepIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(ActivationsTotal.WithLabelValues("start", "success"))
	RecordActivationStep("start", true)
	after := testutil.ToFloat64(ActivationsTotal.WithLabelValues("start", "success"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}

	beforeFail := testutil.ToFloat64(ActivationsTotal.WithLabelValues("complete", "failure"))
	RecordActivationStep("complete", false)
	afterFail := testutil.ToFloat64(ActivationsTotal.WithLabelValues("complete", "failure"))
	if afterFail != beforeFail+1 {
		t.Fatalf("expected failure counter to increase by 1, got %v -> %v", beforeFail, afterFail)
	}
}

func TestRecordSignatureIncrementsCounterAndHistogram(t *testing.T) {
	before := testutil.ToFloat64(SignaturesTotal.WithLabelValues("possession_knowledge", "success"))
	RecordSignature("possession_knowledge", true, 5*time.Millisecond)
	after := testutil.ToFloat64(SignaturesTotal.WithLabelValues("possession_knowledge", "success"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}

	beforeCount := testutil.CollectAndCount(SignatureLatency)
	RecordSignature("possession_knowledge", true, 10*time.Millisecond)
	afterCount := testutil.CollectAndCount(SignatureLatency)
	if afterCount < beforeCount {
		t.Fatalf("expected the histogram to retain at least as many series, got %d -> %d", beforeCount, afterCount)
	}
}

func TestRecordCounterSyncResultIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(CounterSyncResultTotal.WithLabelValues("updated"))
	RecordCounterSyncResult("updated")
	after := testutil.ToFloat64(CounterSyncResultTotal.WithLabelValues("updated"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestRecordVaultOperationIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(VaultOperationsTotal.WithLabelValues("change_password", "success"))
	RecordVaultOperation("change_password", true)
	after := testutil.ToFloat64(VaultOperationsTotal.WithLabelValues("change_password", "success"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestDeadlockedActivationsGaugeSettable(t *testing.T) {
	DeadlockedActivations.Set(3)
	if got := testutil.ToFloat64(DeadlockedActivations); got != 3 {
		t.Fatalf("expected gauge value 3, got %v", got)
	}
	DeadlockedActivations.Set(0)
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	RecordActivationStep("start", true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 from the metrics handler, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty metrics body")
	}
}
