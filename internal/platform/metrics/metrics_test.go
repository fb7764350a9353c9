package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_CountsOperationsAndErrors(t *testing.T) {
	r := New()
	started := time.Now()
	r.ObserveOperation("registry.mint", started, "")
	r.ObserveOperation("registry.mint", started, "ExpiredCredential")
	r.ObserveOperation("executor.sign", started, "DecryptionFailure")
	r.RecordError("crypto")
	r.RecordRPC("executor.sign", -32015)
	r.RecordRPC("system.version", 0)

	if got := testutil.ToFloat64(r.operations.WithLabelValues("registry.mint", ResultOK)); got != 1 {
		t.Fatalf("expected one ok mint, got %v", got)
	}
	if got := testutil.ToFloat64(r.operations.WithLabelValues("registry.mint", ResultError)); got != 1 {
		t.Fatalf("expected one failed mint, got %v", got)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues("DecryptionFailure")); got != 1 {
		t.Fatalf("expected one decryption failure, got %v", got)
	}
	if got := testutil.ToFloat64(r.categories.WithLabelValues("crypto")); got != 1 {
		t.Fatalf("expected one crypto error, got %v", got)
	}
	if got := testutil.ToFloat64(r.rpcRequests.WithLabelValues("executor.sign", "-32015")); got != 1 {
		t.Fatalf("expected one rpc error, got %v", got)
	}
	if got := testutil.ToFloat64(r.rpcRequests.WithLabelValues("system.version", "ok")); got != 1 {
		t.Fatalf("expected one ok rpc, got %v", got)
	}
}

func TestRecorder_HandlerExposesCustodyMetrics(t *testing.T) {
	r := New()
	r.RecordSigningState("Signed")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `custody_signing_transitions_total{state="Signed"} 1`) {
		t.Fatalf("metrics output missing signing counter:\n%s", body)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveOperation("x", time.Now(), "Internal")
	r.RecordError("api")
	r.RecordRPC("x", 1)
	r.RecordSigningState("Failed")
	if r.Registry() != nil {
		t.Fatal("nil recorder must not expose a registry")
	}
}

func TestRecorder_InstancesAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.RecordError("storage")
	if got := testutil.ToFloat64(b.categories.WithLabelValues("storage")); got != 0 {
		t.Fatalf("recorders share state: %v", got)
	}
}
