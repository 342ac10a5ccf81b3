package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_CountsAndExposes(t *testing.T) {
	r := New()
	r.ApprovalRequested("pipeline-dev")
	r.ApprovalResolved(domain.ApprovalApproved)
	r.ApprovalResolved(domain.ApprovalApproved)
	r.CallbackRejected("conflict")
	r.NotificationFailed()
	r.RecordHTTPRequest("POST", "/bot", 409, 0.01)

	if got := testutil.ToFloat64(r.approvalsResolved.WithLabelValues("approved")); got != 2 {
		t.Fatalf("expected 2 approvals, got %v", got)
	}
	if got := testutil.ToFloat64(r.httpRequests.WithLabelValues("POST", "/bot", "4xx")); got != 1 {
		t.Fatalf("expected one 4xx request, got %v", got)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "approval_gate_notification_failures_total 1") {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
