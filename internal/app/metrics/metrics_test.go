package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"/":                             "/",
		"/healthz":                      "/healthz",
		"/intake/transfers":             "/intake",
		"/designers/alice":              "/designers/:id",
		"/designers/alice/designs/abc":  "/designers/:id/designs/:id",
		"/designs/abc":                  "/designs/:id",
		"/vendors/v1/orders":            "/vendors/:id/orders",
		"/vendors/v1/orders/o1":         "/vendors/:id/orders/:id",
		"/vendors/v1/orders/o1/confirm": "/vendors/:id/orders/:id/confirm",
		"/consumers/carol/journal":      "/consumers/:id/journal",
	}
	for in, want := range tests {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/vendors/v9/orders", nil))

	want := `fabblink_http_requests_total{method="GET",path="/vendors/:id/orders",status="418"} 1`
	if body := scrape(t); !strings.Contains(body, want) {
		t.Fatalf("metrics output missing %s", want)
	}
}

func TestHubMetricsAreExported(t *testing.T) {
	RecordOperation("place", "")
	RecordSettlement(0, true)
	RecordIntake("credited")
	SetHoldings(10, 20, 0)

	body := scrape(t)
	for _, want := range []string{
		`fabblink_hub_operations_total{code="OK",operation="place"} 1`,
		`fabblink_ledger_escrow_raw_units 20`,
		`fabblink_ledger_balances_raw_units 10`,
		`fabblink_intake_transfers_total{outcome="credited"} 1`,
		`fabblink_settlement_batch_duration_seconds_count{success="true"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
