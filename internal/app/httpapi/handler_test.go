package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/fabblink/internal/app"
	"github.com/R3E-Network/fabblink/internal/app/auth"
	"github.com/R3E-Network/fabblink/internal/app/settlement"
	"github.com/R3E-Network/fabblink/internal/middleware"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

const hub = "fabblink.hub"

var (
	secret = []byte("handler-test-secret")
	fp     = strings.Repeat("5e", 32)
)

type harness struct {
	t       *testing.T
	server  *httptest.Server
	settler *settlement.Recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	settler := &settlement.Recorder{}
	application, err := app.New(app.Options{Settler: settler, HubAccount: hub, AuditSchedule: app.AuditDisabled}, logger.NewNop())
	require.NoError(t, err)

	cfg.JWTSecret = secret
	api, err := New(application, cfg, logger.NewNop())
	require.NoError(t, err)
	server := httptest.NewServer(api)
	t.Cleanup(func() {
		server.Close()
		_ = api.Close()
	})
	return &harness{t: t, server: server, settler: settler}
}

func (h *harness) do(method, path, subject string, body interface{}, roles ...string) (int, map[string]interface{}) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		token, err := middleware.IssueToken(secret, "", subject, roles, time.Hour)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
			_ = json.Unmarshal(raw, &out)
		}
	}
	return resp.StatusCode, out
}

func (h *harness) seed() {
	h.t.Helper()
	status, _ := h.do(http.MethodPost, "/designers/alice", "alice", nil)
	require.Equal(h.t, http.StatusCreated, status)
	status, _ = h.do(http.MethodPost, "/vendors/vic", "vic", nil)
	require.Equal(h.t, http.StatusCreated, status)
	status, body := h.do(http.MethodPut, "/designers/alice/designs/"+fp, "alice", map[string]string{"price": "5.00000000 GAS", "fee": "1.00000000 GAS"})
	require.Equal(h.t, http.StatusOK, status, body)
	status, body = h.do(http.MethodPost, "/intake/transfers", "watcher", map[string]string{
		"from": "carol", "to": hub, "amount": "10.00000000 GAS", "reference": "tx-1",
	}, auth.RoleIntake)
	require.Equal(h.t, http.StatusOK, status, body)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed()

	status, body := h.do(http.MethodPost, "/vendors/vic/orders", "carol", map[string]interface{}{
		"consumer": "carol", "order": "o1", "fingerprint": fp, "quantity": 1,
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "5.00000000 GAS", body["vendor_income"])
	assert.Equal(t, "1.00000000 GAS", body["designer_income"])
	assert.Equal(t, "open", body["state"])

	status, body = h.do(http.MethodGet, "/consumers/carol/balance", "carol", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "4.00000000 GAS", body["available"])

	status, body = h.do(http.MethodPost, "/vendors/vic/orders/o1/print", "vic", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "fulfilled", body["state"])

	status, body = h.do(http.MethodPost, "/vendors/vic/orders/o1/confirm", "carol", map[string]string{"consumer": "carol"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "5.00000000 GAS", h.settler.PaidTo("vic").String())
	assert.Equal(t, "1.00000000 GAS", h.settler.PaidTo("alice").String())

	status, body = h.do(http.MethodGet, "/vendors/vic/orders/o1", "vic", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestCancelOverHTTP(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed()

	status, _ := h.do(http.MethodPost, "/vendors/vic/orders", "carol", map[string]interface{}{
		"consumer": "carol", "order": "o1", "fingerprint": fp, "quantity": 1,
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = h.do(http.MethodPost, "/vendors/vic/orders/o1/cancel", "carol", map[string]string{"consumer": "carol"})
	require.Equal(t, http.StatusOK, status)

	_, body := h.do(http.MethodGet, "/consumers/carol/balance", "carol", nil)
	assert.Equal(t, "10.00000000 GAS", body["available"])
}

func TestErrorStatusMapping(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed()

	place := func(subject string, quantity int, order string) (int, map[string]interface{}) {
		return h.do(http.MethodPost, "/vendors/vic/orders", subject, map[string]interface{}{
			"consumer": "carol", "order": order, "fingerprint": fp, "quantity": quantity,
		})
	}

	tests := []struct {
		name   string
		call   func() (int, map[string]interface{})
		status int
		code   string
	}{
		{"no token", func() (int, map[string]interface{}) { return place("", 1, "x") }, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"wrong signer", func() (int, map[string]interface{}) { return place("mallory", 1, "x") }, http.StatusForbidden, "AUTHORIZATION"},
		{"quantity too large", func() (int, map[string]interface{}) { return place("carol", 1001, "x") }, http.StatusUnprocessableEntity, "INVARIANT_VIOLATION"},
		{"insufficient", func() (int, map[string]interface{}) { return place("carol", 2, "x") }, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"},
		{"unknown order", func() (int, map[string]interface{}) {
			return h.do(http.MethodPost, "/vendors/vic/orders/none/print", "vic", nil)
		}, http.StatusNotFound, "NOT_FOUND"},
		{"duplicate designer", func() (int, map[string]interface{}) {
			return h.do(http.MethodPost, "/designers/alice", "alice", nil)
		}, http.StatusConflict, "DUPLICATE"},
		{"unknown field", func() (int, map[string]interface{}) {
			return h.do(http.MethodPost, "/vendors/vic/orders", "carol", map[string]interface{}{"bogus": true})
		}, http.StatusBadRequest, "BAD_REQUEST"},
		{"intake without role", func() (int, map[string]interface{}) {
			return h.do(http.MethodPost, "/intake/transfers", "carol", map[string]string{"from": "carol", "to": hub, "amount": "5.00000000 GAS"})
		}, http.StatusForbidden, "AUTHORIZATION"},
		{"dust deposit", func() (int, map[string]interface{}) {
			return h.do(http.MethodPost, "/intake/transfers", "watcher", map[string]string{"from": "carol", "to": hub, "amount": "0.50000000 GAS", "reference": "tx-2"}, auth.RoleIntake)
		}, http.StatusUnprocessableEntity, "INVARIANT_VIOLATION"},
		{"deposit in foreign currency", func() (int, map[string]interface{}) {
			return h.do(http.MethodPost, "/intake/transfers", "watcher", map[string]string{"from": "carol", "to": hub, "amount": "10.0000 EOS", "reference": "tx-3"}, auth.RoleIntake)
		}, http.StatusUnprocessableEntity, "INVARIANT_VIOLATION"},
		{"design priced in foreign currency", func() (int, map[string]interface{}) {
			return h.do(http.MethodPut, "/designers/alice/designs/"+strings.Repeat("7a", 32), "alice", map[string]string{"price": "6.0000 EOS", "fee": "1.00000000 GAS"})
		}, http.StatusUnprocessableEntity, "INVARIANT_VIOLATION"},
		{"malformed amount", func() (int, map[string]interface{}) {
			return h.do(http.MethodPut, "/designers/alice/designs/"+strings.Repeat("7a", 32), "alice", map[string]string{"price": "six GAS", "fee": "1.00000000 GAS"})
		}, http.StatusBadRequest, "BAD_REQUEST"},
		{"foreign journal", func() (int, map[string]interface{}) {
			return h.do(http.MethodGet, "/consumers/carol/journal", "dave", nil)
		}, http.StatusForbidden, "AUTHORIZATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := tt.call()
			assert.Equal(t, tt.status, status, body)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestSettlementFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed()
	status, _ := h.do(http.MethodPost, "/vendors/vic/orders", "carol", map[string]interface{}{
		"consumer": "carol", "order": "o1", "fingerprint": fp, "quantity": 1,
	})
	require.Equal(t, http.StatusCreated, status)
	status, _ = h.do(http.MethodPost, "/vendors/vic/orders/o1/print", "vic", nil)
	require.Equal(t, http.StatusOK, status)

	h.settler.FailWith(errors.New("payout service down"))
	status, body := h.do(http.MethodPost, "/vendors/vic/orders/o1/confirm", "carol", map[string]string{"consumer": "carol"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "SETTLEMENT_FAILED", body["code"])

	status, body = h.do(http.MethodGet, "/vendors/vic/orders/o1", "vic", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "fulfilled", body["state"])
}

func TestUnconfirmedSettlementIsPending(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed()
	status, _ := h.do(http.MethodPost, "/vendors/vic/orders", "carol", map[string]interface{}{
		"consumer": "carol", "order": "o1", "fingerprint": fp, "quantity": 1,
	})
	require.Equal(t, http.StatusCreated, status)
	status, _ = h.do(http.MethodPost, "/vendors/vic/orders/o1/print", "vic", nil)
	require.Equal(t, http.StatusOK, status)

	h.settler.FailAfterPaying(fmt.Errorf("%w: no acknowledgement", settlement.ErrUnconfirmed))
	status, body := h.do(http.MethodPost, "/vendors/vic/orders/o1/confirm", "carol", map[string]string{"consumer": "carol"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "SETTLEMENT_FAILED", body["code"])
	details, _ := body["details"].(map[string]interface{})
	assert.Equal(t, "pending", details["status"])

	status, body = h.do(http.MethodGet, "/vendors/vic/orders/o1", "vic", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "settling", body["state"])

	h.settler.FailAfterPaying(nil)
	status, body = h.do(http.MethodPost, "/vendors/vic/orders/o1/confirm", "carol", map[string]string{"consumer": "carol"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "INVARIANT_VIOLATION", body["code"])
	assert.Len(t, h.settler.Batches(), 1)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := h.server.Client().Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuditTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	h := newHarness(t, Config{AuditFile: path})
	h.seed()

	status, _ := h.do(http.MethodGet, "/audit", "carol", nil)
	assert.Equal(t, http.StatusForbidden, status)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/audit?limit=2", nil)
	require.NoError(t, err)
	token, err := middleware.IssueToken(secret, "", "ops", []string{auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []auditEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "/intake/transfers", entries[1].Path)
	assert.Equal(t, "watcher", entries[1].Subject)
	assert.NotEmpty(t, entries[1].RequestID)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(raw), "\n"))
}

func TestRateLimitApplies(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateBurst: 1})

	status, _ := h.do(http.MethodGet, "/consumers/carol/balance", "carol", nil)
	assert.Equal(t, http.StatusOK, status)
	status, body := h.do(http.MethodGet, "/consumers/carol/balance", "carol", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", body["code"])
}
