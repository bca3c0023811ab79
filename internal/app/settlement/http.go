package settlement

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/R3E-Network/fabblink/internal/httputil"
)

// HTTPSettler posts payout batches to an external payout service. The
// service deduplicates by batch_id and answers GET {path}/{batch_id} with
// the batch status.
type HTTPSettler struct {
	client *httputil.ServiceClient
	path   string
}

// NewHTTPSettler creates a settler for the service behind client.
func NewHTTPSettler(client *httputil.ServiceClient, path string) *HTTPSettler {
	if path == "" {
		path = "/payouts"
	}
	return &HTTPSettler{client: client, path: path}
}

type batchRequest struct {
	BatchID string   `json:"batch_id"`
	Payouts []Payout `json:"payouts"`
}

type batchResponse struct {
	Status string `json:"status"`
}

// Settle succeeds only when the service answers 2xx with status "settled".
// Transport failures, 5xx answers and a "pending" status leave the outcome
// open and are reported as ErrUnconfirmed.
func (s *HTTPSettler) Settle(ctx context.Context, key string, batch []Payout) (string, error) {
	if err := validate(batch); err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("batch key required")
	}
	resp, err := s.client.Post(ctx, s.path, batchRequest{BatchID: key, Payouts: batch})
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}
	unsure := resp.StatusCode >= http.StatusInternalServerError
	var out batchResponse
	if err := httputil.DecodeResponse(resp, &out); err != nil {
		if unsure {
			return key, fmt.Errorf("%w: %v", ErrUnconfirmed, err)
		}
		return "", err
	}
	switch Status(out.Status) {
	case StatusSettled:
		return key, nil
	case StatusPending:
		return key, fmt.Errorf("%w: payout service reported pending", ErrUnconfirmed)
	default:
		return "", fmt.Errorf("payout service reported status %q", out.Status)
	}
}

// Status asks the service for the batch. A batch the service never saw has
// failed.
func (s *HTTPSettler) Status(ctx context.Context, key, _ string) (Status, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, s.path+"/"+url.PathEscape(key), nil)
	if err != nil {
		return StatusPending, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return StatusFailed, nil
	}
	var out batchResponse
	if err := httputil.DecodeResponse(resp, &out); err != nil {
		return StatusPending, err
	}
	switch st := Status(out.Status); st {
	case StatusSettled, StatusFailed, StatusPending:
		return st, nil
	default:
		return StatusPending, fmt.Errorf("payout service reported status %q", out.Status)
	}
}
