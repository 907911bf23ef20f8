package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sifthq/sift/internal/logger"
)

const reporterTimeout = 5 * time.Second

// HTTPReporter posts hidden-item counts to a remote collection
// endpoint. Reports are fire-and-forget: failures are logged and
// never surface to the caller.
type HTTPReporter struct {
	endpoint   string
	clientID   string
	httpClient *http.Client
	logger     logger.Interface
}

// NewHTTPReporter creates a count reporter for the given endpoint.
func NewHTTPReporter(endpoint, clientID string, log logger.Interface) *HTTPReporter {
	return &HTTPReporter{
		endpoint:   endpoint,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: reporterTimeout},
		logger:     log.WithComponent("reporter"),
	}
}

type countReport struct {
	Count    int    `json:"count"`
	Unhidden int    `json:"unhidden,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// Report posts a delta to the endpoint. Safe to call from a goroutine;
// any error is swallowed after logging.
func (r *HTTPReporter) Report(hidden, unhidden int) {
	if r.endpoint == "" || (hidden == 0 && unhidden == 0) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reporterTimeout)
	defer cancel()

	if err := r.send(ctx, countReport{
		Count:    hidden,
		Unhidden: unhidden,
		ClientID: r.clientID,
	}); err != nil {
		r.logger.Debug("count report failed", "error", err)
	}
}

func (r *HTTPReporter) send(ctx context.Context, report countReport) error {
	body, marshalErr := json.Marshal(report)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal report: %w", marshalErr)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if reqErr != nil {
		return fmt.Errorf("failed to create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := r.httpClient.Do(req)
	if doErr != nil {
		return fmt.Errorf("failed to post report: %w", doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report rejected with status %d", resp.StatusCode)
	}
	return nil
}
