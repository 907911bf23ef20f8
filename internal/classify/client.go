package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/logger"
)

const (
	// DefaultEndpoint is the default classifier endpoint.
	DefaultEndpoint = "http://localhost:8000/classify"
	// DefaultTimeout bounds one chunk request.
	DefaultTimeout = 30 * time.Second
	// DefaultChunkSize is the item count above which a batch splits.
	DefaultChunkSize = 10
	// DefaultRequestsPerSecond limits outbound chunk dispatch.
	DefaultRequestsPerSecond = 5
)

// Client is the chunk-parallel classification client. All chunks of a
// batch dispatch concurrently; any single chunk failure fails the
// whole batch so callers never apply a partial instruction set.
type Client struct {
	endpoint   string
	httpClient *http.Client
	chunkSize  int
	limiter    *rate.Limiter
	apiKey     string
	logger     logger.Interface
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithEndpoint sets the classifier endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithTimeout sets the per-chunk request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithChunkSize sets the maximum item count per chunk.
func WithChunkSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithRateLimit sets outbound requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates a classification client.
func NewClient(log logger.Interface, opts ...Option) *Client {
	client := &Client{
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		chunkSize:  DefaultChunkSize,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
		logger:     log.WithComponent("classify"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// ChunkSize returns the configured chunk size.
func (c *Client) ChunkSize() int { return c.chunkSize }

// Classify sends a batch for classification and returns the merged
// instructions. Chunks dispatch concurrently; the first failure
// cancels the siblings and fails the batch with one surfaced error.
// Merge order is irrelevant: instructions reference item ids, not
// positions.
func (c *Client) Classify(ctx context.Context, batch *domain.Batch, pageURL string, active domain.RuleSet, clientID string) ([]domain.Instruction, error) {
	if batch.IsEmpty() {
		return nil, nil
	}

	chunks := splitBatch(batch, c.chunkSize)
	validIDs := collectItemIDs(batch)

	results := make([][]domain.Instruction, len(chunks))
	g, gctx := errgroup.WithContext(ctx)

	for i := range chunks {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return fmt.Errorf("%w: %v", ErrNetwork, err)
			}
			instructions, err := c.classifyChunk(gctx, &chunks[i], pageURL, active, clientID)
			if err != nil {
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			results[i] = instructions
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch %s failed: %w", batch.WindowKey, err)
	}

	var merged []domain.Instruction
	for _, r := range results {
		merged = append(merged, r...)
	}
	return filterValid(merged, validIDs, c.logger), nil
}

// classifyChunk issues one chunk request.
func (c *Client) classifyChunk(ctx context.Context, chunk *domain.Batch, pageURL string, active domain.RuleSet, clientID string) ([]domain.Instruction, error) {
	body, err := json.Marshal(toWire(chunk, pageURL, active, clientID))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, fmt.Errorf("%w: failed to connect to classifier at %s: %v", ErrNetwork, c.endpoint, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, readErr)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error != "" {
			return nil, statusError(resp.StatusCode, errResp.Error+" - "+errResp.Message)
		}
		return nil, statusError(resp.StatusCode, string(respBody))
	}

	var decoded classifyResponse
	if unmarshalErr := json.Unmarshal(respBody, &decoded); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrNetwork, unmarshalErr)
	}

	out := make([]domain.Instruction, 0, len(decoded.Instructions))
	for _, wi := range decoded.Instructions {
		action, actionErr := domain.ParseAction(wi.Action)
		if actionErr != nil {
			c.logger.Warn("dropping instruction with unknown action",
				"item_id", wi.ItemID,
				"action", wi.Action,
			)
			continue
		}
		out = append(out, domain.Instruction{
			ItemID: wi.ItemID,
			Action: action,
			Reason: "classified",
		})
	}
	return out, nil
}

// collectItemIDs indexes the batch's item ids for response validation.
func collectItemIDs(batch *domain.Batch) map[string]struct{} {
	ids := make(map[string]struct{})
	for i := range batch.Containers {
		for _, item := range batch.Containers[i].Items {
			ids[item.ID] = struct{}{}
		}
	}
	return ids
}

// filterValid drops instructions for ids outside the dispatched batch.
// Classifiers occasionally hallucinate ids; applying them would hide
// arbitrary content.
func filterValid(instructions []domain.Instruction, validIDs map[string]struct{}, log logger.Interface) []domain.Instruction {
	out := instructions[:0]
	seen := make(map[string]struct{}, len(instructions))
	for _, in := range instructions {
		if _, ok := validIDs[in.ItemID]; !ok {
			log.Warn("dropping instruction for unknown item", "item_id", in.ItemID)
			continue
		}
		if _, dup := seen[in.ItemID]; dup {
			continue
		}
		seen[in.ItemID] = struct{}{}
		out = append(out, in)
	}
	return out
}
