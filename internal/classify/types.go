// Package classify provides the HTTP client for the remote content
// classifier. Batches over the chunk size are split by flattening
// items across containers and re-grouping each slice by container, so
// the classifier still receives coherent per-container context.
package classify

import (
	"github.com/sifthq/sift/internal/domain"
)

// classifyRequest is the wire request for one chunk.
type classifyRequest struct {
	Containers []wireContainer `json:"containers"`
	PageURL    string          `json:"pageUrl"`
	AllowRules []string        `json:"allowRules"`
	BlockRules []string        `json:"blockRules"`
	ClientID   string          `json:"clientId"`
}

// wireContainer is one container's classification context.
type wireContainer struct {
	ID    string     `json:"id"`
	Text  string     `json:"text"`
	Items []wireItem `json:"items"`
}

// wireItem is one item's classification context.
type wireItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// classifyResponse is the wire response for one chunk.
type classifyResponse struct {
	Instructions []wireInstruction `json:"instructions"`
}

// wireInstruction is one verdict on the wire.
type wireInstruction struct {
	ItemID string `json:"itemId"`
	Action string `json:"action"`
}

// errorResponse is the classifier's error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// toWire converts a batch to its wire request.
func toWire(batch *domain.Batch, pageURL string, active domain.RuleSet, clientID string) classifyRequest {
	req := classifyRequest{
		PageURL:    pageURL,
		AllowRules: active.Allow,
		BlockRules: active.Block,
		ClientID:   clientID,
	}
	for i := range batch.Containers {
		c := &batch.Containers[i]
		wc := wireContainer{ID: c.ID, Text: c.TextExcerpt}
		for _, item := range c.Items {
			wc.Items = append(wc.Items, wireItem{ID: item.ID, Text: item.TextExcerpt})
		}
		req.Containers = append(req.Containers, wc)
	}
	return req
}
