// Package ai wraps the external toxicity-scoring service.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"chat-relay/contract"
	"chat-relay/errors"
)

var _ contract.Classifier = (*HTTPClassifier)(nil)

// HTTPClassifier calls the toxicity model's scoring endpoint. The
// service is treated as unreliable: any transport or decode problem is
// reported as ErrClassifierUnavailable so the moderation gate can fail
// open. Timeouts come from the caller's context.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClassifier(endpoint string, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClassifier{endpoint: endpoint, client: client}
}

type scoreRequest struct {
	Text string `json:"text"`
}

type scoreResponse struct {
	Toxicity  float64            `json:"toxicity"`
	Subscores map[string]float64 `json:"subscores"`
}

func (c *HTTPClassifier) Score(ctx context.Context, text string) (contract.Scores, error) {
	body, err := json.Marshal(scoreRequest{Text: text})
	if err != nil {
		return contract.Scores{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return contract.Scores{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return contract.Scores{}, fmt.Errorf("%w: %w", errors.ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return contract.Scores{}, fmt.Errorf("%w: status %d", errors.ErrClassifierUnavailable, resp.StatusCode)
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return contract.Scores{}, fmt.Errorf("%w: %w", errors.ErrClassifierUnavailable, err)
	}
	return contract.Scores{Toxicity: decoded.Toxicity, Subscores: decoded.Subscores}, nil
}
