package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPredictor is the HTTP client for the ML scoring sidecar. The sidecar
// exposes POST /predict taking the named feature vector and returning the
// attack probability.
type HTTPPredictor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPredictor creates a predictor against the sidecar base URL.
func NewHTTPPredictor(baseURL string) *HTTPPredictor {
	return &HTTPPredictor{
		baseURL: baseURL,
		// Per-call deadlines come from the caller's context; the transport
		// timeout is a backstop for connection setup.
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type predictResponse struct {
	IsAttack    int     `json:"is_attack"`
	Probability float64 `json:"probability"`
}

// Predict posts the ordered feature vector and returns the probability
// score in [0,1]. Any transport or decode failure is returned as an error;
// the scorer degrades it to a neutral score.
func (p *HTTPPredictor) Predict(ctx context.Context, features []float64) (float64, error) {
	if len(features) != len(FeatureNames) {
		return 0, fmt.Errorf("expected %d features, got %d", len(FeatureNames), len(features))
	}

	payload := make(map[string]float64, len(features))
	for i, name := range FeatureNames {
		payload[name] = features[i]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("predict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("predict returned status %d", resp.StatusCode)
	}

	var parsed predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode predict response: %w", err)
	}

	return parsed.Probability, nil
}
