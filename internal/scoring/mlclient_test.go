package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPredictor_Predict(t *testing.T) {
	var received map[string]float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/predict", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]any{"is_attack": 1, "probability": 0.87})
	}))
	defer srv.Close()

	p := NewHTTPPredictor(srv.URL)
	features := make([]float64, len(FeatureNames))
	features[featFailedLogins] = 6

	score, err := p.Predict(context.Background(), features)
	require.NoError(t, err)
	assert.Equal(t, 0.87, score)
	assert.Equal(t, 6.0, received["failed_login_attempts"])
	assert.Len(t, received, len(FeatureNames))
}

func TestHTTPPredictor_WrongFeatureCount(t *testing.T) {
	p := NewHTTPPredictor("http://unused")
	_, err := p.Predict(context.Background(), []float64{1, 2, 3})
	assert.Error(t, err)
}

func TestHTTPPredictor_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPPredictor(srv.URL)
	_, err := p.Predict(context.Background(), make([]float64, len(FeatureNames)))
	assert.Error(t, err)
}

func TestHTTPPredictor_ContextDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	p := NewHTTPPredictor(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Predict(ctx, make([]float64, len(FeatureNames)))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScorer_SlowPredictorBounded(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	s := NewScorer(NewHTTPPredictor(srv.URL), 100*time.Millisecond, nil)

	start := time.Now()
	d := s.Score(context.Background(), nil, testEvent())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, d.IsThreat)
}
