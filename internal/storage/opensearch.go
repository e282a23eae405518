package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/crowsnest-security/crowsnest/internal/event"
)

// OpenSearchConfig holds connection settings for the raw event store.
type OpenSearchConfig struct {
	URL           string
	Username      string
	Password      string
	Insecure      bool
	IndexPrefix   string
	SigningSecret string
}

// eventEnvelope is the indexed document. Signature covers the serialized
// event so stored telemetry can be verified against tampering.
type eventEnvelope struct {
	IngestedAt time.Time    `json:"ingested_at"`
	Source     string       `json:"source"`
	Event      *event.Event `json:"event"`
	Signature  string       `json:"signature,omitempty"`
}

// OpenSearchStore implements the pipeline EventStore. Events land in
// daily indices named <prefix>-YYYY.MM.DD.
type OpenSearchStore struct {
	client *opensearch.Client
	cfg    OpenSearchConfig
	now    func() time.Time
}

// NewOpenSearchStore creates the client and verifies connectivity.
func NewOpenSearchStore(cfg OpenSearchConfig) (*OpenSearchStore, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "crowsnest-events"
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	return &OpenSearchStore{client: client, cfg: cfg, now: time.Now}, nil
}

// StoreRawEvent indexes a normalized event into the current daily index.
func (s *OpenSearchStore) StoreRawEvent(ctx context.Context, ev *event.Event) error {
	env := eventEnvelope{
		IngestedAt: s.now().UTC(),
		Source:     ev.Source,
		Event:      ev,
	}

	if s.cfg.SigningSecret != "" {
		sig, err := signEvent(s.cfg.SigningSecret, ev)
		if err != nil {
			return fmt.Errorf("failed to sign event: %w", err)
		}
		env.Signature = sig
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	req := opensearchapi.IndexRequest{
		Index: s.indexName(env.IngestedAt),
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to index event: %s - %s", res.Status(), string(msg))
	}

	return nil
}

func (s *OpenSearchStore) indexName(t time.Time) string {
	return fmt.Sprintf("%s-%s", s.cfg.IndexPrefix, t.Format("2006.01.02"))
}

// signEvent computes an HMAC-SHA256 over the canonical JSON encoding of
// the event.
func signEvent(secret string, ev *event.Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyEventSignature reports whether sig matches the event under the
// given secret.
func VerifyEventSignature(secret string, ev *event.Event, sig string) bool {
	want, err := signEvent(secret, ev)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sig))
}
