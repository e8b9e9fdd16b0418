package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"zkescrow/internal/domain"
)

// ErrNoSigner is returned when no wallet relay is configured.
var ErrNoSigner = errors.New("no signer configured")

// Signer signs and submits a payload, returning the transaction hash.
type Signer interface {
	Submit(ctx context.Context, payload domain.Payload) (string, error)
}

// RelaySigner hands payloads to an external wallet bridge over HTTP.
// The bridge answers {"hash": "0x..."}.
type RelaySigner struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type relayResponse struct {
	Hash  string `json:"hash"`
	Error string `json:"error,omitempty"`
}

func (s RelaySigner) Submit(ctx context.Context, payload domain.Payload) (string, error) {
	if strings.TrimSpace(s.URL) == "" {
		return "", ErrNoSigner
	}
	body, err := json.Marshal(map[string]any{"payload": payload})
	if err != nil {
		return "", err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay submit: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out relayResponse
	_ = json.Unmarshal(data, &out)
	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return "", fmt.Errorf("relay submit: status=%d %s", resp.StatusCode, msg)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("relay submit: response has no transaction hash")
	}
	return out.Hash, nil
}
