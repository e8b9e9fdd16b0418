// Package ledger reads escrow and identity state through the node's view
// endpoint and forwards signed submissions to a wallet relay.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"zkescrow/internal/config"
	"zkescrow/internal/domain"
)

var viewCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zkescrow",
	Subsystem: "ledger",
	Name:      "view_calls_total",
	Help:      "View function calls by function and outcome.",
}, []string{"function", "outcome"})

// Names builds fully qualified module function names.
type Names struct {
	Contract      string
	JobModule     string
	DIDModule     string
	ProfileModule string
}

func NamesFromConfig(c config.LedgerConfig) Names {
	return Names{
		Contract:      c.ContractAddress,
		JobModule:     c.JobModule,
		DIDModule:     c.DIDModule,
		ProfileModule: c.ProfileModule,
	}
}

func (n Names) Job(fn string) string     { return n.Contract + "::" + n.JobModule + "::" + fn }
func (n Names) DID(fn string) string     { return n.Contract + "::" + n.DIDModule + "::" + fn }
func (n Names) Profile(fn string) string { return n.Contract + "::" + n.ProfileModule + "::" + fn }

// Client calls POST {node}/v1/view.
type Client struct {
	NodeURL    string
	APIKey     string
	Names      Names
	HTTPClient *http.Client
	Timeout    time.Duration
	Log        *zap.Logger
}

func New(c config.LedgerConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := time.Duration(c.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		NodeURL: strings.TrimRight(c.NodeURL, "/"),
		APIKey:  c.APIKey,
		Names:   NamesFromConfig(c),
		Timeout: timeout,
		Log:     log,
	}
}

type viewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// View runs one view function and returns its raw return values.
func (c *Client) View(ctx context.Context, function string, args ...any) ([]json.RawMessage, error) {
	out, err := c.view(ctx, function, args)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.Log.Warn("ledger view failed", zap.String("function", function), zap.Error(err))
		err = domain.LedgerQueryError{Function: shortName(function), Err: err}
	}
	viewCalls.WithLabelValues(shortName(function), outcome).Inc()
	return out, err
}

func (c *Client) view(ctx context.Context, function string, args []any) ([]json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(viewRequest{Function: function, TypeArguments: []string{}, Arguments: args})
	if err != nil {
		return nil, err
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.NodeURL+"/v1/view", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var values []json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode view result: %w", err)
	}
	return values, nil
}

func shortName(function string) string {
	if i := strings.LastIndex(function, "::"); i >= 0 {
		return function[i+2:]
	}
	return function
}

// first decodes the first return value into v.
func first(function string, values []json.RawMessage, v any) error {
	if len(values) == 0 {
		return domain.LedgerQueryError{Function: shortName(function), Err: errors.New("empty result")}
	}
	if err := json.Unmarshal(values[0], v); err != nil {
		return domain.LedgerQueryError{Function: shortName(function), Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (c *Client) viewInto(ctx context.Context, function string, v any, args ...any) error {
	values, err := c.View(ctx, function, args...)
	if err != nil {
		return err
	}
	return first(function, values, v)
}
