package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gambitbot/gambit/internal/config"
	"github.com/gambitbot/gambit/internal/httpkit"
)

// Bridge is an HTTP adapter for a decision service that speaks a
// minimal JSON contract: POST {prompt} to the endpoint, receive
// {text}. Provider-specific wire formats live behind the service, not
// here.
type Bridge struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

type decideRequest struct {
	Prompt string `json:"prompt"`
}

type decideResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// NewBridge creates a Bridge from config. The HTTP client carries no
// global timeout; callers bound each Decide with a context deadline.
func NewBridge(cfg config.ModelConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		logger: logger.With("component", "model"),
		httpClient: httpkit.NewClient(
			// Decision calls can run long; ctx deadlines control timeout.
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		),
	}
}

// Decide posts the prompt and returns the response text. Status codes
// map onto the error taxonomy: 401/403 and other 4xx are permanent,
// 408/429/5xx and connection errors are transient.
func (b *Bridge) Decide(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(decideRequest{Prompt: prompt})
	if err != nil {
		return "", Permanent("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return "", Permanent("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", Transient("decide: %w", ctx.Err())
		}
		return "", Transient("decide: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		b.logger.Error("decision service error",
			"status", resp.StatusCode, "body", errBody)
		return "", classifyStatus(resp.StatusCode, errBody)
	}

	var dr decideResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", Transient("decode response: %w", err)
	}
	if dr.Error != "" {
		return "", Transient("decision service: %s", dr.Error)
	}

	b.logger.Debug("decision received",
		"latency", time.Since(start).Round(time.Millisecond),
		"response_len", len(dr.Text),
	)
	return dr.Text, nil
}

// Ping checks the service is reachable and the key is accepted.
func (b *Bridge) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping decision service: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("decision service rejected credentials (status %d)", resp.StatusCode)
	}
	return nil
}

func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient("decision service error %d: %s", status, body)
	default:
		return Permanent("decision service error %d: %s", status, body)
	}
}
