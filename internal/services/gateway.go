package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// Gateway is the remote pipeline: a status snapshot plus the three stage triggers.
type Gateway interface {
	Status(ctx context.Context, r models.DateRange) ([]models.FileRecord, error)
	BuildTask(ctx context.Context, r models.DateRange) error
	Download(ctx context.Context) error
	Import(ctx context.Context, files []models.FileRecord) ([]models.FileRecord, error)
}

// Gateway call names, used in errors, logs and metrics.
const (
	callStatus    = "status"
	callBuildTask = "build-task"
	callDownload  = "download"
	callImport    = "import"
)

// HTTPGatewayConfig configures HTTPGateway.
type HTTPGatewayConfig struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// StatusRetries is the number of extra attempts for the idempotent status call.
	StatusRetries int
	// RetryBackoff is the first retry delay; it doubles on each attempt.
	RetryBackoff time.Duration
}

// HTTPGateway talks to the remote pipeline services over JSON/HTTP.
type HTTPGateway struct {
	client *http.Client
	config HTTPGatewayConfig
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewHTTPGateway creates a gateway client. A nil client uses http.DefaultClient.
func NewHTTPGateway(cfg HTTPGatewayConfig, client *http.Client, clock clockwork.Clock, logger *slog.Logger) (*HTTPGateway, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base URL %q: %w", cfg.BaseURL, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGateway{
		client: client,
		config: cfg,
		clock:  clock,
		logger: logger.With("component", "gateway"),
	}, nil
}

// Status fetches the file-set snapshot for the range.
func (g *HTTPGateway) Status(ctx context.Context, r models.DateRange) ([]models.FileRecord, error) {
	q := url.Values{}
	q.Set("startDate", r.Start)
	q.Set("endDate", r.End)

	backoff := g.config.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= g.config.StatusRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-g.clock.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, &GatewayError{Call: callStatus, Err: ctx.Err()}
			}
		}

		var resp models.StatusResponse
		err := g.do(ctx, callStatus, http.MethodGet, "/status?"+q.Encode(), nil, &resp)
		if err == nil {
			return resp.Files, nil
		}
		lastErr = err

		var gerr *GatewayError
		if !errors.As(err, &gerr) || !gerr.transient() || ctx.Err() != nil {
			return nil, err
		}
		g.logger.Warn("Status call failed, will retry.",
			"attempt", attempt+1,
			"maxRetries", g.config.StatusRetries,
			"backoff", backoff.String(),
			"error", err,
		)
	}
	return nil, lastErr
}

// BuildTask asks the build-task service to produce the files for the range.
func (g *HTTPGateway) BuildTask(ctx context.Context, r models.DateRange) error {
	body := models.BuildTaskRequest{StartDate: r.Start, EndDate: r.End}
	return g.do(ctx, callBuildTask, http.MethodPost, "/build-task", body, nil)
}

// Download triggers the download agent for today's pending set.
func (g *HTTPGateway) Download(ctx context.Context) error {
	return g.do(ctx, callDownload, http.MethodPost, "/download", nil, nil)
}

// Import asks the import agent to load files and returns them with their updated import status.
func (g *HTTPGateway) Import(ctx context.Context, files []models.FileRecord) ([]models.FileRecord, error) {
	var resp models.ImportResponse
	if err := g.do(ctx, callImport, http.MethodPost, "/import", models.ImportRequest{Files: files}, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (g *HTTPGateway) do(ctx context.Context, call, method, path string, in, out any) error {
	if g.config.Token != "" && tokenExpired(g.config.Token, g.clock.Now()) {
		return &GatewayError{Call: call, Err: fmt.Errorf("bearer token expired: %w", ErrUnauthorized)}
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &GatewayError{Call: call, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.config.BaseURL+path, body)
	if err != nil {
		return &GatewayError{Call: call, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &GatewayError{Call: call, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &GatewayError{Call: call, StatusCode: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &GatewayError{Call: call, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// tokenExpired reports whether token is a JWT whose exp claim lies before now.
// Opaque tokens are never considered expired; the gateway decides.
func tokenExpired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(now)
}
