package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"
)

const maxAPIBody = 4 << 20

// RapidAPI is a paced client for one RapidAPI-hosted scraper.
type RapidAPI struct {
	host    string
	baseURL string
	key     string
	client  *http.Client
	limiter *rate.Limiter
	schema  *gojsonschema.Schema
	logger  *slog.Logger
}

// RapidAPIConfig configures a RapidAPI client.
type RapidAPIConfig struct {
	Host    string // e.g. instagram-scraper-api2.p.rapidapi.com
	BaseURL string // defaults to https://<Host>/
	Key     string
	Client  *http.Client
	Limiter *rate.Limiter
	Schema  string // JSON schema every response must satisfy
	Logger  *slog.Logger
}

func NewRapidAPI(cfg RapidAPIConfig) (*RapidAPI, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://" + cfg.Host + "/"
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	api := &RapidAPI{
		host:    cfg.Host,
		baseURL: cfg.BaseURL,
		key:     cfg.Key,
		client:  cfg.Client,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
	}
	if cfg.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(cfg.Schema))
		if err != nil {
			return nil, fmt.Errorf("compile response schema for %s: %w", cfg.Host, err)
		}
		api.schema = schema
	}
	return api, nil
}

// Get calls path and decodes the validated response into out.
func (a *RapidAPI) Get(ctx context.Context, path string, out any) error {
	return a.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the validated response into out.
func (a *RapidAPI) Post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return a.do(ctx, http.MethodPost, path, payload, out)
}

func (a *RapidAPI) do(ctx context.Context, method, path string, payload []byte, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", a.host, err)
	}

	resp, err := doWithRetry(ctx, a.client, func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+strings.TrimPrefix(path, "/"), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-RapidAPI-Key", a.key)
		req.Header.Set("X-RapidAPI-Host", a.host)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, a.logger)
	if err != nil {
		return fmt.Errorf("%s %s: %w", a.host, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", a.host, err)
	}

	if a.schema != nil {
		result, err := a.schema.Validate(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return fmt.Errorf("%s: response is not JSON: %w", a.host, err)
		}
		if !result.Valid() {
			problems := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				problems = append(problems, e.String())
			}
			return fmt.Errorf("%s: unexpected response shape: %s", a.host, strings.Join(problems, "; "))
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", a.host, err)
	}
	return nil
}
