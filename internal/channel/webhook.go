package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

// WebhookConfig configures the HTTP channel.
type WebhookConfig struct {
	Listen string // host:port (default: 127.0.0.1:9090)
	Path   string // retrieval endpoint (default: /api/retrieve)
	Secret string // HMAC secret for verifying request signatures
	// Routes are mounted alongside the endpoint, e.g. /metrics.
	Routes  map[string]http.Handler
	Gateway *Gateway
	Logger  *slog.Logger
}

// Webhook serves retrievals over HTTP so other tools can reuse the bot's
// handler chains. Requests block until the retrieval finishes.
type Webhook struct {
	listen  string
	path    string
	secret  string
	routes  map[string]http.Handler
	gateway *Gateway
	logger  *slog.Logger
	server  *http.Server
}

// WebhookPayload is the expected JSON body for retrieval requests.
type WebhookPayload struct {
	Text        string `json:"text"`                  // free text or a single URL
	UserID      string `json:"user_id,omitempty"`     // admission queue key
	Format      string `json:"format,omitempty"`      // e.g. video_720, audio_mp3
	Interaction bool   `json:"interaction,omitempty"` // run as an interaction
}

// WebhookResponse is the JSON reply.
type WebhookResponse struct {
	Status  string                  `json:"status"`
	Content string                  `json:"content,omitempty"`
	Results []domain.ProcessedMedia `json:"results"`
}

// NewWebhook creates a new HTTP channel handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/api/retrieve"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9090"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		listen:  cfg.Listen,
		path:    cfg.Path,
		secret:  cfg.Secret,
		routes:  cfg.Routes,
		gateway: cfg.Gateway,
		logger:  cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "http" }

// Handler returns the channel's routes.
func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	if w.gateway != nil {
		mux.HandleFunc(w.path, w.handleRetrieve)
	}
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusNoContent)
	})
	for pattern, h := range w.routes {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start serves HTTP until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.listen,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("http server starting", "listen", w.listen, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("http server shutting down")
		return w.Stop()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (w *Webhook) Stop() error {
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}

func (w *Webhook) handleRetrieve(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Text == "" {
		http.Error(rw, "Text is required", http.StatusBadRequest)
		return
	}

	req := Request{
		Text:      payload.Text,
		UserID:    payload.UserID,
		Initiator: domain.InitiatorMessage,
		Options:   ParseFormat(payload.Format),
	}
	if payload.Interaction {
		req.Initiator = domain.InitiatorInteraction
		req.Single = true
	}

	w.logger.Info("http retrieval request", "user_id", payload.UserID, "text_len", len(payload.Text), "interaction", payload.Interaction)

	reply := w.gateway.Handle(r.Context(), req)
	resp := WebhookResponse{Content: reply.Content, Results: reply.Results}
	status := http.StatusOK
	switch reply.Status {
	case ReplyOK:
		resp.Status = "ok"
	case ReplyNoURLs:
		resp.Status = "no_urls"
		status = http.StatusUnprocessableEntity
	case ReplyEmpty:
		resp.Status = "failed"
		status = http.StatusBadGateway
	}
	if resp.Results == nil {
		resp.Results = []domain.ProcessedMedia{}
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(resp)
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
