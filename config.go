package realtime

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/linguaflow/realtime/shared"
)

// Defaults applied when the backend omits the optional session fields. A
// session can proceed on these; only the client secret is indispensable.
const (
	DefaultVoice = "alloy"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
)

const tokenPath = "/get-ephemeral-token"

func defaultModalities() []string {
	return []string{"text", "audio"}
}

// SessionConfig is the short-lived per-session configuration issued by the
// backend. Immutable once fetched; discarded at session end.
type SessionConfig struct {
	ClientSecret string
	Instructions string
	Voice        string
	Model        string
	Modalities   []string
}

// SessionConfigFetcher requests session credentials from the app backend for
// a learning level and speech rate. It never retries; retry is the caller
// starting the session again.
type SessionConfigFetcher struct {
	logger   shared.LoggerAdapter
	endpoint string
}

func NewSessionConfigFetcher(logger shared.LoggerAdapter, backendURL string) (*SessionConfigFetcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if backendURL == "" {
		return nil, shared.ErrNoEndpoint
	}
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	return &SessionConfigFetcher{
		logger:   logger,
		endpoint: u.JoinPath(tokenPath).String(),
	}, nil
}

type tokenRequest struct {
	Code  *int    `json:"code,omitempty"`
	Speed float64 `json:"speed"`
}

type tokenResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
	Instructions string   `json:"instructions"`
	Voice        string   `json:"voice"`
	Model        string   `json:"model"`
	Modalities   []string `json:"modalities"`
}

// Fetch obtains the session config. Every failure mode (network, non-2xx,
// malformed body, blank credential) wraps shared.ErrConfigFetch.
func (f *SessionConfigFetcher) Fetch(ctx context.Context, levelID *int, speed float64) (*SessionConfig, error) {
	body, err := sonic.Marshal(tokenRequest{Code: levelID, Speed: speed})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %s", shared.ErrConfigFetch, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(f.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		// Do may still be writing into req and resp; hand them back to the
		// pool only once it returns.
		go func() {
			<-errC
			release()
		}()
		return nil, fmt.Errorf("%w: %s", shared.ErrConfigFetch, ctx.Err())
	case err := <-errC:
		defer release()
		if err != nil {
			return nil, fmt.Errorf("%w: performing HTTP request: %s", shared.ErrConfigFetch, err)
		}
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: unexpected status code: %d, body: %s", shared.ErrConfigFetch, status, resp.Body())
	}

	var token tokenResponse
	if err := sonic.Unmarshal(resp.Body(), &token); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling response: %s", shared.ErrConfigFetch, err)
	}
	// A blank credential cannot authenticate the signaling exchange, so it is
	// fatal even on HTTP success.
	if token.ClientSecret.Value == "" {
		return nil, fmt.Errorf("%w: empty client secret in response", shared.ErrConfigFetch)
	}

	cfg := &SessionConfig{
		ClientSecret: token.ClientSecret.Value,
		Instructions: token.Instructions,
		Voice:        token.Voice,
		Model:        token.Model,
		Modalities:   token.Modalities,
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = defaultModalities()
	}
	f.logger.Debug(
		"session config fetched",
		zap.String("model", cfg.Model),
		zap.String("voice", cfg.Voice),
		zap.Strings("modalities", cfg.Modalities),
	)
	return cfg, nil
}
