package realtime

import (
	"context"
	"fmt"
	"net/url"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/linguaflow/realtime/shared"
)

// DefaultRealtimeEndpoint is the SDP exchange endpoint of the realtime API.
const DefaultRealtimeEndpoint = "https://api.openai.com/v1/realtime"

// SignalingExchanger performs the single SDP offer/answer round trip of a
// connection attempt, bearer-authenticated with the ephemeral client secret.
type SignalingExchanger struct {
	logger   shared.LoggerAdapter
	endpoint string
}

func NewSignalingExchanger(logger shared.LoggerAdapter, endpoint string) (*SignalingExchanger, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if endpoint == "" {
		endpoint = DefaultRealtimeEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parsing realtime endpoint: %w", err)
	}
	return &SignalingExchanger{
		logger:   logger,
		endpoint: endpoint,
	}, nil
}

// Exchange posts the local SDP offer and returns the remote answer. Non-2xx
// responses and empty bodies are fatal; there is no partial success in SDP
// exchange. All failures wrap shared.ErrSignaling.
func (x *SignalingExchanger) Exchange(ctx context.Context, offerSDP, model, clientSecret string) (string, error) {
	if offerSDP == "" {
		return "", fmt.Errorf("%w: empty SDP offer", shared.ErrSignaling)
	}
	if clientSecret == "" {
		return "", fmt.Errorf("%w: empty client secret", shared.ErrSignaling)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(x.endpoint + "?model=" + url.QueryEscape(model))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/sdp")
	req.Header.Set("Authorization", "Bearer "+clientSecret)
	req.SetBodyString(offerSDP)

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
		return "", fmt.Errorf("%w: %s", shared.ErrSignaling, ctx.Err())
	case err := <-errC:
		defer release()
		if err != nil {
			return "", fmt.Errorf("%w: performing HTTP request: %s", shared.ErrSignaling, err)
		}
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return "", fmt.Errorf("%w: unexpected status code: %d, body: %s", shared.ErrSignaling, status, resp.Body())
	}
	answer := string(resp.Body())
	if answer == "" {
		return "", fmt.Errorf("%w: empty SDP answer in response", shared.ErrSignaling)
	}
	x.logger.Debug("SDP answer received", zap.Int("bytes", len(answer)))
	return answer, nil
}
