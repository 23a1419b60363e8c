package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"confroom/internal/core/ports"
)

// HTTPProber checks reachability of the signaling host with a plain HTTP
// request. Any answer below 500 counts as reachable.
type HTTPProber struct {
	url    string
	client *http.Client
}

var _ ports.NetworkProber = (*HTTPProber)(nil)

// NewHTTPProber probes probeURL, or the HTTP form of signalURL when
// probeURL is empty.
func NewHTTPProber(probeURL, signalURL string, timeout time.Duration) (*HTTPProber, error) {
	target := probeURL
	if target == "" {
		u, err := url.Parse(signalURL)
		if err != nil {
			return nil, fmt.Errorf("parse signal url: %w", err)
		}
		switch strings.ToLower(u.Scheme) {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		target = u.String()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProber{url: target, client: &http.Client{Timeout: timeout}}, nil
}

func (p *HTTPProber) URL() string { return p.url }

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: %s", p.url, resp.Status)
	}
	return nil
}
