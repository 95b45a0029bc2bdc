package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPProber checks a proxy by fetching a known-good URL through it.
// net/http routes both http and socks5 proxy schemes natively.
type HTTPProber struct {
	// ProbeURL defaults to a lightweight generate_204-style endpoint.
	ProbeURL string
}

const defaultProbeURL = "https://www.gstatic.com/generate_204"

func (h *HTTPProber) Probe(ctx context.Context, px Proxy) (time.Duration, error) {
	probeURL := h.ProbeURL
	if probeURL == "" {
		probeURL = defaultProbeURL
	}

	proxyURL := &url.URL{
		Scheme: string(px.Endpoint.Type),
		Host:   fmt.Sprintf("%s:%d", px.Endpoint.Host, px.Endpoint.Port),
	}
	if px.Endpoint.Username != "" {
		proxyURL.User = url.UserPassword(px.Endpoint.Username, px.Endpoint.Password)
	}

	transport := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
	}
	client := &http.Client{Transport: transport}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	took := time.Since(start)
	if resp.StatusCode >= 400 {
		return took, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return took, nil
}
