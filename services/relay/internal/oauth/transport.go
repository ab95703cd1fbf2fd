package oauth

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/nguyenvantinh06/oauth-relay/services/shared/metrics"
)

// NewTransport returns the pooled transport used for provider calls. A nil
// tlsConfig uses the system roots.
func NewTransport(tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		TLSClientConfig: tlsConfig,
		Proxy:           http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// instrumentedTransport records every provider round trip.
type instrumentedTransport struct {
	provider  string
	transport http.RoundTripper
	metrics   *metrics.Metrics
}

// InstrumentedClient returns an HTTP client whose requests are recorded
// under the provider's name.
func InstrumentedClient(provider string, rt http.RoundTripper, m *metrics.Metrics, timeout time.Duration) *http.Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	if m != nil {
		rt = &instrumentedTransport{provider: provider, transport: rt, metrics: m}
	}
	return &http.Client{Transport: rt, Timeout: timeout}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.transport.RoundTrip(req)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	t.metrics.RecordUpstreamRequest(t.provider, req.Method, status, time.Since(start))
	return resp, err
}
