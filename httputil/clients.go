package httputil

import (
	"net/http"
	"net/url"
	"time"
)

type Clients struct {
	Download *http.Client // snapshot downloads, optionally proxied
	API      *http.Client // short calls with a fixed timeout
}

// NewClients builds the shared HTTP clients. A zero downloadTimeout leaves
// downloads unbounded; cancellation then only comes from the context.
func NewClients(proxyURL string, downloadTimeout time.Duration) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	return &Clients{
		Download: &http.Client{
			Timeout:   downloadTimeout,
			Transport: transport,
		},
		API: &http.Client{Timeout: 30 * time.Second},
	}
}
