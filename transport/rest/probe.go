package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/c0deZ3R0/relsync/synckit"
)

// Probe reports connectivity by issuing a HEAD request to a health URL.
// Any response below 500 counts as online.
type Probe struct {
	url     string
	client  *http.Client
	timeout time.Duration
	headers http.Header
}

var _ synckit.Connectivity = (*Probe)(nil)

// NewProbe returns a probe for target. A zero timeout defaults to 3s.
func NewProbe(target string, client *http.Client, timeout time.Duration) *Probe {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Probe{url: target, client: client, timeout: timeout, headers: make(http.Header)}
}

// Probe returns a connectivity probe against the client's base URL that
// carries the same credentials.
func (c *Client) Probe(timeout time.Duration) *Probe {
	p := NewProbe(c.baseURL+"/", c.http, timeout)
	p.headers = c.headers.Clone()
	return p
}

// Online implements synckit.Connectivity.
func (p *Probe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	for k, vs := range p.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
