// Package fetch provides the HTTP client family used for playlists, keys and segments.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds every request made by a Client.
const DefaultTimeout = 30 * time.Second

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	mediaUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	acceptLanguage   = "zh-CN,zh;q=0.9,en;q=0.8"
)

// Getter performs a single GET and returns the response body.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Client issues GET requests carrying a fixed header profile.
type Client struct {
	http    *http.Client
	headers http.Header
}

// NewBrowser returns a client with the full desktop-browser header set used for playlists.
func NewBrowser(timeout time.Duration) *Client {
	h := http.Header{}
	h.Set("User-Agent", browserUserAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", acceptLanguage)
	return newClient(timeout, h)
}

// NewMedia returns a client with the simplified header set used for keys and segments.
func NewMedia(timeout time.Duration) *Client {
	h := http.Header{}
	h.Set("User-Agent", mediaUserAgent)
	h.Set("Accept", "*/*")
	return newClient(timeout, h)
}

func newClient(timeout time.Duration, headers http.Header) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		headers: headers,
	}
}

// Get fetches rawURL and returns the body. Any status outside 2xx yields a *StatusError.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = append([]string(nil), v...)
	}
	if ref := Referer(req.URL); ref != "" {
		req.Header.Set("Referer", ref)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Referer derives "https://<domain>/" from u. Hosts that are IP literals have no
// domain and produce an empty string.
func Referer(u *url.URL) string {
	if u == nil {
		return ""
	}
	host := u.Hostname()
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	return "https://" + host + "/"
}
