// Package transport is the HTTP collaborator of the sync engine: it sends
// batch requests, streams row queries and listens for change notifications
// of a tabsync server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maruel/tabsync/internal/cdc"
	"github.com/maruel/tabsync/internal/query"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// StatusError is returned when the server answers with a non 200 status.
type StatusError struct {
	Method string
	URL    string
	Code   int
	// Reason is the machine readable code of a JSON error body, if any.
	Reason string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.Code, http.StatusText(e.Code), e.Body)
}

// Options configures a Client.
type Options struct {
	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	// Timeout bounds a whole request, streaming included. Zero means 1 minute.
	Timeout time.Duration
	// TokenSource authenticates requests with bearer tokens. Nil sends none.
	TokenSource oauth2.TokenSource
	// Rate limits outgoing requests. Zero means unlimited.
	Rate  rate.Limit
	Burst int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to a tabsync server. It implements engine.Client.
type Client struct {
	base    *url.URL
	hc      *http.Client
	ts      oauth2.TokenSource
	limiter *rate.Limiter
	log     *slog.Logger
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.TokenSource != nil {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc = &http.Client{
			Transport:     &oauth2.Transport{Source: opts.TokenSource, Base: base},
			CheckRedirect: hc.CheckRedirect,
			Jar:           hc.Jar,
			Timeout:       hc.Timeout,
		}
	}
	r := opts.Rate
	if r == 0 {
		r = rate.Inf
	}
	c := &Client{
		base:    u,
		hc:      hc,
		ts:      opts.TokenSource,
		limiter: rate.NewLimiter(r, max(opts.Burst, 1)),
		log:     opts.Logger,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("server", u.Host)
	return c, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path += path
	return u.String()
}

// post sends body and returns the response when its status is 200.
func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		se := &StatusError{Method: http.MethodPost, URL: u, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && json.Unmarshal(b, &body) == nil {
			se.Reason = body.Code
			se.Body = body.Error
		}
		return nil, se
	}
	return resp, nil
}

// Sync sends one batch request.
func (c *Client) Sync(ctx context.Context, req *cdc.Request) (*cdc.Response, error) {
	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/sync", "application/xml", &buf)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	out, err := cdc.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sync response: %w", err)
	}
	c.log.Debug("Synced", "tables", len(req.Tables), "stamp", out.SyncStamp)
	return out, nil
}

// Query implements query.Querier. The request is sent when the sequence is
// first iterated and rows are decoded as they arrive.
func (c *Client) Query(ctx context.Context, q *query.Query) iter.Seq2[query.Record, error] {
	return func(yield func(query.Record, error) bool) {
		body, err := json.Marshal(q)
		if err != nil {
			yield(nil, err)
			return
		}
		resp, err := c.post(ctx, "/query", "application/json", bytes.NewReader(body))
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		d := json.NewDecoder(resp.Body)
		d.UseNumber()
		for {
			var rec query.Record
			if err := d.Decode(&rec); err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, fmt.Errorf("failed to decode %s row: %w", q.Table, err))
				}
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
