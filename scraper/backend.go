package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-catalog/config"
)

// Request is one page GET issued by the fetcher.
type Request struct {
	URL      string
	Identity config.Identity
	Jar      http.CookieJar
}

// Response is the raw result of a GET. Non-2xx statuses are responses, not
// errors; Get fails only when no response was received.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Backend performs page GETs. Implementations must honour ctx.
type Backend interface {
	Get(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// CollyBackend issues plain HTTP requests through a colly collector.
type CollyBackend struct {
	timeout       time.Duration
	respectRobots bool
	transport     http.RoundTripper
}

// NewCollyBackend builds the HTTP backend. A nil transport uses a tuned
// http.Transport.
func NewCollyBackend(cfg *config.Config, transport http.RoundTripper) *CollyBackend {
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	return &CollyBackend{
		timeout:       cfg.Timeout,
		respectRobots: cfg.RespectRobotsTxt,
		transport:     transport,
	}
}

// Get fetches req.URL with a fresh collector so cookies and headers never
// leak between sessions.
func (b *CollyBackend) Get(ctx context.Context, req *Request) (*Response, error) {
	collector := colly.NewCollector(
		colly.UserAgent(req.Identity.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.SetRequestTimeout(b.timeout)
	collector.IgnoreRobotsTxt = !b.respectRobots
	collector.WithTransport(contextTransport{ctx: ctx, base: b.transport})
	if req.Jar != nil {
		collector.SetCookieJar(req.Jar)
	}

	var (
		resp   *Response
		reqErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		if req.Identity.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", req.Identity.AcceptLanguage)
		}
		if req.Identity.Referer != "" {
			r.Headers.Set("Referer", req.Identity.Referer)
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	})
	collector.OnResponse(func(r *colly.Response) {
		resp = &Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       r.Body,
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			resp = &Response{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Body:       r.Body,
			}
			return
		}
		reqErr = err
	})

	visitErr := collector.Visit(req.URL)
	if resp != nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if reqErr == nil {
		reqErr = visitErr
	}
	if reqErr == nil {
		reqErr = fmt.Errorf("no response for %s", req.URL)
	}
	return nil, reqErr
}

// Close is a no-op; collectors are per request.
func (b *CollyBackend) Close() error { return nil }

// contextTransport binds outgoing requests to the caller's context, which
// colly does not plumb through on its own.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(r.WithContext(t.ctx))
}
