package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-catalog/config"
)

const backendURL = "http://shop.test/search?q=tv&page=1"

func TestCollyBackendSendsIdentity(t *testing.T) {
	mock := httpmock.NewMockTransport()
	identity := config.DefaultIdentities()[2]

	mock.RegisterResponder(http.MethodGet, backendURL, func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("User-Agent"); got != identity.UserAgent {
			t.Errorf("user agent = %q", got)
		}
		if got := req.Header.Get("Accept-Language"); got != identity.AcceptLanguage {
			t.Errorf("accept language = %q", got)
		}
		resp := httpmock.NewStringResponse(http.StatusOK, "<html>ok</html>")
		resp.Header.Set("Set-Cookie", "sid=abc; Path=/")
		return resp, nil
	})

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("jar: %v", err)
	}
	backend := NewCollyBackend(config.DefaultConfig(), mock)
	resp, err := backend.Get(context.Background(), &Request{URL: backendURL, Identity: identity, Jar: jar})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "<html>ok</html>" {
		t.Fatalf("response = %d %q", resp.StatusCode, resp.Body)
	}

	u, _ := url.Parse(backendURL)
	cookies := jar.Cookies(u)
	if len(cookies) != 1 || cookies[0].Name != "sid" {
		t.Fatalf("cookies = %v", cookies)
	}
}

func TestCollyBackendReturnsErrorStatus(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, backendURL, httpmock.NewStringResponder(http.StatusTooManyRequests, "slow down"))

	backend := NewCollyBackend(config.DefaultConfig(), mock)
	resp, err := backend.Get(context.Background(), &Request{URL: backendURL, Identity: config.DefaultIdentities()[0]})
	if err != nil {
		t.Fatalf("status responses are not transport errors: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !errors.As(classifyError(nil, resp.StatusCode), new(ErrRateLimited)) {
		t.Fatalf("429 should classify as rate limited")
	}
}

func TestCollyBackendTransportError(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, backendURL, httpmock.NewErrorResponder(errors.New("connection refused")))

	backend := NewCollyBackend(config.DefaultConfig(), mock)
	resp, err := backend.Get(context.Background(), &Request{URL: backendURL, Identity: config.DefaultIdentities()[0]})
	if err == nil || resp != nil {
		t.Fatalf("expected transport error, got %v %v", resp, err)
	}
	if !errors.As(classifyError(err, 0), new(ErrConnection)) {
		t.Fatalf("transport error should classify as connection, got %T", classifyError(err, 0))
	}
}
