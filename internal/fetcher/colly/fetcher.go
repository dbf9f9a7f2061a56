// Package collyfetcher implements the session-aware HTTP client on top of gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/metrics"
	"github.com/JakeFAU/gazette-sync/internal/policy/ratelimit"
)

// DefaultUserAgent is sent with every request unless Config overrides it.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// DefaultTimeout bounds a single attempt. Portals are slow.
const DefaultTimeout = 300 * time.Second

const formContentType = "application/x-www-form-urlencoded"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Retry     crawler.RetryPolicy
	// Limiter spaces requests per host; nil disables limiting.
	Limiter *ratelimit.Limiter
	// Pauser waits between attempts; defaults to crawler.TimerPauser.
	Pauser crawler.Pauser
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retry.MaxAttempts == 0 && c.Retry.BackoffBase == 0 {
		c.Retry = crawler.NewRetryPolicy()
	}
	if c.Pauser == nil {
		c.Pauser = crawler.TimerPauser{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Fetcher hands out independent sessions sharing one configuration.
type Fetcher struct {
	cfg Config
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg.withDefaults()}
}

// NewSession starts a session with an empty cookie store.
func (f *Fetcher) NewSession() (*Session, error) {
	return newSession(f.cfg)
}

// Fetch runs a single request on a throwaway session.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	s, err := f.NewSession()
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return s.Fetch(ctx, request)
}

// Session is one logical browsing context: a collector whose backend owns a
// private cookie jar. A session must not be shared between goroutines that
// process different date partitions.
type Session struct {
	cfg       Config
	mu        sync.Mutex
	collector *colly.Collector
	jar       http.CookieJar
}

func newSession(cfg Config) (*Session, error) {
	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(0),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	s := &Session{cfg: cfg, collector: c}
	if err := s.resetJar(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reset discards every cookie the session has accumulated.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetJar()
}

func (s *Session) resetJar() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	s.jar = jar
	s.collector.SetCookieJar(jar)
	return nil
}

// Cookies returns the cookies the session would send to rawURL.
func (s *Session) Cookies(rawURL string) []*http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collector.Cookies(crawler.NormalizeURL(rawURL))
}

// Fetch performs one logical request, retrying transient failures per the
// session's RetryPolicy. Non-retryable HTTP statuses surface after a single
// attempt as *crawler.HTTPError.
func (s *Session) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if request.URL == "" {
		return crawler.FetchResponse{}, fmt.Errorf("empty url: %w", crawler.ErrInvalidRequest)
	}
	request.URL = crawler.NormalizeURL(request.URL)
	if request.Method == "" {
		request.Method = http.MethodGet
		if request.Body != nil {
			request.Method = http.MethodPost
		}
	}
	logger := s.cfg.Logger.With(zap.String("url", request.URL), zap.String("method", request.Method))

	policy := s.cfg.Retry
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch canceled: %w", err)
		}
		if err := s.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, err
		}
		resp, err := s.attempt(request)
		if err == nil {
			resp.Attempts = attempt
			metrics.ObserveFetch(request.URL, "ok", len(resp.Body))
			return resp, nil
		}
		metrics.ObserveFetch(request.URL, outcomeLabel(err), 0)
		if !policy.ShouldRetry(err, attempt) {
			logger.Warn("fetch failed", zap.Int("attempt", attempt), zap.Error(err))
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s after %d attempt(s): %w", request.URL, attempt, err)
		}
		wait := policy.Backoff(attempt)
		logger.Info("retrying fetch", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		metrics.ObserveRetry(request.URL)
		if err := s.cfg.Pauser.Pause(ctx, wait); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
}

func (s *Session) attempt(request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result    crawler.FetchResponse
		fetchErr  error
		responded bool
	)
	start := time.Now()
	collector := s.collector.Clone()
	if request.NoRedirect {
		collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})
	} else {
		collector.SetRedirectHandler(limitRedirects)
	}

	collector.OnResponse(func(r *colly.Response) {
		responded = true
		effective := request.URL
		if r.Request != nil && r.Request.URL != nil {
			effective = r.Request.URL.String()
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		if !acceptable(r.StatusCode, request.NoRedirect) {
			fetchErr = &crawler.HTTPError{StatusCode: r.StatusCode, URL: effective, Header: headers}
			return
		}
		result = crawler.FetchResponse{
			URL:        effective,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		responded = true
		if r != nil && r.StatusCode != 0 && !acceptable(r.StatusCode, request.NoRedirect) {
			var headers http.Header
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			fetchErr = &crawler.HTTPError{StatusCode: r.StatusCode, URL: request.URL, Header: headers}
			return
		}
		fetchErr = err
	})

	err := collector.Request(request.Method, request.URL, bodyReader(request.Body), nil, s.headers(request))
	switch {
	case fetchErr != nil:
		return crawler.FetchResponse{}, fetchErr
	case err != nil && !responded:
		if isNetworkError(err) {
			return crawler.FetchResponse{}, fmt.Errorf("colly request: %w", err)
		}
		return crawler.FetchResponse{}, fmt.Errorf("colly request: %w: %w", crawler.ErrInvalidRequest, err)
	case err != nil:
		return crawler.FetchResponse{}, fmt.Errorf("colly request: %w", err)
	case !responded:
		return crawler.FetchResponse{}, errors.New("colly request produced no response")
	}
	return result, nil
}

func (s *Session) headers(request crawler.FetchRequest) http.Header {
	hdr := http.Header{}
	for key, values := range request.Headers {
		for _, v := range values {
			hdr.Add(key, v)
		}
	}
	hdr.Set("User-Agent", s.cfg.UserAgent)
	if request.Referer != "" {
		hdr.Set("Referer", request.Referer)
	}
	if request.Method == http.MethodPost && hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", formContentType)
	}
	return hdr
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

func acceptable(code int, noRedirect bool) bool {
	if code >= 200 && code < 300 {
		return true
	}
	return noRedirect && code >= 300 && code < 400
}

func limitRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	return nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	var opErr *net.OpError
	return errors.As(err, &netErr) || errors.As(err, &opErr)
}

func outcomeLabel(err error) string {
	if code := crawler.StatusCode(err); code != 0 {
		return fmt.Sprintf("http_%d", code)
	}
	return "error"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
