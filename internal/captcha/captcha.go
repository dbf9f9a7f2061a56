// Package captcha establishes sessions on portals that gate their search
// form behind an image challenge.
package captcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/formstate"
	"github.com/JakeFAU/gazette-sync/internal/metrics"
)

// DefaultMaxAttempts bounds the solve/submit loop.
const DefaultMaxAttempts = 10

// ErrAttemptsExhausted is returned when every attempt was rejected.
var ErrAttemptsExhausted = errors.New("captcha attempts exhausted")

// Solver turns a challenge image into its text. Wrong answers are expected
// and detected through the portal's own failure marker.
type Solver func(ctx context.Context, image []byte) (string, error)

// Session is the subset of the session client the bootstrap needs.
type Session interface {
	crawler.Fetcher
	Reset() error
}

// Bootstrap describes one portal's captcha flow.
type Bootstrap struct {
	// BaseURL serves the form and the challenge image reference.
	BaseURL string
	// ImageSelector locates the challenge <img>; ignored when ImageURL is set.
	ImageSelector string
	ImageURL      string
	FormSelector  string
	CaptchaField  string
	// Suppress lists controls left out of the submission.
	Suppress  []string
	Overrides map[string]string
	// Prepare adjusts the form after overrides, e.g. to set date fields.
	Prepare func(*formstate.FormState) *formstate.FormState
	// SubmitURL defaults to the form action resolved against BaseURL.
	SubmitURL string
	// FailureMarker is the text the portal renders on a rejected answer.
	FailureMarker string
	MaxAttempts   int
	Logger        *zap.Logger
}

// Establish runs the challenge until the portal accepts an answer and
// returns that response. A rejected answer discards the whole session and
// starts over from the base page.
func (b Bootstrap) Establish(ctx context.Context, session Session, solve Solver) (crawler.FetchResponse, error) {
	logger := b.logger()
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("captcha bootstrap canceled: %w", err)
		}
		resp, accepted, err := b.attempt(ctx, session, solve)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		if accepted {
			metrics.ObserveCaptcha("accepted")
			logger.Debug("captcha accepted", zap.Int("attempt", attempt))
			return resp, nil
		}
		metrics.ObserveCaptcha("rejected")
		logger.Info("captcha rejected, restarting session", zap.Int("attempt", attempt))
		if err := session.Reset(); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("reset session: %w", err)
		}
	}
	return crawler.FetchResponse{}, fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, maxAttempts)
}

func (b Bootstrap) attempt(ctx context.Context, session Session, solve Solver) (crawler.FetchResponse, bool, error) {
	base, err := session.Fetch(ctx, crawler.FetchRequest{URL: b.BaseURL})
	if err != nil {
		return crawler.FetchResponse{}, false, fmt.Errorf("fetch base page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(base.Body))
	if err != nil {
		return crawler.FetchResponse{}, false, fmt.Errorf("parse base page: %w", err)
	}

	imageURL, err := b.imageURL(doc, base.URL)
	if err != nil {
		return crawler.FetchResponse{}, false, err
	}
	image, err := session.Fetch(ctx, crawler.FetchRequest{URL: imageURL, Referer: base.URL})
	if err != nil {
		return crawler.FetchResponse{}, false, fmt.Errorf("fetch captcha image: %w", err)
	}

	answer, err := solve(ctx, image.Body)
	if err != nil {
		metrics.ObserveCaptcha("solver_error")
		b.logger().Warn("captcha solver failed", zap.Error(err))
		return crawler.FetchResponse{}, false, nil
	}

	state, err := formstate.ExtractFromDocument(doc, b.FormSelector, b.Suppress...)
	if err != nil {
		return crawler.FetchResponse{}, false, err
	}
	state = formstate.ApplyOverrides(state, b.Overrides)
	state.Set(b.CaptchaField, strings.TrimSpace(answer))
	if b.Prepare != nil {
		state = b.Prepare(state)
	}

	resp, err := session.Fetch(ctx, crawler.FetchRequest{
		URL:     b.submitURL(doc, base.URL),
		Method:  http.MethodPost,
		Body:    []byte(state.Encode()),
		Referer: base.URL,
	})
	if err != nil {
		return crawler.FetchResponse{}, false, fmt.Errorf("submit captcha form: %w", err)
	}
	if b.FailureMarker != "" && bytes.Contains(resp.Body, []byte(b.FailureMarker)) {
		return resp, false, nil
	}
	return resp, true, nil
}

func (b Bootstrap) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func (b Bootstrap) imageURL(doc *goquery.Document, pageURL string) (string, error) {
	if b.ImageURL != "" {
		return resolve(pageURL, b.ImageURL), nil
	}
	selector := b.ImageSelector
	if selector == "" {
		selector = "img[src*='aptcha']"
	}
	src, ok := doc.Find(selector).First().Attr("src")
	if !ok || src == "" {
		return "", fmt.Errorf("captcha image %q not found", selector)
	}
	return resolve(pageURL, src), nil
}

func (b Bootstrap) submitURL(doc *goquery.Document, pageURL string) string {
	if b.SubmitURL != "" {
		return resolve(pageURL, b.SubmitURL)
	}
	selector := b.FormSelector
	if selector == "" {
		selector = "form"
	}
	if action, ok := doc.Find(selector).First().Attr("action"); ok && action != "" {
		return resolve(pageURL, action)
	}
	return pageURL
}

func resolve(base, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	u, err := url.Parse(base)
	if err != nil {
		return r.String()
	}
	return u.ResolveReference(r).String()
}
