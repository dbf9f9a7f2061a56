// Package postback is a composition-based adapter for portals that run their
// search through a server-side form with hidden session state.
//
// One DownloadOneDay call owns one session for its lifetime: it optionally
// passes the captcha gate, submits the search for the day, walks every result
// page by replaying the form, and stores each record through the dedup layer.
// All requests of a call are strictly sequential.
package postback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/captcha"
	"github.com/JakeFAU/gazette-sync/internal/clock/system"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/formstate"
	"github.com/JakeFAU/gazette-sync/internal/metrics"
	"github.com/JakeFAU/gazette-sync/internal/progress"
	"github.com/JakeFAU/gazette-sync/internal/storage/cache"
)

// Defaults for record-level retries.
const (
	DefaultRecordRetries = 3
	DefaultMaxRetryWait  = 10 * time.Minute
)

// Artifact result labels recorded in metrics.
const (
	resultSaved     = "saved"
	resultUnchanged = "unchanged"
	resultSkipped   = "skipped"
	resultFailed    = "failed"
)

// SessionFactory opens a fresh, unshared session.
type SessionFactory func() (captcha.Session, error)

// Config describes one portal.
type Config struct {
	Name string
	// SearchURL serves the search form.
	SearchURL    string
	FormSelector string
	// Suppress lists controls never submitted with the search.
	Suppress []string
	// PageSuppress lists controls dropped when replaying the form for paging,
	// typically the search button.
	PageSuppress []string
	Fields       FieldMapper
	Rows         RowParser

	// Captcha gates the search when set; its submission carries the day fields.
	Captcha *captcha.Bootstrap
	Solver  captcha.Solver

	ForceRefresh  bool
	MaxPages      int
	RecordRetries int
	MaxRetryWait  time.Duration

	Sessions SessionFactory
	Store    crawler.Store
	Pauser   crawler.Pauser
	Emitter  progress.Emitter
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Adapter implements crawler.DayAdapter for postback portals.
type Adapter struct {
	cfg     Config
	emitter progress.Emitter
	logger  *zap.Logger
}

// New validates cfg and builds an Adapter.
func New(cfg Config) (*Adapter, error) {
	switch {
	case cfg.Name == "":
		return nil, errors.New("postback: name is required")
	case cfg.SearchURL == "" && cfg.Captcha == nil:
		return nil, fmt.Errorf("postback %s: search url is required", cfg.Name)
	case cfg.Rows == nil || cfg.Rows.RowSelector() == "":
		return nil, fmt.Errorf("postback %s: row parser with a row selector is required", cfg.Name)
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("postback %s: session factory is required", cfg.Name)
	case cfg.Store == nil:
		return nil, fmt.Errorf("postback %s: store is required", cfg.Name)
	case cfg.Captcha != nil && cfg.Solver == nil:
		return nil, fmt.Errorf("postback %s: captcha requires a solver", cfg.Name)
	}
	if cfg.FormSelector == "" {
		cfg.FormSelector = "form"
	}
	if cfg.Fields == nil {
		cfg.Fields = DateFieldMapper{}
	}
	if cfg.RecordRetries <= 0 {
		cfg.RecordRetries = DefaultRecordRetries
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = DefaultMaxRetryWait
	}
	if cfg.Pauser == nil {
		cfg.Pauser = crawler.TimerPauser{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		emitter: progress.EmitterOrNop(cfg.Emitter),
		logger:  logger,
	}, nil
}

// dayRun is the state of one DownloadOneDay call.
type dayRun struct {
	session   captcha.Session
	relPrefix string
	day       time.Time
	// overrides carries the day's search fields into every submission.
	overrides map[string]string
	urls      *cache.URLCache
	seen      map[string]struct{}
	ids       []string
	logger    *zap.Logger
}

// DownloadOneDay implements crawler.DayAdapter. A missing form or a failed
// search yields an error and no ids; failures after the first page keep the
// ids gathered so far.
func (a *Adapter) DownloadOneDay(ctx context.Context, relPrefix string, day time.Time) ([]string, error) {
	session, err := a.cfg.Sessions()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	run := &dayRun{
		session:   session,
		relPrefix: relPrefix,
		day:       day,
		overrides: a.cfg.Fields.Fields(day),
		urls:      cache.NewURLCache(),
		seen:      make(map[string]struct{}),
		logger:    a.logger.With(zap.String("day", day.Format(time.DateOnly))),
	}

	first, err := a.search(ctx, run)
	if err != nil {
		return nil, err
	}

	pager := formstate.Pager{
		MaxPages: a.cfg.MaxPages,
		Fetch: func(ctx context.Context, cursor formstate.PageCursor, prev formstate.Page) (formstate.Page, error) {
			return a.nextPage(ctx, run, cursor, prev)
		},
	}
	pages, err := pager.Run(ctx, formstate.Page{Number: 1, URL: first.URL, Body: first.Body}, func(page formstate.Page) error {
		return a.visit(ctx, run, page)
	})
	if err != nil {
		run.logger.Warn("pagination stopped early", zap.Int("pages", pages), zap.Error(err))
	}
	run.logger.Debug("day walked", zap.Int("pages", pages), zap.Int("artifacts", len(run.ids)))
	return run.ids, nil
}

// search submits the day's query and returns the first result page.
func (a *Adapter) search(ctx context.Context, run *dayRun) (crawler.FetchResponse, error) {
	overrides := run.overrides
	if a.cfg.Captcha != nil {
		gate := *a.cfg.Captcha
		prepare := gate.Prepare
		gate.Prepare = func(state *formstate.FormState) *formstate.FormState {
			state = formstate.ApplyOverrides(state, overrides)
			if prepare != nil {
				state = prepare(state)
			}
			return state
		}
		if gate.Logger == nil {
			gate.Logger = run.logger
		}
		resp, err := gate.Establish(ctx, run.session, a.cfg.Solver)
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("captcha bootstrap: %w", err)
		}
		return resp, nil
	}

	base, err := run.session.Fetch(ctx, crawler.FetchRequest{URL: a.cfg.SearchURL})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch search page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(base.Body))
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("parse search page: %w", err)
	}
	state, err := formstate.ExtractFromDocument(doc, a.cfg.FormSelector, a.cfg.Suppress...)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("search page: %w", err)
	}
	state = formstate.ApplyOverrides(state, overrides)
	resp, err := run.session.Fetch(ctx, crawler.FetchRequest{
		URL:     formAction(doc, a.cfg.FormSelector, base.URL),
		Method:  http.MethodPost,
		Body:    []byte(state.Encode()),
		Referer: base.URL,
	})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("submit search: %w", err)
	}
	return resp, nil
}

// nextPage follows a cursor found on prev, replaying prev's form for postbacks.
func (a *Adapter) nextPage(ctx context.Context, run *dayRun, cursor formstate.PageCursor, prev formstate.Page) (formstate.Page, error) {
	if !cursor.IsPostBack() {
		resp, err := run.session.Fetch(ctx, crawler.FetchRequest{URL: cursor.URL, Referer: prev.URL})
		if err != nil {
			return formstate.Page{}, err
		}
		return formstate.Page{URL: resp.URL, Body: resp.Body}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(prev.Body))
	if err != nil {
		return formstate.Page{}, fmt.Errorf("parse page: %w", err)
	}
	suppress := append(append([]string(nil), a.cfg.Suppress...), a.cfg.PageSuppress...)
	state, err := formstate.ExtractFromDocument(doc, a.cfg.FormSelector, suppress...)
	if err != nil {
		return formstate.Page{}, err
	}
	state = formstate.ApplyOverrides(state, run.overrides)
	state = cursor.Apply(state)
	resp, err := run.session.Fetch(ctx, crawler.FetchRequest{
		URL:     formAction(doc, a.cfg.FormSelector, prev.URL),
		Method:  http.MethodPost,
		Body:    []byte(state.Encode()),
		Referer: prev.URL,
	})
	if err != nil {
		return formstate.Page{}, err
	}
	return formstate.Page{URL: resp.URL, Body: resp.Body}, nil
}

// visit processes every data row of one page. Bad rows are dropped without
// affecting their siblings.
func (a *Adapter) visit(ctx context.Context, run *dayRun, page formstate.Page) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return fmt.Errorf("parse results page %d: %w", page.Number, err)
	}
	doc.Find(a.cfg.Rows.RowSelector()).Each(func(_ int, row *goquery.Selection) {
		rec, err := a.cfg.Rows.ParseRow(row, page.URL, run.day)
		if errors.Is(err, ErrSkipRow) {
			return
		}
		if err != nil {
			run.logger.Info("dropping malformed row", zap.Int("page", page.Number), zap.Error(err))
			metrics.ObserveArtifact(a.cfg.Name, resultFailed)
			return
		}
		out := a.processWithRetry(ctx, run, rec, page.URL)
		if out.Kind != crawler.OutcomeOK {
			run.logger.Warn("record failed", zap.String("record", rec.ID), zap.Stringer("outcome", out))
			metrics.ObserveArtifact(a.cfg.Name, resultFailed)
			return
		}
		if _, dup := run.seen[out.ArtifactID]; dup {
			return
		}
		run.seen[out.ArtifactID] = struct{}{}
		run.ids = append(run.ids, out.ArtifactID)
	})
	return nil
}

// processWithRetry honors RetryAfter outcomes up to the configured bound.
func (a *Adapter) processWithRetry(ctx context.Context, run *dayRun, rec Record, referer string) crawler.Outcome {
	var out crawler.Outcome
	for attempt := 1; attempt <= a.cfg.RecordRetries; attempt++ {
		out = a.process(ctx, run, rec, referer)
		if out.Kind != crawler.OutcomeRetryAfter {
			return out
		}
		if attempt == a.cfg.RecordRetries {
			break
		}
		wait := min(out.Wait, a.cfg.MaxRetryWait)
		run.logger.Info("record asked to retry later",
			zap.String("record", rec.ID), zap.Duration("wait", wait), zap.Int("attempt", attempt))
		if err := a.cfg.Pauser.Pause(ctx, wait); err != nil {
			return crawler.Failed("retry wait: %v", err)
		}
	}
	return crawler.Failed("still throttled after %d attempts (%s)", a.cfg.RecordRetries, out)
}

// process stores one record: raw bytes first when needed, then metadata.
func (a *Adapter) process(ctx context.Context, run *dayRun, rec Record, referer string) crawler.Outcome {
	id := path.Join(run.relPrefix, rec.ID)
	if rec.DocumentURL != "" {
		if cached, ok := run.urls.Lookup(rec.DocumentURL); ok {
			return crawler.Ok(cached)
		}
	}

	meta := rec.Metadata
	if meta.Date.IsZero() {
		meta.Date = run.day
	}

	if rec.DocumentURL != "" {
		if out, done := a.fetchRaw(ctx, run, id, rec.DocumentURL, referer); done {
			return out
		}
		run.urls.Remember(rec.DocumentURL, id)
	}

	changed, err := a.cfg.Store.SaveMetadata(ctx, id, meta)
	if err != nil {
		return crawler.Failed("save metadata: %v", err)
	}
	if changed {
		crawler.MarkChanged(ctx, id)
	}
	return crawler.Ok(id)
}

// fetchRaw downloads and stores the raw document unless the store already
// has it. done is true when the record must stop with out.
func (a *Adapter) fetchRaw(ctx context.Context, run *dayRun, id, docURL, referer string) (out crawler.Outcome, done bool) {
	force := a.cfg.ForceRefresh || crawler.ForceRefresh(ctx)
	if !a.cfg.Store.ShouldFetchRaw(ctx, id, docURL, force) {
		metrics.ObserveArtifact(a.cfg.Name, resultSkipped)
		return crawler.Outcome{}, false
	}
	resp, err := run.session.Fetch(ctx, crawler.FetchRequest{URL: docURL, Referer: referer})
	if err != nil {
		var httpErr *crawler.HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter() > 0 {
			return crawler.RetryAfter(httpErr.RetryAfter()), true
		}
		return crawler.Failed("download %s: %v", docURL, err), true
	}
	if len(resp.Body) == 0 {
		return crawler.Failed("empty document at %s", docURL), true
	}
	changed, err := a.cfg.Store.SaveRaw(crawler.WithSourceURL(ctx, docURL), id, resp.Body)
	if err != nil {
		return crawler.Failed("save raw: %v", err), true
	}
	if !changed {
		metrics.ObserveArtifact(a.cfg.Name, resultUnchanged)
		return crawler.Outcome{}, false
	}
	metrics.ObserveArtifact(a.cfg.Name, resultSaved)
	crawler.MarkChanged(ctx, id)
	a.emitSaved(ctx, id)
	return crawler.Outcome{}, false
}

func (a *Adapter) emitSaved(ctx context.Context, id string) {
	runID, ok := progress.RunIDFrom(ctx)
	if !ok {
		return
	}
	a.emitter.Emit(progress.Event{
		RunID:      runID,
		TS:         a.cfg.Clock.Now(),
		Stage:      progress.StageArtifactSaved,
		Source:     a.cfg.Name,
		ArtifactID: id,
	})
}

// formAction resolves the form's action attribute against pageURL.
func formAction(doc *goquery.Document, formSelector, pageURL string) string {
	action, _ := doc.Find(formSelector).First().Attr("action")
	if action == "" {
		return pageURL
	}
	return resolve(pageURL, action)
}
