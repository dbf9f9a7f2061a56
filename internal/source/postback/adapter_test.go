package postback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gazette-sync/internal/captcha"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	collyfetcher "github.com/JakeFAU/gazette-sync/internal/fetcher/colly"
	"github.com/JakeFAU/gazette-sync/internal/hash/sha256"
	"github.com/JakeFAU/gazette-sync/internal/storage"
	"github.com/JakeFAU/gazette-sync/internal/storage/memory"
)

const pdfBody = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n"

var syncDay = time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC)

// portal serves a postback search whose results span several pages. Each
// page carries a new view state that must be echoed on the next request.
type portal struct {
	mu        sync.Mutex
	pages     int
	perPage   int
	posts     int
	downloads map[string]int
	// throttle answers 429 this many times before serving documents.
	throttle  int
	badRow    bool
	noForm    bool
	staleSeen bool
	// captcha gates the first search on captchaAnswer.
	captcha  bool
	rejected int
	// submitted records txtDate and ddlType of every accepted POST.
	submitted []string
}

const captchaAnswer = "K7P2Q"

func newPortal(pages, perPage int) *portal {
	return &portal{pages: pages, perPage: perPage, downloads: make(map[string]int)}
}

func (p *portal) postCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posts
}

func (p *portal) sawStaleState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.staleSeen
}

func (p *portal) totalDownloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.downloads {
		total += n
	}
	return total
}

func (p *portal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Search.aspx", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if r.Method == http.MethodGet {
			if p.noForm {
				_, _ = io.WriteString(w, "<html><body>maintenance</body></html>")
				return
			}
			_, _ = io.WriteString(w, p.render(0, "vs-0"))
			return
		}
		p.posts++
		_ = r.ParseForm()
		form := r.PostForm
		if p.captcha && form.Get("__EVENTTARGET") == "" && form.Get("txtCaptcha") != captchaAnswer {
			p.rejected++
			_, _ = io.WriteString(w, "<html><body><span>Invalid code</span></body></html>")
			return
		}
		if form.Get("txtDate") != syncDay.Format("02-Jan-2006") || form.Get("ddlType") != "extraordinary" {
			_, _ = io.WriteString(w, p.render(-1, "vs-x"))
			return
		}
		p.submitted = append(p.submitted, form.Get("txtDate")+"|"+form.Get("ddlType"))
		page := 1
		if target := form.Get("__EVENTTARGET"); target != "" {
			if target != "gvResults" || form.Get("btnSearch") != "" {
				p.staleSeen = true
			}
			n, err := strconv.Atoi(strings.TrimPrefix(form.Get("__EVENTARGUMENT"), "Page$"))
			if err != nil {
				p.staleSeen = true
			}
			page = n
		}
		if form.Get("__VIEWSTATE") != fmt.Sprintf("vs-%d", page-1) {
			p.staleSeen = true
			_, _ = io.WriteString(w, p.render(-1, "vs-x"))
			return
		}
		_, _ = io.WriteString(w, p.render(page, fmt.Sprintf("vs-%d", page)))
	})
	mux.HandleFunc("/Captcha.ashx", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, captchaAnswer)
	})
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.throttle > 0 {
			p.throttle--
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		p.downloads[r.URL.Path]++
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, pdfBody+r.URL.Path)
	})
	return mux
}

// render draws the search form, and for page > 0 the result grid with a pager.
func (p *portal) render(page int, viewState string) string {
	var b strings.Builder
	b.WriteString(`<html><body><form id="form1" method="post" action="./Search.aspx">`)
	fmt.Fprintf(&b, `<input type="hidden" name="__VIEWSTATE" value="%s"/>`, viewState)
	b.WriteString(`<input type="hidden" name="__EVENTTARGET" value=""/>
<input type="hidden" name="__EVENTARGUMENT" value=""/>
<input type="text" name="txtDate" value=""/>
<select name="ddlType"><option value="ordinary">Ordinary</option><option value="extraordinary">Extraordinary</option></select>
<input type="submit" name="btnSearch" value="Search"/>`)
	if p.captcha && page == 0 {
		b.WriteString(`<img id="imgCaptcha" src="Captcha.ashx"/><input type="text" name="txtCaptcha" value=""/>`)
	}
	if page > 0 {
		b.WriteString(`<table id="gvResults"><tr><th>Title</th><th>No.</th><th>File</th></tr>`)
		for i := 1; i <= p.perPage; i++ {
			n := (page-1)*p.perPage + i
			if p.badRow && n == 2 {
				b.WriteString(`<tr><td>Broken</td><td>  </td><td><a href="docs/x.pdf">x</a></td></tr>`)
				continue
			}
			fmt.Fprintf(&b, `<tr><td>Notice %d</td><td>G/%d</td><td><a href="docs/g%d.pdf">Download</a></td></tr>`, n, n, n)
		}
		if p.pages > 1 {
			b.WriteString(`<tr><td colspan="3"><table><tr>`)
			for i := 1; i <= p.pages; i++ {
				if i == page {
					fmt.Fprintf(&b, `<td><span>%d</span></td>`, i)
					continue
				}
				fmt.Fprintf(&b, `<td><a href="javascript:__doPostBack('gvResults','Page$%d')">%d</a></td>`, i, i)
			}
			b.WriteString(`</tr></table></td></tr>`)
		}
		b.WriteString(`</table>`)
	}
	b.WriteString(`</form></body></html>`)
	return b.String()
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingPauser) Pause(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

type fixture struct {
	portal *portal
	server *httptest.Server
	blobs  *memory.BlobStore
	store  *storage.Store
	pauser *recordingPauser
}

func newFixture(t *testing.T, p *portal) *fixture {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	blobs := memory.NewBlobStore()
	store, err := storage.New(blobs, sha256.New())
	require.NoError(t, err)
	return &fixture{portal: p, server: srv, blobs: blobs, store: store, pauser: &recordingPauser{}}
}

func (f *fixture) config(t *testing.T) Config {
	t.Helper()
	fetcher := collyfetcher.New(collyfetcher.Config{
		Timeout: 5 * time.Second,
		Retry:   crawler.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond},
		Pauser:  f.pauser,
	})
	return Config{
		Name:         "central",
		SearchURL:    f.server.URL + "/Search.aspx",
		FormSelector: "form#form1",
		PageSuppress: []string{"btnSearch"},
		Fields: DateFieldMapper{
			Dates:  map[string]string{"txtDate": "02-Jan-2006"},
			Static: map[string]string{"ddlType": "extraordinary"},
		},
		Rows: ColumnRowParser{
			Rows:       "table#gvResults > tbody > tr",
			Columns:    map[int]string{0: crawler.MetaTitle, 1: crawler.MetaGazetteID},
			IDColumn:   1,
			LinkColumn: 2,
		},
		Sessions: func() (captcha.Session, error) { return fetcher.NewSession() },
		Store:    f.store,
		Pauser:   f.pauser,
	}
}

func newAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestDownloadOneDayWalksEveryPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newPortal(3, 2))
	a := newAdapter(t, f.config(t))

	ids, err := a.DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"central/2020-01-05/G_1", "central/2020-01-05/G_2",
		"central/2020-01-05/G_3", "central/2020-01-05/G_4",
		"central/2020-01-05/G_5", "central/2020-01-05/G_6",
	}, ids)
	assert.Equal(t, 3, f.portal.postCount())
	assert.False(t, f.portal.sawStaleState())
	assert.Equal(t, 6, f.portal.totalDownloads())
	f.portal.mu.Lock()
	assert.Equal(t, []string{
		"05-Jan-2020|extraordinary", "05-Jan-2020|extraordinary", "05-Jan-2020|extraordinary",
	}, f.portal.submitted)
	f.portal.mu.Unlock()

	ext, err := f.store.RawExtension(context.Background(), "central/2020-01-05/G_4")
	require.NoError(t, err)
	assert.Equal(t, ".pdf", ext)

	meta, err := f.store.GetMetadata(context.Background(), "central/2020-01-05/G_4")
	require.NoError(t, err)
	assert.Equal(t, "Notice 4", meta.Title)
	assert.Equal(t, "G/4", meta.GazetteID)
	assert.Equal(t, syncDay, meta.Date)
	assert.Equal(t, f.server.URL+"/docs/g4.pdf", meta.URL)
}

func TestDownloadOneDayIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newPortal(2, 3))
	a := newAdapter(t, f.config(t))

	first, err := a.DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)
	downloads := f.portal.totalDownloads()
	require.Equal(t, 6, downloads)

	second, err := a.DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, downloads, f.portal.totalDownloads())
	assert.Equal(t, 1, f.blobs.Puts("raw/central/2020-01-05/G_1.pdf"))
}

func TestDownloadOneDayForceRefreshRefetches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newPortal(1, 2))
	cfg := f.config(t)
	_, err := newAdapter(t, cfg).DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)

	cfg.ForceRefresh = true
	ids, err := newAdapter(t, cfg).DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, 4, f.portal.totalDownloads())
	// Identical bytes are not rewritten.
	assert.Equal(t, 1, f.blobs.Puts("raw/central/2020-01-05/G_2.pdf"))
}

func TestDownloadOneDayDropsMalformedRows(t *testing.T) {
	t.Parallel()

	p := newPortal(1, 3)
	p.badRow = true
	f := newFixture(t, p)

	ids, err := newAdapter(t, f.config(t)).DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)
	assert.Equal(t, []string{"central/2020-01-05/G_1", "central/2020-01-05/G_3"}, ids)
}

func TestDownloadOneDayMissingFormYieldsNothing(t *testing.T) {
	t.Parallel()

	p := newPortal(1, 1)
	p.noForm = true
	f := newFixture(t, p)

	ids, err := newAdapter(t, f.config(t)).DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.Error(t, err)
	assert.Nil(t, ids)
	assert.Zero(t, p.postCount())
}

func TestDownloadOneDayHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	p := newPortal(1, 1)
	p.throttle = 1
	f := newFixture(t, p)

	ids, err := newAdapter(t, f.config(t)).DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)
	assert.Equal(t, []string{"central/2020-01-05/G_1"}, ids)
	assert.Equal(t, []time.Duration{7 * time.Second}, f.pauser.delays)
}

func TestDownloadOneDayGivesUpWhenThrottled(t *testing.T) {
	t.Parallel()

	p := newPortal(1, 1)
	p.throttle = 100
	f := newFixture(t, p)
	cfg := f.config(t)
	cfg.RecordRetries = 2
	cfg.MaxRetryWait = time.Second

	ids, err := newAdapter(t, cfg).DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, []time.Duration{time.Second}, f.pauser.delays)
	_, err = f.store.GetMetadata(context.Background(), "central/2020-01-05/G_1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestDownloadOneDayPassesCaptchaGate(t *testing.T) {
	t.Parallel()

	p := newPortal(2, 1)
	p.captcha = true
	f := newFixture(t, p)
	cfg := f.config(t)
	cfg.Captcha = &captcha.Bootstrap{
		BaseURL:       f.server.URL + "/Search.aspx",
		ImageSelector: "img#imgCaptcha",
		FormSelector:  "form#form1",
		CaptchaField:  "txtCaptcha",
		FailureMarker: "Invalid code",
		MaxAttempts:   3,
	}
	var solves int
	cfg.Solver = func(_ context.Context, image []byte) (string, error) {
		solves++
		if solves == 1 {
			return "WRONG", nil
		}
		return string(image), nil
	}
	a := newAdapter(t, cfg)

	ids, err := a.DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.NoError(t, err)

	assert.Equal(t, []string{"central/2020-01-05/G_1", "central/2020-01-05/G_2"}, ids)
	assert.Equal(t, 2, solves)
	p.mu.Lock()
	assert.Equal(t, 1, p.rejected)
	p.mu.Unlock()
	assert.False(t, p.sawStaleState())
}

func TestDownloadOneDayFailsWhenCaptchaNeverPasses(t *testing.T) {
	t.Parallel()

	p := newPortal(1, 1)
	p.captcha = true
	f := newFixture(t, p)
	cfg := f.config(t)
	cfg.Captcha = &captcha.Bootstrap{
		BaseURL:       f.server.URL + "/Search.aspx",
		FormSelector:  "form#form1",
		CaptchaField:  "txtCaptcha",
		FailureMarker: "Invalid code",
		MaxAttempts:   2,
	}
	cfg.Solver = func(context.Context, []byte) (string, error) { return "WRONG", nil }
	a := newAdapter(t, cfg)

	ids, err := a.DownloadOneDay(context.Background(), "central/2020-01-05", syncDay)
	require.ErrorIs(t, err, captcha.ErrAttemptsExhausted)
	assert.Empty(t, ids)
	assert.Equal(t, 2, p.postCount())
	assert.Zero(t, p.totalDownloads())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newPortal(1, 1))
	base := f.config(t)

	for name, mutate := range map[string]func(*Config){
		"name":     func(c *Config) { c.Name = "" },
		"search":   func(c *Config) { c.SearchURL = "" },
		"rows":     func(c *Config) { c.Rows = nil },
		"sessions": func(c *Config) { c.Sessions = nil },
		"store":    func(c *Config) { c.Store = nil },
		"solver":   func(c *Config) { c.Captcha = &captcha.Bootstrap{} },
	} {
		cfg := base
		mutate(&cfg)
		_, err := New(cfg)
		assert.Error(t, err, name)
	}
}
