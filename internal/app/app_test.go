package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/gazette-sync/internal/app"
	"github.com/JakeFAU/gazette-sync/internal/config"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	"github.com/JakeFAU/gazette-sync/internal/dispatcher"
	publishermemory "github.com/JakeFAU/gazette-sync/internal/publisher/memory"
	"github.com/JakeFAU/gazette-sync/internal/storage/memory"
)

const searchPage = `<html><body>
<form id="aspnetForm" method="post" action="Search.aspx">
<input type="hidden" name="__VIEWSTATE" value="vs-1">
<input type="text" name="txtDate" value="">
<input type="submit" name="btnSearch" value="Search">
</form></body></html>`

const resultsPage = `<html><body>
<form id="aspnetForm" method="post" action="Search.aspx">
<input type="hidden" name="__VIEWSTATE" value="vs-2">
</form>
<table id="results">
<tr><th>No</th><th>Subject</th><th>File</th></tr>
<tr><td>CG-DL-E-05012020</td><td>Notification of tariff</td><td><a href="/docs/1.pdf">PDF</a></td></tr>
</table></body></html>`

func newPortal(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Search.aspx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, searchPage)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("txtDate") != "05-Jan-2020" {
			http.Error(w, "bad search", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, resultsPage)
	})
	mux.HandleFunc("/docs/1.pdf", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "%PDF-1.4\n%%EOF\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(searchURL string) config.Config {
	link := 2
	return config.Config{
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5, MaxAttempts: 1},
		Crawler: config.CrawlerConfig{QueueDepth: 4},
		Server:  config.ServerConfig{Port: 8080},
		PubSub:  config.PubSubConfig{TopicName: "gazettes"},
		Sources: config.SourcesConfig{Definitions: map[string]config.SourceDefinition{
			"central": {
				IdentifierPrefix: "in.gazette.central.",
				SearchURL:        searchURL,
				FormSelector:     "#aspnetForm",
				DateFields:       []config.Field{{Name: "txtDate", Value: "02-Jan-2006"}},
				RowSelector:      "table#results tr",
				Columns:          []config.Column{{Index: 1, Key: crawler.MetaSubject}},
				IDColumn:         0,
				LinkColumn:       &link,
			},
		}},
	}
}

func TestNewSyncsConfiguredSource(t *testing.T) {
	srv := newPortal(t)
	pub := publishermemory.New()

	a, err := app.New(context.Background(), baseConfig(srv.URL+"/Search.aspx"), zaptest.NewLogger(t),
		app.WithRegisterer(prometheus.NewRegistry()),
		app.WithPublisher(pub),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Equal(t, []string{"central"}, a.Registry().Names())

	srcs, err := a.SelectSources(nil)
	require.NoError(t, err)
	day := time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC)
	sink := a.Dispatcher().RunAll(context.Background(), day, day, srcs)

	ids := sink.Results()["central"]
	require.Len(t, ids, 1)
	assert.Equal(t, "central/2020-01-05/CG-DL-E-05012020", ids[0])
	assert.Equal(t, "central=1", app.Summary(sink))

	meta, err := a.Store().GetMetadata(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Notification of tariff", meta.Subject)

	ext, err := a.Store().RawExtension(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, ".pdf", ext)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "gazettes", msgs[0].Topic)

	again := a.Dispatcher().RunAll(context.Background(), day, day, srcs)
	assert.Equal(t, ids, again.Results()["central"])
	assert.Len(t, pub.Messages(), 1)
}

type staticSource struct{ name string }

func (s staticSource) Name() string             { return s.name }
func (s staticSource) IdentifierPrefix() string { return "" }
func (s staticSource) Sync(context.Context, time.Time, time.Time) ([]string, error) {
	return []string{s.name + "/1"}, nil
}

func TestSelectSourcesHonorsConfiguredLists(t *testing.T) {
	cfg := baseConfig("https://example.org/Search.aspx")
	cfg.Sources.Enabled = []string{"central", "state"}
	cfg.Sources.Disabled = []string{"central"}

	a, err := app.New(context.Background(), cfg, nil,
		app.WithRegisterer(prometheus.NewRegistry()),
		app.WithBackend(memory.NewBlobStore()),
		app.WithSources(staticSource{name: "state"}, staticSource{name: "legacy"}),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srcs, err := a.SelectSources(nil)
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "state", srcs[0].Name())

	srcs, err = a.SelectSources([]string{"legacy"})
	require.NoError(t, err)
	require.Len(t, srcs, 1)

	_, err = a.SelectSources([]string{"missing"})
	require.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		opts    []app.Option
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *config.Config) { c.Storage.Backend = "s3" },
			wantErr: "unknown storage backend",
		},
		{
			name: "definition without rows",
			mutate: func(c *config.Config) {
				def := c.Sources.Definitions["central"]
				def.RowSelector = ""
				c.Sources.Definitions["central"] = def
			},
			wantErr: "source central",
		},
		{
			name:    "duplicate source",
			opts:    []app.Option{app.WithSources(staticSource{name: "central"})},
			wantErr: "central",
		},
		{
			name:    "bad dsn",
			mutate:  func(c *config.Config) { c.DB.DSN = "://nope" },
			wantErr: "init ledger",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig("https://example.org/Search.aspx")
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			opts := append([]app.Option{app.WithRegisterer(prometheus.NewRegistry())}, tc.opts...)
			_, err := app.New(context.Background(), cfg, nil, opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSummaryOrdersSources(t *testing.T) {
	sink := dispatcher.NewResultSink()
	sink.Add("b", []string{"b/1"})
	sink.Add("a", []string{"a/1", "a/2"})
	sink.Add("c", nil)
	assert.Equal(t, "a=2 b=1 c=0", app.Summary(sink))
}
