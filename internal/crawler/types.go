package crawler

import (
	"net/http"
	"sort"
	"time"
)

// RunStatus represents the lifecycle state of a sync run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// RunParameters captures what a sync run should cover.
type RunParameters struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Sources      []string  `json:"sources,omitempty"`
	ForceRefresh bool      `json:"force_refresh"`
}

// Run represents the metadata persisted for each submitted sync run.
type Run struct {
	ID         string        `json:"id"`
	Status     RunStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters RunParameters `json:"parameters"`
	Counters   RunCounters   `json:"counters"`
}

// RunCounters tracks per-run totals.
type RunCounters struct {
	Artifacts        int `json:"artifacts"`
	SourcesSucceeded int `json:"sources_succeeded"`
	SourcesFailed    int `json:"sources_failed"`
}

// RunResult is returned by the API result endpoint.
type RunResult struct {
	Run       Run                 `json:"run"`
	Artifacts map[string][]string `json:"artifacts"`
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	Params    RunParameters
	Submitted int64
}

// FetchRequest captures everything needed for one logical HTTP call.
type FetchRequest struct {
	URL     string
	Method  string
	Body    []byte
	Headers http.Header
	// Referer is sent as given, usually the URL of an earlier response.
	Referer string
	// NoRedirect returns 3xx responses to the caller instead of following them.
	NoRedirect bool
}

// FetchResponse is the result of a successful Fetch. Failed fetches return an
// error and no response body.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// Well-known metadata keys, also used as element names in the persisted
// metatags document.
const (
	MetaDate        = "date"
	MetaTitle       = "title"
	MetaURL         = "url"
	MetaGazetteID   = "gazetteid"
	MetaGazetteType = "gztype"
	MetaDepartment  = "department"
	MetaMinistry    = "ministry"
	MetaSubject     = "subject"
	MetaNumber      = "number"
	MetaPublisher   = "publisher"
)

// Metadata is the property bag stored next to each artifact.
type Metadata struct {
	Date        time.Time
	Title       string
	URL         string
	GazetteID   string
	GazetteType string
	Department  string
	Ministry    string
	Subject     string
	Number      string
	Publisher   string
	// Extra holds source-specific scalar keys.
	Extra map[string]string
	// Lists holds source-specific repeated keys.
	Lists map[string][]string
}

// SetExtra records a source-specific key, allocating the map on first use.
func (m *Metadata) SetExtra(key, value string) {
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	m.Extra[key] = value
}

// AppendList appends to a source-specific list key.
func (m *Metadata) AppendList(key string, values ...string) {
	if m.Lists == nil {
		m.Lists = make(map[string][]string)
	}
	m.Lists[key] = append(m.Lists[key], values...)
}

// Scalars returns every non-empty scalar field (well-known and extra, date
// excluded) keyed by its persisted name. Well-known keys win on collision.
func (m Metadata) Scalars() map[string]string {
	out := make(map[string]string, len(m.Extra)+9)
	for k, v := range m.Extra {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range map[string]string{
		MetaTitle:       m.Title,
		MetaURL:         m.URL,
		MetaGazetteID:   m.GazetteID,
		MetaGazetteType: m.GazetteType,
		MetaDepartment:  m.Department,
		MetaMinistry:    m.Ministry,
		MetaSubject:     m.Subject,
		MetaNumber:      m.Number,
		MetaPublisher:   m.Publisher,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// SetScalar assigns a persisted key back onto the matching field.
func (m *Metadata) SetScalar(key, value string) {
	switch key {
	case MetaTitle:
		m.Title = value
	case MetaURL:
		m.URL = value
	case MetaGazetteID:
		m.GazetteID = value
	case MetaGazetteType:
		m.GazetteType = value
	case MetaDepartment:
		m.Department = value
	case MetaMinistry:
		m.Ministry = value
	case MetaSubject:
		m.Subject = value
	case MetaNumber:
		m.Number = value
	case MetaPublisher:
		m.Publisher = value
	default:
		m.SetExtra(key, value)
	}
}

// SortedKeys returns the keys of a string map in ascending order.
func SortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Artifact is one logical downloadable document.
type Artifact struct {
	// RelativeID is the stable path-like id, unique per logical document.
	RelativeID string
	Metadata   Metadata
	// Raw reports whether raw bytes are available for the artifact.
	Raw bool
}

// LedgerEntry records one durable raw write.
type LedgerEntry struct {
	Source      string
	RelativeID  string
	ContentHash string
	Extension   string
	SourceURL   string
	SyncedAt    time.Time
}
