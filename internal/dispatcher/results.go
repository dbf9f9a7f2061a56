package dispatcher

import (
	"sort"
	"sync"
)

// ResultSink collects each source's completed id list. Workers contribute
// exactly once, so lists are never interleaved.
type ResultSink struct {
	mu       sync.Mutex
	results  map[string][]string
	failures map[string]string
}

// NewResultSink returns an empty sink.
func NewResultSink() *ResultSink {
	return &ResultSink{
		results:  make(map[string][]string),
		failures: make(map[string]string),
	}
}

// Add records the ids a source produced. A repeated source is appended to.
func (r *ResultSink) Add(source string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[source] = append(r.results[source], ids...)
}

// AddFailure records why a source ended in error.
func (r *ResultSink) AddFailure(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[source] = err.Error()
}

// Results returns a copy of the per-source lists.
func (r *ResultSink) Results() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.results))
	for source, ids := range r.results {
		out[source] = append([]string(nil), ids...)
	}
	return out
}

// Failures returns a copy of the per-source failure text.
func (r *ResultSink) Failures() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.failures))
	for source, msg := range r.failures {
		out[source] = msg
	}
	return out
}

// All concatenates every list ordered by source name.
func (r *ResultSink) All() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sources := make([]string, 0, len(r.results))
	for source := range r.results {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	var out []string
	for _, source := range sources {
		out = append(out, r.results[source]...)
	}
	return out
}

// Total is the number of ids across all sources.
func (r *ResultSink) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, ids := range r.results {
		total += len(ids)
	}
	return total
}
