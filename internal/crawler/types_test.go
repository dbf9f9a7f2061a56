package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetadataScalarsRoundTrip(t *testing.T) {
	t.Parallel()

	var m Metadata
	m.SetScalar(MetaTitle, "Extraordinary Gazette")
	m.SetScalar(MetaMinistry, "Finance")
	m.SetScalar("notification_num", "S.O. 12(E)")
	m.SetExtra("empty", "")

	got := m.Scalars()
	require.Equal(t, map[string]string{
		MetaTitle:          "Extraordinary Gazette",
		MetaMinistry:       "Finance",
		"notification_num": "S.O. 12(E)",
	}, got)
	require.Equal(t, []string{MetaMinistry, "notification_num", MetaTitle}, SortedKeys(got))
}

func TestMetadataWellKnownWinsOverExtra(t *testing.T) {
	t.Parallel()

	m := Metadata{Title: "real", Extra: map[string]string{MetaTitle: "shadow"}}
	require.Equal(t, "real", m.Scalars()[MetaTitle])
}

func TestOutcomeConstructors(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ok(a/b)", Ok("a/b").String())
	require.Equal(t, OutcomeRetryAfter, RetryAfter(time.Minute).Kind)
	failed := Failed("missing %s", "gazetteid")
	require.Equal(t, OutcomeFailed, failed.Kind)
	require.Equal(t, "missing gazetteid", failed.Reason)
}

func TestHTTPErrorRetryAfter(t *testing.T) {
	t.Parallel()

	err := &HTTPError{StatusCode: 503, Header: map[string][]string{"Retry-After": {"30"}}}
	require.Equal(t, 30*time.Second, err.RetryAfter())
	require.Equal(t, 503, StatusCode(err))
	require.Zero(t, (&HTTPError{}).RetryAfter())
}
