package crawler

import (
	"fmt"
	"time"
)

// OutcomeKind discriminates Outcome values.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeOK OutcomeKind = iota
	OutcomeRetryAfter
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryAfter:
		return "retry_after"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of processing one record: the artifact id it
// produced, a request to come back later, or a failure reason.
type Outcome struct {
	Kind       OutcomeKind
	ArtifactID string
	Wait       time.Duration
	Reason     string
}

// Ok reports a processed artifact.
func Ok(artifactID string) Outcome {
	return Outcome{Kind: OutcomeOK, ArtifactID: artifactID}
}

// RetryAfter asks the caller to retry the record after wait.
func RetryAfter(wait time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryAfter, Wait: wait}
}

// Failed reports a record that was dropped.
func Failed(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf(format, args...)}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeOK:
		return "ok(" + o.ArtifactID + ")"
	case OutcomeRetryAfter:
		return "retry_after(" + o.Wait.String() + ")"
	default:
		return "failed(" + o.Reason + ")"
	}
}
