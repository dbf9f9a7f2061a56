package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageDayStart      Stage = "DAY_START"
	StageDayDone       Stage = "DAY_DONE"
	StageArtifactSaved Stage = "ARTIFACT_SAVED"
	StageSourceDone    Stage = "SOURCE_DONE"
	StageSourceError   Stage = "SOURCE_ERROR"
	StageRunDone       Stage = "RUN_DONE"
)

// Event captures a single milestone of a sync run.
type Event struct {
	// RunID identifies the sync run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Source names the adapter the event belongs to. Empty for run-level stages.
	Source string
	// Day is the partition being processed for day stages.
	Day time.Time
	// ArtifactID is set for ARTIFACT_SAVED.
	ArtifactID string
	// Count carries the number of artifacts produced by a day or a source.
	Count int64
	// Dur captures elapsed time for completed days, sources and runs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageDayStart, StageDayDone:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
		if e.Day.IsZero() {
			return fmt.Errorf("%s requires day", e.Stage)
		}
	case StageSourceDone, StageSourceError:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageArtifactSaved:
		if e.Source == "" || e.ArtifactID == "" {
			return errors.New("artifact saved requires source and artifact id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID back to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run id into the Event form. Ids that are not
// UUIDs are hashed into a name-based UUID so CLI runs with free-form labels
// still validate.
func ParseRunID(runID string) [16]byte {
	if id, err := uuid.Parse(runID); err == nil {
		return UUIDToBytes(id)
	}
	return UUIDToBytes(uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID)))
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
