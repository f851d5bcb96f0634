// Package progress defines the event structures emitted while a scan runs.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageScanStart   Stage = "SCAN_START"
	StagePhaseDone   Stage = "PHASE_DONE"
	StagePageDone    Stage = "PAGE_DONE"
	StagePageDropped Stage = "PAGE_DROPPED"
	StageScanDone    Stage = "SCAN_DONE"
	StageScanFailed  Stage = "SCAN_FAILED"
)

func (s Stage) terminal() bool {
	return s == StageScanDone || s == StageScanFailed
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of scan progress. The scan orchestrator owns
// the Done/Total counters; sinks only observe them.
type Event struct {
	// SnapshotID identifies the scan run.
	SnapshotID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Phase is "A" or "B" for page and phase events.
	Phase string
	// Site scopes page events to a host label.
	Site string
	// URL is the page URL for page events.
	URL string
	// Via is the fetch path that produced the page.
	Via string
	// Bytes carries the raw HTML size of the page.
	Bytes int64
	// Changed reports whether the page differed from the baseline.
	Changed bool
	// Done and Total mirror the snapshot progress counters after this step.
	Done  int
	Total int
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures fetch latency or scan wall time.
	Dur time.Duration
	// Note carries low-volume context such as an error code.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SnapshotID == "" {
		return errors.New("snapshot id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart, StageScanDone, StageScanFailed:
	case StagePhaseDone:
		if e.Phase == "" {
			return errors.New("phase done requires phase")
		}
	case StagePageDone:
		if e.Site == "" {
			return errors.New("page done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("page done requires status class")
		}
	case StagePageDropped:
		if e.URL == "" {
			return errors.New("page dropped requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Done > e.Total {
		return fmt.Errorf("progress %d exceeds total %d", e.Done, e.Total)
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
