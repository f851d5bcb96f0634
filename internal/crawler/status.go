package crawler

import (
	"fmt"
	"time"
)

// SnapshotStatus represents the lifecycle state of a snapshot.
type SnapshotStatus string

// Snapshot status values persisted in snapshots.status.
const (
	SnapshotQueued  SnapshotStatus = "queued"
	SnapshotRunning SnapshotStatus = "running"
	SnapshotPartial SnapshotStatus = "partial"
	SnapshotDone    SnapshotStatus = "done"
	SnapshotFailed  SnapshotStatus = "failed"
)

var snapshotTransitions = map[SnapshotStatus][]SnapshotStatus{
	SnapshotQueued:  {SnapshotRunning, SnapshotFailed},
	SnapshotRunning: {SnapshotRunning, SnapshotPartial, SnapshotFailed},
	SnapshotPartial: {SnapshotPartial, SnapshotDone, SnapshotFailed},
}

// Terminal reports whether no further transitions are allowed.
func (s SnapshotStatus) Terminal() bool {
	return s == SnapshotDone || s == SnapshotFailed
}

// Valid reports whether s is a known status.
func (s SnapshotStatus) Valid() bool {
	switch s {
	case SnapshotQueued, SnapshotRunning, SnapshotPartial, SnapshotDone, SnapshotFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Self transitions on running and partial carry progress updates.
func (s SnapshotStatus) CanTransitionTo(next SnapshotStatus) bool {
	for _, allowed := range snapshotTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ApplyUpdate validates and applies update to snap in place. Entering
// running stamps StartedAt once; entering a terminal state stamps FinishedAt.
func ApplyUpdate(snap *Snapshot, update SnapshotUpdate, now time.Time) error {
	next := update.Status
	if next == "" {
		next = snap.Status
	}
	if !next.Valid() {
		return fmt.Errorf("unknown snapshot status %q: %w", next, ErrInvalidTransition)
	}
	if !snap.Status.CanTransitionTo(next) {
		return fmt.Errorf("snapshot %s: %s -> %s: %w", snap.ID, snap.Status, next, ErrInvalidTransition)
	}
	snap.Status = next
	if update.ProgressTotal != nil {
		snap.ProgressTotal = *update.ProgressTotal
	}
	if update.ProgressDone != nil {
		snap.ProgressDone = *update.ProgressDone
	}
	if snap.ProgressDone > snap.ProgressTotal {
		snap.ProgressTotal = snap.ProgressDone
	}
	if update.PageCount != nil {
		snap.PageCount = *update.PageCount
	}
	if update.ErrorCode != "" {
		snap.ErrorCode = update.ErrorCode
		snap.ErrorMessage = update.ErrorMessage
	}
	if next == SnapshotRunning && snap.StartedAt == nil {
		ts := now
		snap.StartedAt = &ts
	}
	if next.Terminal() {
		ts := now
		snap.FinishedAt = &ts
	}
	return nil
}
