// Package store implements the embedded, transactional directory state
// store, backed by go.etcd.io/bbolt (a single-writer, multi-reader embedded
// KV engine) rather than a client-server database (see DESIGN.md for the
// substitution rationale).
package store

import "time"

// State is a node in the directory state machine.
type State string

const (
	StateNew          State = "NEW"
	StateQueuedPrompt State = "QUEUED_PROMPT"
	StateResolvedAuto State = "RESOLVED_AUTO"
	StateResolvedUser State = "RESOLVED_USER"
	StatePlanned      State = "PLANNED"
	StateApplied      State = "APPLIED"
	StateJailed       State = "JAILED"
	StateFailed       State = "FAILED"
)

// ResolutionType records how a release was pinned.
type ResolutionType string

const (
	ResolutionAuto ResolutionType = "AUTO"
	ResolutionUser ResolutionType = "USER"
)

// PinnedRelease is the (provider, release) pair a DirectoryRecord is pinned
// to. ProviderName and ReleaseID are either both set or both empty.
type PinnedRelease struct {
	ProviderName   string
	ReleaseID      string
	ResolutionType ResolutionType
	ScoringVersion string
}

// IsZero reports whether no release is pinned.
func (p PinnedRelease) IsZero() bool {
	return p.ProviderName == "" && p.ReleaseID == ""
}

// DirectoryRecord is the persistent state for one dir_id.
type DirectoryRecord struct {
	DirID            string
	SignatureHash    string
	SignatureVersion string
	LastSeenPath     string // diagnostic only; never part of identity

	State State

	Pinned PinnedRelease

	JailReason string
	JailedAt   time.Time

	PlanHash string
	ApplyID  string

	CreatedAt time.Time
	UpdatedAt time.Time

	// NextAuditSeq is bookkeeping for GetAudit's append-ordering; callers
	// never set it.
	NextAuditSeq uint64
}

// AuditEvent is one append-only row in the audit trail for a dir_id.
type AuditEvent struct {
	DirID   string
	Seq     uint64
	At      time.Time
	Kind    string
	Payload string
}

// PlanRecord is one stored plan blob keyed by plan hash.
type PlanRecord struct {
	PlanHash string
	DirID    string
	Blob     []byte
}

// ApplyStatus is the terminal outcome of an apply attempt.
type ApplyStatus string

const (
	ApplyStatusApplied            ApplyStatus = "APPLIED"
	ApplyStatusPartialComplete    ApplyStatus = "PARTIAL_COMPLETE"
	ApplyStatusFailed             ApplyStatus = "FAILED"
	ApplyStatusNoopAlreadyApplied ApplyStatus = "NOOP_ALREADY_APPLIED"
)

// ApplyRecordRow is one stored apply record blob keyed by apply ID.
type ApplyRecordRow struct {
	ApplyID  string
	DirID    string
	PlanHash string
	Status   ApplyStatus
	Blob     []byte
}

// Alias maps a (namespace, match_key) pair to a learned canonical display
// form.
type Alias struct {
	Namespace        string
	MatchKey         string
	CanonicalDisplay string
}
