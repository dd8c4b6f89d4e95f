package store

import "resonance/pkg/rerr"

// validTransitions is the directory state machine. A transition between two
// different states that is not listed here is rejected with
// rerr.KindInvalidTransition. Self-transitions, such as PLANNED→PLANNED
// (re-plan against the same pinned release) or APPLIED→APPLIED (a no-op
// re-apply), are accepted by checkTransition's from==to shortcut below and
// are not listed here.
var validTransitions = map[State]map[State]bool{
	StateNew: {
		StateQueuedPrompt: true,
		StateResolvedAuto: true,
		StateJailed:       true,
	},
	StateQueuedPrompt: {
		StateResolvedUser: true,
		StateJailed:       true,
	},
	StateResolvedAuto: {
		StatePlanned: true,
	},
	StateResolvedUser: {
		StatePlanned: true,
	},
	StatePlanned: {
		StateApplied: true,
		StateFailed:  true,
	},
	StateApplied: {
		// Terminal; only resetOnSignatureChange (a changed signature on
		// re-scan) moves a record out of APPLIED.
	},
	StateJailed: {
		StateNew: true, // unjail
	},
	StateFailed: {
		StatePlanned: true, // retry after inspection
	},
}

// statesRequiringPin are the states a record may only hold with a complete
// pinned release. Writes into any of them without both provider_name and
// release_id set are rejected with InvalidState.
var statesRequiringPin = map[State]bool{
	StateResolvedAuto: true,
	StateResolvedUser: true,
	StatePlanned:      true,
	StateApplied:      true,
	StateFailed:       true,
}

// checkTransition reports whether moving from `from` to `to` is legal.
func checkTransition(from, to State) error {
	if from == to {
		return nil
	}
	if allowed, ok := validTransitions[from]; ok && allowed[to] {
		return nil
	}
	return rerr.New(rerr.KindInvalidTransition, "", nil,
		"directory must be re-scanned or unjailed before this operation",
		nil)
}

// checkPinnedInvariant rejects a record whose state and pinned release
// disagree: pin-requiring states need both halves of the pin, and the two
// halves are never set independently.
func checkPinnedInvariant(rec DirectoryRecord) error {
	half := (rec.Pinned.ProviderName == "") != (rec.Pinned.ReleaseID == "")
	if half {
		return rerr.New(rerr.KindInvalidState, rec.DirID, nil,
			"provider_name and release_id must be set together", nil)
	}
	if statesRequiringPin[rec.State] && rec.Pinned.IsZero() {
		return rerr.New(rerr.KindInvalidState, rec.DirID, nil,
			"a record in this state requires a pinned (provider, release_id)", nil)
	}
	return nil
}
