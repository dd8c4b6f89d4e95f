// Package resolver bridges the identifier and the state store. It never calls providers itself; it is the sole enforcer of the
// no-rematch law.
package resolver

import (
	"resonance/pkg/identifier"
	"resonance/pkg/provider"
	"resonance/pkg/rerr"
	"resonance/pkg/scanner"
	"resonance/pkg/store"
)

// Status is the outcome of a resolve attempt.
type Status string

const (
	StatusResolved Status = "RESOLVED"
	StatusQueued   Status = "QUEUED"
	StatusJailed   Status = "JAILED"
	StatusSkipped  Status = "SKIPPED"
)

// Outcome is the resolver's result for one directory.
type Outcome struct {
	Status Status
	Pinned store.PinnedRelease
	Result identifier.Result // zero value when the identifier was not invoked
}

// IdentifyFunc invokes the identifier; injected so tests can assert it is
// never called once a directory is pinned (the no-rematch law).
type IdentifyFunc func() identifier.Result

// Resolve implements its state machine bridge for one directory
// batch already recorded via Store.GetOrCreate.
func Resolve(st *store.Store, batch scanner.DirectoryBatch, identify IdentifyFunc) (Outcome, error) {
	rec, ok, err := st.Get(batch.DirID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, rerr.New(rerr.KindValidation, batch.DirID, []string{batch.DirectoryPath},
			"run scan to register the directory before resolving it", nil)
	}

	switch rec.State {
	case store.StateResolvedAuto, store.StateResolvedUser, store.StatePlanned, store.StateApplied, store.StateFailed:
		// Signature is unchanged (GetOrCreate would have reset an outdated
		// record to NEW before Resolve ever saw it) — primary defense
		// against re-matching an already-pinned directory. FAILED keeps its
		// pin too: retry goes back through plan/apply, never re-identify.
		return Outcome{Status: StatusResolved, Pinned: rec.Pinned}, nil
	case store.StateJailed:
		return Outcome{Status: StatusJailed}, nil
	}

	result := identify()

	// Auto-pinning is only legal from NEW; a directory already queued for a
	// human stays queued even if the evidence now scores CERTAIN — only an
	// explicit external pin moves it forward.
	tier := result.Tier
	if rec.State != store.StateNew {
		tier = identifier.TierProbable
	}

	switch tier {
	case identifier.TierCertain:
		top := result.Candidates[0]
		pinned := store.PinnedRelease{
			ProviderName:   top.Release.ProviderName,
			ReleaseID:      top.Release.ReleaseID,
			ResolutionType: store.ResolutionAuto,
			ScoringVersion: result.ScoringVersion,
		}
		newRec, err := st.SetState(batch.DirID, store.StateResolvedAuto, func(r *store.DirectoryRecord) {
			r.Pinned = pinned
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusResolved, Pinned: newRec.Pinned, Result: result}, nil
	default: // PROBABLE | UNSURE
		if _, err := st.SetState(batch.DirID, store.StateQueuedPrompt, nil); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusQueued, Result: result}, nil
	}
}

// ExternalPin accepts an out-of-core-scope pin decision (a human or
// higher-level collaborator choosing among QUEUED_PROMPT candidates) and
// transitions QUEUED_PROMPT -> RESOLVED_USER.
func ExternalPin(st *store.Store, dirID, providerName, releaseID, scoringVersion string) (store.DirectoryRecord, error) {
	return st.SetState(dirID, store.StateResolvedUser, func(r *store.DirectoryRecord) {
		r.Pinned = store.PinnedRelease{
			ProviderName:   providerName,
			ReleaseID:      releaseID,
			ResolutionType: store.ResolutionUser,
			ScoringVersion: scoringVersion,
		}
	})
}

// ExternalJail accepts an explicit skip decision from NEW or QUEUED_PROMPT.
func ExternalJail(st *store.Store, dirID, reason string) (store.DirectoryRecord, error) {
	return st.SetState(dirID, store.StateJailed, func(r *store.DirectoryRecord) {
		r.JailReason = reason
	})
}

// FetchPinnedRelease resolves a pinned (provider, release_id) pair to its
// full provider.Release payload, for handing to the planner. The lookup is
// routed through the same cache operation the identifier uses, so a
// re-plan of an already-fetched release never reaches the network.
func FetchPinnedRelease(providers []provider.Provider, pinned store.PinnedRelease, cache identifier.CacheGet) (provider.Release, bool) {
	for _, p := range providers {
		if p.Name() != pinned.ProviderName {
			continue
		}
		releases := cache(p, "fetch_release", pinned.ReleaseID, func() []provider.Release {
			r, ok := p.FetchRelease(pinned.ReleaseID)
			if !ok {
				return nil
			}
			return []provider.Release{r}
		})
		if len(releases) == 0 {
			return provider.Release{}, false
		}
		return releases[0], true
	}
	return provider.Release{}, false
}
