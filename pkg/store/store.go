package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	bolt "go.etcd.io/bbolt"

	"resonance/pkg/rerr"
	"resonance/pkg/signature"
	"resonance/pkg/storekeys"
)

// CurrentSchemaVersion is the schema generation this build understands.
// Bumping it requires a migration step registered in migrations below.
const CurrentSchemaVersion = 1

const schemaVersionKey = "version"

// openTimeout bounds how long Open waits for the bbolt file lock before
// reporting rerr.KindStoreLocked — a concurrent resonance process already
// holds the store open for writing.
const openTimeout = 2 * time.Second

// Store is the embedded, transactional state store.
// A single *Store should be shared by one process; bbolt enforces one
// writer at a time internally.
type Store struct {
	db    *bolt.DB
	clock clock.Clock
}

// Open opens (creating if absent) the bbolt file at path, ensures every
// bucket exists, and validates/migrates the schema version.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, clock.New())
}

// OpenWithClock is Open with an injectable clock, for deterministic tests.
func OpenWithClock(path string, clk clock.Clock) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, rerr.New(rerr.KindStoreLocked, "", []string{path},
				"close any other resonance process using this store", err)
		}
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db, clock: clk}
	if err := s.ensureBucketsAndSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying file lock.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureBucketsAndSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			storekeys.BucketSchemaMeta,
			storekeys.BucketDirectories,
			storekeys.BucketPlans,
			storekeys.BucketApplyRecords,
			storekeys.BucketAliases,
			storekeys.BucketAudit,
			storekeys.BucketProviderCache,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(storekeys.BucketSchemaMeta))
		raw := meta.Get([]byte(schemaVersionKey))
		if raw == nil {
			// A missing version key is only legal for a brand-new store. A
			// store that already holds rows without one needs manual
			// intervention — stamping it current would silently misread
			// whatever schema those rows were written under.
			if hasDataRows(tx) {
				return rerr.New(rerr.KindSchemaMissing, "", nil,
					"store has rows but no schema version; restore from backup or migrate manually", nil)
			}
			return meta.Put([]byte(schemaVersionKey), encodeVersion(CurrentSchemaVersion))
		}

		found := decodeVersion(raw)
		switch {
		case found == CurrentSchemaVersion:
			return nil
		case found > CurrentSchemaVersion:
			return rerr.New(rerr.KindSchemaTooNew, "", nil,
				"upgrade resonance to a version that understands this store's schema", nil)
		default:
			if err := migrate(tx, found, CurrentSchemaVersion); err != nil {
				return err
			}
			return meta.Put([]byte(schemaVersionKey), encodeVersion(CurrentSchemaVersion))
		}
	})
}

// migrate applies forward migrations from one schema generation to another.
// There is exactly one generation today; this exists so a future sig-v2 or
// store-format change has a single place to land, preserving the
// schema_missing / schema_too_new guarantee below.
func migrate(_ *bolt.Tx, from, to int) error {
	if from == 0 {
		return rerr.New(rerr.KindSchemaMissing, "", nil,
			"store has no recognizable schema version", nil)
	}
	return fmt.Errorf("no migration path from schema %d to %d", from, to)
}

// hasDataRows reports whether any data bucket already contains at least one
// row, distinguishing a genuinely fresh store from one that lost (or never
// had) its schema_version entry.
func hasDataRows(tx *bolt.Tx) bool {
	for _, name := range []string{
		storekeys.BucketDirectories,
		storekeys.BucketPlans,
		storekeys.BucketApplyRecords,
		storekeys.BucketAliases,
		storekeys.BucketAudit,
		storekeys.BucketProviderCache,
	} {
		b := tx.Bucket([]byte(name))
		if b == nil {
			continue
		}
		if k, _ := b.Cursor().First(); k != nil {
			return true
		}
	}
	return false
}

func encodeVersion(v int) []byte { return []byte(fmt.Sprintf("%d", v)) }

func decodeVersion(b []byte) int {
	var v int
	fmt.Sscanf(string(b), "%d", &v)
	return v
}

// GetOrCreate returns the DirectoryRecord for dirID, creating it in state NEW
// if absent. If the stored signature differs from sig, the record is reset
// per resetOnSignatureChange.
func (s *Store) GetOrCreate(dirID string, sig signature.Signature, path string) (DirectoryRecord, error) {
	var rec DirectoryRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storekeys.BucketDirectories))
		key := []byte(storekeys.Directory(dirID))
		now := s.clock.Now().UTC()

		existing, ok, err := getDirectory(b, dirID)
		if err != nil {
			return err
		}

		if !ok {
			rec = DirectoryRecord{
				DirID:            dirID,
				SignatureHash:    sig.Hash,
				SignatureVersion: sig.Version,
				LastSeenPath:     path,
				State:            StateNew,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.appendAuditLocked(tx, &rec, "created", ""); err != nil {
				return err
			}
			return putDirectory(b, key, rec)
		}

		rec = existing
		rec.LastSeenPath = path
		rec.UpdatedAt = now

		versionChanged := rec.SignatureVersion != sig.Version
		if rec.SignatureHash != sig.Hash || versionChanged {
			resetOnSignatureChange(&rec, sig)
			kind := "signature_changed"
			if versionChanged {
				kind = "signature_version_changed"
			}
			if err := s.appendAuditLocked(tx, &rec, kind, rec.SignatureHash); err != nil {
				return err
			}
		}
		return putDirectory(b, key, rec)
	})
	return rec, err
}

// resetOnSignatureChange invalidates any resolution or plan state that was
// computed against the directory's previous contents. The directory
// returns to NEW — a changed signature means the prior pipeline decisions
// no longer apply to what's on disk now — except when the directory is
// JAILED: jail is preserved across signature and version changes and only
// cleared by an explicit unjail, so the signature fields are updated but
// the state and jail reason/timestamp are left untouched.
func resetOnSignatureChange(rec *DirectoryRecord, sig signature.Signature) {
	rec.SignatureHash = sig.Hash
	rec.SignatureVersion = sig.Version
	if rec.State == StateJailed {
		return
	}
	rec.State = StateNew
	rec.Pinned = PinnedRelease{}
	rec.PlanHash = ""
	rec.ApplyID = ""
	rec.JailReason = ""
	rec.JailedAt = time.Time{}
}

// Get returns the DirectoryRecord for dirID without creating it.
func (s *Store) Get(dirID string) (DirectoryRecord, bool, error) {
	var rec DirectoryRecord
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storekeys.BucketDirectories))
		var err error
		rec, ok, err = getDirectory(b, dirID)
		return err
	})
	return rec, ok, err
}

// SetState validates and performs a state transition, optionally mutating
// the record (e.g. to set a Pinned release or JailReason) before the new
// state is persisted. mutate may be nil.
func (s *Store) SetState(dirID string, to State, mutate func(*DirectoryRecord)) (DirectoryRecord, error) {
	var rec DirectoryRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storekeys.BucketDirectories))
		existing, ok, err := getDirectory(b, dirID)
		if err != nil {
			return err
		}
		if !ok {
			return rerr.New(rerr.KindValidation, dirID, nil, "scan the directory before resolving it", nil)
		}
		if err := checkTransition(existing.State, to); err != nil {
			if re, isRerr := err.(*rerr.Error); isRerr {
				re.DirID = dirID
			}
			return err
		}

		rec = existing
		if mutate != nil {
			mutate(&rec)
		}
		from := rec.State
		rec.State = to
		rec.UpdatedAt = s.clock.Now().UTC()
		if to == StateJailed {
			rec.JailedAt = rec.UpdatedAt
		}
		if err := checkPinnedInvariant(rec); err != nil {
			return err
		}

		if err := s.appendAuditLocked(tx, &rec, "state_transition", string(from)+"->"+string(to)); err != nil {
			return err
		}
		return putDirectory(b, []byte(storekeys.Directory(dirID)), rec)
	})
	return rec, err
}

// RecordPlan stores a plan blob and advances the directory to PLANNED.
func (s *Store) RecordPlan(dirID, planHash string, blob []byte) (DirectoryRecord, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		plans := tx.Bucket([]byte(storekeys.BucketPlans))
		pr := PlanRecord{PlanHash: planHash, DirID: dirID, Blob: blob}
		raw, err := json.Marshal(pr)
		if err != nil {
			return fmt.Errorf("marshal plan record: %w", err)
		}
		return plans.Put([]byte(storekeys.Plan(planHash)), raw)
	})
	if err != nil {
		return DirectoryRecord{}, err
	}
	return s.SetState(dirID, StatePlanned, func(r *DirectoryRecord) {
		r.PlanHash = planHash
	})
}

// GetPlan retrieves a previously stored plan blob by hash.
func (s *Store) GetPlan(planHash string) (PlanRecord, bool, error) {
	var pr PlanRecord
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(storekeys.BucketPlans)).Get([]byte(storekeys.Plan(planHash)))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &pr)
	})
	return pr, ok, err
}

// RecordApply stores an apply record and transitions the directory
// according to status. planHash must match the directory's currently
// recorded plan hash, or rerr.KindStalePlan is returned — applying a plan
// computed against an earlier state is never allowed.
func (s *Store) RecordApply(dirID, applyID, planHash string, status ApplyStatus, blob []byte) (DirectoryRecord, error) {
	rec, ok, err := s.Get(dirID)
	if err != nil {
		return DirectoryRecord{}, err
	}
	if !ok {
		return DirectoryRecord{}, rerr.New(rerr.KindValidation, dirID, nil, "scan the directory before applying", nil)
	}
	if rec.PlanHash != planHash {
		return DirectoryRecord{}, rerr.New(rerr.KindStalePlan, dirID, nil,
			"recompute and re-plan before applying", nil)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		apply := tx.Bucket([]byte(storekeys.BucketApplyRecords))
		row := ApplyRecordRow{ApplyID: applyID, DirID: dirID, PlanHash: planHash, Status: status, Blob: blob}
		raw, merr := json.Marshal(row)
		if merr != nil {
			return fmt.Errorf("marshal apply record: %w", merr)
		}
		return apply.Put([]byte(storekeys.ApplyRecord(applyID)), raw)
	})
	if err != nil {
		return DirectoryRecord{}, err
	}

	target := StateFailed
	if status == ApplyStatusApplied || status == ApplyStatusNoopAlreadyApplied {
		target = StateApplied
	}
	return s.SetState(dirID, target, func(r *DirectoryRecord) {
		r.ApplyID = applyID
	})
}

// GetApplyRecord retrieves a previously stored apply record by ID.
func (s *Store) GetApplyRecord(applyID string) (ApplyRecordRow, bool, error) {
	var row ApplyRecordRow
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(storekeys.BucketApplyRecords)).Get([]byte(storekeys.ApplyRecord(applyID)))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &row)
	})
	return row, ok, err
}

// Unjail clears a JAILED directory back to NEW so the next scan picks it up
// fresh. It takes the JAILED→NEW edge listed in validTransitions, writing
// the record directly rather than through SetState.
func (s *Store) Unjail(dirID string) (DirectoryRecord, error) {
	var rec DirectoryRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storekeys.BucketDirectories))
		existing, ok, err := getDirectory(b, dirID)
		if err != nil {
			return err
		}
		if !ok {
			return rerr.New(rerr.KindValidation, dirID, nil, "unknown directory", nil)
		}
		if existing.State != StateJailed {
			return rerr.New(rerr.KindInvalidState, dirID, nil, "directory is not jailed", nil)
		}
		rec = existing
		rec.State = StateNew
		rec.Pinned = PinnedRelease{}
		rec.PlanHash = ""
		rec.ApplyID = ""
		rec.JailReason = ""
		rec.JailedAt = time.Time{}
		rec.UpdatedAt = s.clock.Now().UTC()
		if err := s.appendAuditLocked(tx, &rec, "unjailed", ""); err != nil {
			return err
		}
		return putDirectory(b, []byte(storekeys.Directory(dirID)), rec)
	})
	return rec, err
}

// GetAudit returns every audit event recorded for dirID, in append order.
func (s *Store) GetAudit(dirID string) ([]AuditEvent, error) {
	var events []AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(storekeys.BucketAudit))
		c := b.Cursor()
		prefix := []byte(storekeys.AuditPrefix(dirID))
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ev AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal audit event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// ResolveAlias looks up a learned canonical display form for (namespace,
// matchKey), if one has been recorded.
func (s *Store) ResolveAlias(namespace, matchKey string) (string, bool, error) {
	var display string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(storekeys.BucketAliases)).Get([]byte(storekeys.Alias(namespace, matchKey)))
		if raw == nil {
			return nil
		}
		var a Alias
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		display, ok = a.CanonicalDisplay, true
		return nil
	})
	return display, ok, err
}

// PutAlias records a learned canonical display form for (namespace,
// matchKey), overwriting any prior value.
func (s *Store) PutAlias(namespace, matchKey, canonicalDisplay string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a := Alias{Namespace: namespace, MatchKey: matchKey, CanonicalDisplay: canonicalDisplay}
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal alias: %w", err)
		}
		return tx.Bucket([]byte(storekeys.BucketAliases)).Put([]byte(storekeys.Alias(namespace, matchKey)), raw)
	})
}

func getDirectory(b *bolt.Bucket, dirID string) (DirectoryRecord, bool, error) {
	raw := b.Get([]byte(storekeys.Directory(dirID)))
	if raw == nil {
		return DirectoryRecord{}, false, nil
	}
	var rec DirectoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return DirectoryRecord{}, false, fmt.Errorf("unmarshal directory record: %w", err)
	}
	return rec, true, nil
}

func putDirectory(b *bolt.Bucket, key []byte, rec DirectoryRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal directory record: %w", err)
	}
	return b.Put(key, raw)
}

// appendAuditLocked writes one audit event for rec within tx and advances
// rec.NextAuditSeq. Caller still needs to persist rec afterward.
func (s *Store) appendAuditLocked(tx *bolt.Tx, rec *DirectoryRecord, kind, payload string) error {
	b := tx.Bucket([]byte(storekeys.BucketAudit))
	seq := rec.NextAuditSeq
	rec.NextAuditSeq++

	ev := AuditEvent{DirID: rec.DirID, Seq: seq, At: s.clock.Now().UTC(), Kind: kind, Payload: payload}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return b.Put([]byte(storekeys.AuditKey(rec.DirID, seq)), raw)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
