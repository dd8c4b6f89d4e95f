// Package applier is the sole mutator of the filesystem and tags. It executes a Plan transactionally: stage every file move, write
// tags, handle non-audio files, delete the empty source directory, and
// record an ApplyRecord — or detect partial completion / roll back.
package applier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"resonance/pkg/planner"
	"resonance/pkg/rerr"
	"resonance/pkg/store"
	"resonance/pkg/tagio"
)

// TagWriter is the capability the applier uses to read and write tags.
// ReadTags backs the pre-apply snapshot captured when
// Options.CapturePreApplyTagSnapshot is set. tagio.Registry satisfies this.
type TagWriter interface {
	ReadTags(path string) (map[string]string, error)
	WriteTags(path string, patch tagio.Patch) error
}

// FingerprintReader is the audio-fingerprinting collaborator used to verify
// a source file's content still matches the plan's expected fingerprint
// before it is moved. scanner.FingerprintReader and
// scanner.ContentHashFingerprintReader satisfy this.
type FingerprintReader interface {
	Read(path string) (fingerprintID string, durationSeconds int, ok bool)
}

// Options configures one Apply call.
type Options struct {
	AllowedRoots               []string
	CapturePreApplyTagSnapshot bool

	// AllowDeleteNonAudio re-states the planner's DELETE opt-in at apply
	// time; a plan carrying DELETE non-audio operations is rejected before
	// any mutation unless the caller sets it.
	AllowDeleteNonAudio bool
}

// opState classifies one TrackOperation's filesystem state.
type opState string

const (
	opBothPresent     opState = "both_present"
	opBothAbsent      opState = "both_absent"
	opSourceOnly      opState = "source_only"
	opDestinationOnly opState = "destination_only"
)

// opAction is what the applier decided to do with one TrackOperation after
// reconciling its filesystem state with the plan's conflict policy.
type opAction int

const (
	actMove           opAction = iota // normal move + tag
	actAlreadyMoved                   // resume: destination already in place, tag only
	actMergeIdentical                 // destination holds identical bytes: drop source, tag
	actSkipConflict                   // conflict policy SKIP: leave both files untouched
)

// Result is the outcome of an Apply call, mirroring the ApplyRecord fields
// persisted to the store.
type Result struct {
	ApplyID       string
	Status        store.ApplyStatus
	OperationsLog []string
	RollbackBlob  []byte
	Errors        []string
}

// rollbackStep records one filesystem action taken during apply, in the
// order performed, so a failure can reverse them in reverse order.
type rollbackStep struct {
	Kind        string // "rename" | "mkdir"
	Source      string
	Destination string
}

// plannedOp is one TrackOperation with its resolved action and final
// destination (which differs from the plan's under ConflictRename).
type plannedOp struct {
	op     planner.TrackOperation
	action opAction
	dest   string // absolute destination path
}

// Apply executes plan transactionally against the directory record in st,
// validating preconditions before touching the filesystem.
func Apply(st *store.Store, plan planner.Plan, tw TagWriter, fp FingerprintReader, opts Options) (Result, error) {
	if plan.PlanSchemaVersion != planner.SchemaVersion {
		return Result{}, rerr.New(rerr.KindValidation, plan.DirID, nil, "unrecognized plan schema version", nil)
	}
	if len(plan.TagPatches) != len(plan.Operations) {
		return Result{}, rerr.New(rerr.KindValidation, plan.DirID, nil, "plan tag patches do not align with operations", nil)
	}
	if err := validatePaths(plan); err != nil {
		return Result{}, err
	}
	if !opts.AllowDeleteNonAudio {
		for _, na := range plan.NonAudio {
			if na.Policy == planner.NonAudioDelete {
				return Result{}, rerr.New(rerr.KindValidation, plan.DirID, []string{na.SourceRelativePath},
					"plan deletes non-audio files but the allow-delete-non-audio opt-in is not set", nil)
			}
		}
	}

	rec, ok, err := st.Get(plan.DirID)
	if err != nil {
		return Result{}, err
	}
	if !ok || rec.PlanHash != plan.PlanHash ||
		(rec.State != store.StatePlanned && rec.State != store.StateApplied) {
		return Result{}, rerr.New(rerr.KindStalePlan, plan.DirID, nil,
			"recompute and re-plan before applying", nil)
	}
	if plan.SignatureHash != "" && rec.SignatureHash != plan.SignatureHash {
		return Result{}, rerr.New(rerr.KindSignatureMismatch, plan.DirID, []string{plan.SourcePath},
			"run rescan to update the record, then re-plan", nil)
	}
	if rec.LastSeenPath != plan.SourcePath {
		return Result{}, rerr.New(rerr.KindStalePlan, plan.DirID, []string{plan.SourcePath},
			"rescan the directory; its last-seen path has changed", nil)
	}
	if err := validateDestinationRoot(plan.DestinationPath, opts.AllowedRoots); err != nil {
		return Result{}, err
	}

	states := classifyOperations(plan)
	if idempotent, result := checkAlreadyApplied(plan, states); idempotent {
		if _, err := st.RecordApply(plan.DirID, result.ApplyID, plan.PlanHash, store.ApplyStatusNoopAlreadyApplied, marshalResult(result)); err != nil {
			return Result{}, err
		}
		return result, nil
	}
	if rec.State == store.StateApplied {
		// The record says this plan completed, but the files on disk no
		// longer match the applied layout. Nothing safe can be done
		// automatically.
		return Result{}, rerr.New(rerr.KindInvalidState, plan.DirID, []string{plan.DestinationPath},
			"record is APPLIED but destination files diverge; run rescan and inspect manually", nil)
	}

	ops, err := resolveConflicts(plan, states)
	if err != nil {
		return Result{}, err
	}
	if bad, detail := hasConflictingState(plan, states); bad {
		result := Result{
			ApplyID: uuid.NewString(),
			Status:  store.ApplyStatusPartialComplete,
			Errors:  []string{detail},
		}
		if _, err := st.RecordApply(plan.DirID, result.ApplyID, plan.PlanHash, store.ApplyStatusPartialComplete, marshalResult(result)); err != nil {
			return Result{}, err
		}
		return result, rerr.New(rerr.KindPartialComplete, plan.DirID, nil,
			"manually inspect source and destination files before retrying", nil)
	}

	if err := validateSourceFiles(plan, states, fp); err != nil {
		return Result{}, err
	}

	applyID := uuid.NewString()
	var steps []rollbackStep
	var opsLog []string
	var taggedOrder []string
	tagSnapshots := map[string]map[string]string{}

	rollback := func(cause error) (Result, error) {
		if opts.CapturePreApplyTagSnapshot {
			restoreTagSnapshots(tw, taggedOrder, tagSnapshots)
		}
		errs := rollbackAll(steps)
		result := Result{
			ApplyID:       applyID,
			Status:        store.ApplyStatusFailed,
			OperationsLog: opsLog,
			RollbackBlob:  marshalSteps(steps),
			Errors:        append([]string{cause.Error()}, errs...),
		}
		if _, err := st.RecordApply(plan.DirID, applyID, plan.PlanHash, store.ApplyStatusFailed, marshalResult(result)); err != nil {
			return Result{}, err
		}
		return result, cause
	}

	if err := os.MkdirAll(plan.DestinationPath, 0o755); err != nil {
		return rollback(fmt.Errorf("create destination dir: %w", err))
	}

	for _, p := range ops {
		src := filepath.Join(plan.SourcePath, p.op.SourceRelativePath)
		switch p.action {
		case actAlreadyMoved:
			opsLog = append(opsLog, "resume: already moved "+p.op.DestinationRelativePath)
		case actSkipConflict:
			opsLog = append(opsLog, "skipped (destination exists) "+p.op.DestinationRelativePath)
		case actMergeIdentical:
			if err := os.Remove(src); err != nil {
				return rollback(fmt.Errorf("merge-identical remove %s: %w", p.op.SourceRelativePath, err))
			}
			opsLog = append(opsLog, "merged identical "+p.op.SourceRelativePath)
		case actMove:
			if err := os.MkdirAll(filepath.Dir(p.dest), 0o755); err != nil {
				return rollback(fmt.Errorf("create track destination dir: %w", err))
			}
			if err := moveFile(src, p.dest); err != nil {
				return rollback(fmt.Errorf("move %s: %w", p.op.SourceRelativePath, err))
			}
			steps = append(steps, rollbackStep{Kind: "rename", Source: src, Destination: p.dest})
			opsLog = append(opsLog, "moved "+p.op.SourceRelativePath+" -> "+p.op.DestinationRelativePath)
		}
	}

	for i, p := range ops {
		if p.action == actSkipConflict {
			continue
		}
		patch := tagio.Patch{Set: plan.TagPatches[i].Set, Unset: plan.TagPatches[i].Unset}
		if opts.CapturePreApplyTagSnapshot {
			if snap, err := tw.ReadTags(p.dest); err == nil {
				tagSnapshots[p.dest] = snap
			}
		}
		if err := tw.WriteTags(p.dest, patch); err != nil {
			return rollback(fmt.Errorf("write tags for %s: %w", p.op.DestinationRelativePath, err))
		}
		taggedOrder = append(taggedOrder, p.dest)
		opsLog = append(opsLog, "tagged "+p.op.DestinationRelativePath)
	}

	for _, na := range plan.NonAudio {
		if err := applyNonAudio(plan, na, opts); err != nil {
			return rollback(fmt.Errorf("non-audio %s: %w", na.SourceRelativePath, err))
		}
		opsLog = append(opsLog, "non-audio "+string(na.Policy)+" "+na.SourceRelativePath)
	}

	removeSourceIfEmpty(plan.SourcePath)

	result := Result{ApplyID: applyID, Status: store.ApplyStatusApplied, OperationsLog: opsLog}
	if _, err := st.RecordApply(plan.DirID, applyID, plan.PlanHash, store.ApplyStatusApplied, marshalResult(result)); err != nil {
		return Result{}, err
	}
	return result, nil
}

func marshalResult(r Result) []byte {
	buf, _ := json.Marshal(r)
	return buf
}

func marshalSteps(steps []rollbackStep) []byte {
	buf, _ := json.Marshal(steps)
	return buf
}

// validatePaths rejects traversal and null bytes at load time, before any
// filesystem operation.
func validatePaths(plan planner.Plan) error {
	check := func(p string) error {
		if strings.Contains(p, "\x00") || strings.Contains(p, "..") {
			return rerr.New(rerr.KindPathEscape, plan.DirID, []string{p}, "plan contains a traversal or null-byte path", nil)
		}
		return nil
	}
	if err := check(plan.DestinationPath); err != nil {
		return err
	}
	for _, op := range plan.Operations {
		if err := check(op.SourceRelativePath); err != nil {
			return err
		}
		if err := check(op.DestinationRelativePath); err != nil {
			return err
		}
	}
	for _, na := range plan.NonAudio {
		if err := check(na.SourceRelativePath); err != nil {
			return err
		}
		if err := check(na.DestinationRelativePath); err != nil {
			return err
		}
	}
	return nil
}

func validateDestinationRoot(dest string, allowedRoots []string) error {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return rerr.New(rerr.KindPathEscape, "", []string{dest}, "could not resolve destination path", err)
	}
	for _, root := range allowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return rerr.New(rerr.KindPathEscape, "", []string{dest}, "destination is outside every allowed library root", nil)
}

func classifyOperations(plan planner.Plan) []opState {
	states := make([]opState, len(plan.Operations))
	for i, op := range plan.Operations {
		src := filepath.Join(plan.SourcePath, op.SourceRelativePath)
		dst := filepath.Join(plan.DestinationPath, op.DestinationRelativePath)
		_, srcErr := os.Stat(src)
		_, dstErr := os.Stat(dst)
		srcExists, dstExists := srcErr == nil, dstErr == nil
		switch {
		case srcExists && dstExists:
			states[i] = opBothPresent
		case !srcExists && !dstExists:
			states[i] = opBothAbsent
		case srcExists:
			states[i] = opSourceOnly
		default:
			states[i] = opDestinationOnly
		}
	}
	return states
}

// checkAlreadyApplied implements idempotence detection: every
// destination file present and the source directory gone. Destination
// sizes and fingerprints are not compared against the plan.
func checkAlreadyApplied(plan planner.Plan, states []opState) (bool, Result) {
	for _, s := range states {
		if s != opDestinationOnly {
			return false, Result{}
		}
	}
	if len(states) == 0 {
		return false, Result{}
	}
	if _, err := os.Stat(plan.SourcePath); err == nil {
		return false, Result{}
	}
	return true, Result{Status: store.ApplyStatusNoopAlreadyApplied, ApplyID: uuid.NewString()}
}

// resolveConflicts maps each operation's filesystem state and the plan's
// conflict policy to an action, without mutating anything. A both_present
// operation the policy cannot resolve is rejected here with Collision; the
// remaining both_present/both_absent cases fall through to the
// partial-completion detector.
func resolveConflicts(plan planner.Plan, states []opState) ([]plannedOp, error) {
	conflict := conflictPolicyOf(plan)
	ops := make([]plannedOp, len(plan.Operations))
	for i, op := range plan.Operations {
		src := filepath.Join(plan.SourcePath, op.SourceRelativePath)
		dst := filepath.Join(plan.DestinationPath, op.DestinationRelativePath)
		p := plannedOp{op: op, action: actMove, dest: dst}

		switch states[i] {
		case opDestinationOnly:
			p.action = actAlreadyMoved
		case opBothPresent:
			switch conflict {
			case planner.ConflictSkip:
				p.action = actSkipConflict
			case planner.ConflictRename:
				renamed, err := renameCandidate(dst)
				if err != nil {
					return nil, rerr.New(rerr.KindCollision, plan.DirID, []string{dst},
						"no free rename candidate for the destination", err)
				}
				p.dest = renamed
			case planner.ConflictMergeIdentical:
				same, err := filesIdentical(src, dst)
				if err != nil {
					return nil, fmt.Errorf("compare %s with destination: %w", op.SourceRelativePath, err)
				}
				if !same {
					return nil, rerr.New(rerr.KindCollision, plan.DirID, []string{src, dst},
						"destination exists with different content; resolve manually", nil)
				}
				p.action = actMergeIdentical
			case planner.ConflictFail:
				same, err := filesIdentical(src, dst)
				if err != nil {
					return nil, fmt.Errorf("compare %s with destination: %w", op.SourceRelativePath, err)
				}
				if !same {
					return nil, rerr.New(rerr.KindCollision, plan.DirID, []string{src, dst},
						"destination exists and conflict policy is FAIL", nil)
				}
				// Identical content at both ends reads as a prior
				// interrupted move; the partial-completion detector
				// reports it rather than this policy.
			}
		}
		ops[i] = p
	}
	return ops, nil
}

// conflictPolicyOf reads the plan's conflict policy, defaulting an unset
// value to FAIL — the safe interpretation for plans from older writers.
func conflictPolicyOf(plan planner.Plan) planner.ConflictPolicy {
	if plan.Policies.Conflict == "" {
		return planner.ConflictFail
	}
	return plan.Policies.Conflict
}

// renameCandidate returns dst with the first free numeric suffix, e.g.
// "01 - Track (1).flac". Deterministic: lowest free index wins.
func renameCandidate(dst string) (string, error) {
	ext := filepath.Ext(dst)
	base := strings.TrimSuffix(dst, ext)
	for i := 1; i < 100; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("suffixes 1..99 all taken for %s", dst)
}

func filesIdentical(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ia.Size() != ib.Size() {
		return false, nil
	}
	ba, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	bb, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ba, bb), nil
}

// hasConflictingState reports the partial-completion cases the conflict
// policy did not resolve: an identical-content both_present under
// FAIL (possibly duplicated by an interrupted move), or both_absent.
func hasConflictingState(plan planner.Plan, states []opState) (bool, string) {
	for i, s := range states {
		if s == opBothPresent && conflictPolicyOf(plan) == planner.ConflictFail {
			return true, fmt.Sprintf("operation %d: source and destination both present (possibly duplicated)", i)
		}
		if s == opBothAbsent {
			return true, fmt.Sprintf("operation %d: source and destination both missing", i)
		}
	}
	return false, ""
}

// validateSourceFiles confirms every source file the apply is about to move
// still has the size and fingerprint recorded in the plan. A file whose
// bytes were replaced between planning and applying — even with the same
// size — must be caught here rather than moved and tagged as if it were the
// content the plan was built for.
func validateSourceFiles(plan planner.Plan, states []opState, fp FingerprintReader) error {
	for i, op := range plan.Operations {
		if states[i] != opSourceOnly {
			continue
		}
		src := filepath.Join(plan.SourcePath, op.SourceRelativePath)
		fi, err := os.Stat(src)
		if err != nil {
			return rerr.New(rerr.KindSourceMismatch, plan.DirID, []string{src}, "expected source file missing", err)
		}
		if fi.Size() != op.ExpectedSize {
			return rerr.New(rerr.KindSourceMismatch, plan.DirID, []string{src}, "source file size diverges from plan", nil)
		}
		if op.ExpectedFingerprintID != "" {
			got, _, ok := fp.Read(src)
			if !ok || got != op.ExpectedFingerprintID {
				return rerr.New(rerr.KindSourceMismatch, plan.DirID, []string{src}, "source file fingerprint diverges from plan", nil)
			}
		}
	}
	return nil
}

// moveFile renames src to dst, falling back to copy+fsync+rename across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFileFsyncRename(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFileFsyncRename(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".resonance-tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	srcInfo, err1 := os.Stat(src)
	dstInfo, err2 := os.Stat(tmp)
	if err1 != nil || err2 != nil || srcInfo.Size() != dstInfo.Size() {
		os.Remove(tmp)
		return fmt.Errorf("copy verification failed for %s", src)
	}
	return os.Rename(tmp, dst)
}

func applyNonAudio(plan planner.Plan, na planner.NonAudioOperation, opts Options) error {
	src := filepath.Join(plan.SourcePath, na.SourceRelativePath)
	switch na.Policy {
	case planner.NonAudioIgnore:
		return nil
	case planner.NonAudioDelete:
		// Re-checked here even though Apply validates up front: deleting a
		// user's file is the one non-audio action that cannot be rolled back.
		if !opts.AllowDeleteNonAudio {
			return rerr.New(rerr.KindValidation, plan.DirID, []string{src},
				"DELETE non-audio operation without the allow-delete-non-audio opt-in", nil)
		}
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	default: // MOVE_WITH_ALBUM
		dst := filepath.Join(plan.DestinationPath, na.DestinationRelativePath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if _, err := os.Stat(src); os.IsNotExist(err) {
			return nil
		}
		return moveFile(src, dst)
	}
}

func removeSourceIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

// restoreTagSnapshots writes back the tags captured before each tag write
// in order, reversed, for every path a snapshot exists for. Best-effort:
// a failed restore is not itself rolled back further.
func restoreTagSnapshots(tw TagWriter, order []string, snapshots map[string]map[string]string) {
	for i := len(order) - 1; i >= 0; i-- {
		path := order[i]
		snap, ok := snapshots[path]
		if !ok {
			continue
		}
		_ = tw.WriteTags(path, tagio.Patch{Set: snap})
	}
}

// rollbackAll reverses steps in reverse order.
// Idempotent: calling it on an empty step list is a no-op.
func rollbackAll(steps []rollbackStep) []string {
	var errs []string
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Kind != "rename" {
			continue
		}
		if err := os.Rename(s.Destination, s.Source); err != nil {
			errs = append(errs, fmt.Sprintf("rollback failed for %s: leaving file at %s", s.Source, s.Destination))
		}
	}
	return errs
}
