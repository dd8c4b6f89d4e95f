// Command resonance scans a music library, identifies each directory
// against external providers, and plans/applies a canonical reorganization.
// Uses package-level flag vars, config.Env for flag/env-default fallback,
// and log/slog for structured output.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"resonance/pkg/applier"
	"resonance/pkg/clockutil"
	"resonance/pkg/config"
	"resonance/pkg/identifier"
	"resonance/pkg/musicbrainz"
	"resonance/pkg/planner"
	"resonance/pkg/provider"
	acoustidprovider "resonance/pkg/provider/acoustid"
	musicbrainzprovider "resonance/pkg/provider/musicbrainz"
	"resonance/pkg/resolver"
	"resonance/pkg/scanner"
	"resonance/pkg/signature"
	"resonance/pkg/store"
	"resonance/pkg/tagio"
)

var (
	flagStorePath    string
	flagCachePath    string
	flagScanRoots    []string
	flagLibraryRoots []string
	flagSymlinks     bool
	flagOffline      bool
	flagAcoustIDKey  string
	flagNonAudio     string
	flagDeleteExtras bool
	flagDryRun       bool
)

var rootCmd = &cobra.Command{
	Use:   "resonance",
	Short: "Identify and reorganize a music library against canonical releases",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagStorePath, "store", config.Env("RESONANCE_STORE", config.DefaultStorePath), "Path to the embedded state store")
	pf.StringVar(&flagCachePath, "cache", config.Env("RESONANCE_CACHE", config.DefaultCachePath), "Path to the provider response cache")
	pf.StringSliceVar(&flagScanRoots, "scan-root", splitEnv("RESONANCE_SCAN_ROOTS"), "Directory to scan for audio (repeatable)")
	pf.StringSliceVar(&flagLibraryRoots, "library-root", splitEnv("RESONANCE_LIBRARY_ROOTS"), "Allowed destination root for reorganized audio (repeatable)")
	pf.BoolVar(&flagSymlinks, "follow-symlinks", config.EnvBool("RESONANCE_FOLLOW_SYMLINKS", false), "Include symlinked files while scanning (symlinked directories are not descended into)")
	pf.BoolVar(&flagOffline, "offline", config.EnvBool("RESONANCE_OFFLINE", false), "Forbid provider network fetches; cache misses return empty")
	pf.StringVar(&flagAcoustIDKey, "acoustid-key", config.Env("ACOUSTID_API_KEY", ""), "AcoustID API client key")
	pf.StringVar(&flagNonAudio, "non-audio", config.Env("RESONANCE_NON_AUDIO", string(planner.NonAudioMoveWithAlbum)), "Non-audio file policy: MOVE_WITH_ALBUM, IGNORE, or DELETE")
	pf.BoolVar(&flagDeleteExtras, "allow-delete-non-audio", config.EnvBool("RESONANCE_ALLOW_DELETE_NON_AUDIO", false), "Explicit opt-in required by --non-audio=DELETE")
	pf.BoolVar(&flagDryRun, "dry-run", false, "Print plans without applying or recording them (directory records and resolutions are still written to the store)")

	rootCmd.AddCommand(scanCmd, runCmd, pinCmd, jailCmd, unjailCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func splitEnv(key string) []string {
	v := config.Env(key, "")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// ---------------------------------------------------------------------------
// shared composition helpers
// ---------------------------------------------------------------------------

type pipeline struct {
	cfg       config.Config
	st        *store.Store
	cache     *provider.Cache
	providers identifier.Providers
	policy    planner.Policy
	tags      *tagio.Registry
}

// buildConfig assembles the one Config value the rest of the process reads;
// flags already carry their env-var fallbacks, so this is a straight copy.
func buildConfig() config.Config {
	return config.Config{
		LibraryRoots:        flagLibraryRoots,
		ScanRoots:           flagScanRoots,
		StorePath:           flagStorePath,
		CachePath:           flagCachePath,
		FollowSymlinks:      flagSymlinks,
		DryRun:              flagDryRun,
		NonAudioPolicy:      flagNonAudio,
		AllowDeleteNonAudio: flagDeleteExtras,
		OfflineMode:         flagOffline,
		AcoustIDKey:         flagAcoustIDKey,
	}
}

// parseNonAudioPolicy validates the --non-audio flag value and enforces the
// DELETE opt-in before any pipeline component runs.
func parseNonAudioPolicy(cfg config.Config) (planner.NonAudioPolicy, error) {
	policy := planner.NonAudioPolicy(cfg.NonAudioPolicy)
	switch policy {
	case planner.NonAudioMoveWithAlbum, planner.NonAudioIgnore:
		return policy, nil
	case planner.NonAudioDelete:
		if !cfg.AllowDeleteNonAudio {
			return "", fmt.Errorf("--non-audio=DELETE requires --allow-delete-non-audio")
		}
		return policy, nil
	default:
		return "", fmt.Errorf("unknown --non-audio policy %q", cfg.NonAudioPolicy)
	}
}

func openPipeline() (*pipeline, error) {
	cfg := buildConfig()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cache, err := provider.OpenCache(cfg.CachePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open provider cache: %w", err)
	}

	mbClient := musicbrainz.New()
	mbProvider := musicbrainzprovider.New(mbClient, 0)

	providers := identifier.Providers{mbProvider}
	if cfg.AcoustIDKey != "" {
		providers = append(identifier.Providers{acoustidprovider.New(cfg.AcoustIDKey, 1, mbProvider)}, providers...)
	}

	if len(cfg.LibraryRoots) == 0 {
		st.Close()
		cache.Close()
		return nil, fmt.Errorf("at least one --library-root is required")
	}
	nonAudio, err := parseNonAudioPolicy(cfg)
	if err != nil {
		st.Close()
		cache.Close()
		return nil, err
	}
	policy := planner.DefaultPolicy(cfg.LibraryRoots[0])
	policy.NonAudio = nonAudio
	policy.AllowDeleteNonAudio = cfg.AllowDeleteNonAudio

	return &pipeline{
		cfg:       cfg,
		st:        st,
		cache:     cache,
		providers: providers,
		policy:    policy,
		tags:      tagio.NewRegistry(tagio.MP3Writer{}, tagio.FLACWriter{}),
	}, nil
}

func (p *pipeline) Close() {
	p.st.Close()
	p.cache.Close()
}

// cacheGet adapts pipeline.cache to identifier.CacheGet, routing every
// provider call through the content-addressed cache.
func (p *pipeline) cacheGet(prov provider.Provider, methodName, normalizedArgs string, fetch func() []provider.Release) []provider.Release {
	key := provider.Key(prov.Name(), methodName, normalizedArgs, clientVersionOf(prov))
	releases, err := p.cache.GetOrFetch(key, clientVersionOf(prov), p.cfg.OfflineMode, fetch)
	if err != nil {
		slog.Warn("provider cache error", "provider", prov.Name(), "method", methodName, "err", err)
		return nil
	}
	return releases
}

func clientVersionOf(p provider.Provider) string {
	switch p.Name() {
	case musicbrainzprovider.Name:
		return musicbrainzprovider.ClientVersion
	case acoustidprovider.Name:
		return acoustidprovider.ClientVersion
	default:
		return "unknown"
	}
}

func (p *pipeline) scanBatches() ([]scanner.DirectoryBatch, []scanner.ScanError) {
	opts := scanner.Options{
		Roots:          p.cfg.ScanRoots,
		FollowSymlinks: p.cfg.FollowSymlinks,
	}
	return scanner.Walk(opts, scanner.ContentHashFingerprintReader{})
}

// ---------------------------------------------------------------------------
// scan: populate the store with every directory's content signature
// ---------------------------------------------------------------------------

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Walk the scan roots and register every directory's content signature",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		batches, errs := p.scanBatches()
		for _, e := range errs {
			slog.Warn("scan error", "path", e.Path, "err", e.Err)
		}

		for _, b := range batches {
			sig := signature.Signature{Hash: b.SignatureHash, Version: b.SignatureVersion}
			if _, err := p.st.GetOrCreate(b.DirID, sig, b.DirectoryPath); err != nil {
				slog.Error("register directory failed", "path", b.DirectoryPath, "err", err)
				continue
			}
			slog.Info("scanned", "dir_id", b.DirID, "path", b.DirectoryPath, "audio_files", len(b.AudioFiles))
		}
		return nil
	},
}

// ---------------------------------------------------------------------------
// run: scan -> identify/resolve -> plan -> apply, for every eligible directory
// ---------------------------------------------------------------------------

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full scan/identify/resolve/plan/apply pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		batches, scanErrs := p.scanBatches()
		for _, e := range scanErrs {
			slog.Warn("scan error", "path", e.Path, "err", e.Err)
		}

		clk := clockutil.New(nil)
		tagReader := p.tags

		var resolved, queued, jailed, applied, failed, unchanged int
		for _, b := range batches {
			sig := signature.Signature{Hash: b.SignatureHash, Version: b.SignatureVersion}
			rec, err := p.st.GetOrCreate(b.DirID, sig, b.DirectoryPath)
			if err != nil {
				slog.Error("register directory failed", "path", b.DirectoryPath, "err", err)
				continue
			}

			// An unchanged APPLIED directory is finished work: no provider
			// call, no plan, no mutation.
			if rec.State == store.StateApplied {
				unchanged++
				continue
			}

			// A PLANNED or FAILED directory resumes from its stored plan
			// instead of re-planning.
			if rec.State == store.StatePlanned || rec.State == store.StateFailed {
				if p.applyStoredPlan(rec, &applied, &failed) {
					continue
				}
			}

			batch := b
			outcome, err := resolver.Resolve(p.st, batch, func() identifier.Result {
				evidence := identifier.BuildEvidence(batch, tagReader)
				return identifier.Identify(evidence, p.providers, p.cacheGet)
			})
			if err != nil {
				slog.Error("resolve failed", "dir_id", b.DirID, "err", err)
				continue
			}

			switch outcome.Status {
			case resolver.StatusJailed:
				jailed++
				continue
			case resolver.StatusQueued:
				queued++
				slog.Info("queued for manual review", "dir_id", b.DirID, "path", b.DirectoryPath, "tier", outcome.Result.Tier, "candidates", len(outcome.Result.Candidates))
				continue
			case resolver.StatusResolved:
				resolved++
			}

			release, ok := resolver.FetchPinnedRelease(p.providers, outcome.Pinned, p.cacheGet)
			if !ok {
				slog.Error("pinned release could not be fetched", "dir_id", b.DirID, "provider", outcome.Pinned.ProviderName, "release_id", outcome.Pinned.ReleaseID)
				continue
			}

			rec, ok, err = p.st.Get(b.DirID)
			if err != nil || !ok {
				slog.Error("reload directory record failed", "dir_id", b.DirID, "err", err)
				continue
			}

			plan, err := planner.Build(rec, release, batch, p.policy, clk, tagReader)
			if err != nil {
				slog.Error("plan failed", "dir_id", b.DirID, "err", err)
				continue
			}

			if p.cfg.DryRun {
				slog.Info("dry-run plan", "dir_id", b.DirID, "destination", plan.DestinationPath, "plan_hash", plan.PlanHash, "tracks", len(plan.Operations))
				continue
			}

			blob, err := json.Marshal(plan)
			if err != nil {
				slog.Error("marshal plan failed", "dir_id", b.DirID, "err", err)
				continue
			}
			if _, err := p.st.RecordPlan(b.DirID, plan.PlanHash, blob); err != nil {
				slog.Error("record plan failed", "dir_id", b.DirID, "err", err)
				continue
			}

			result, err := applier.Apply(p.st, plan, p.tags, scanner.ContentHashFingerprintReader{}, applier.Options{AllowedRoots: p.cfg.LibraryRoots, AllowDeleteNonAudio: p.cfg.AllowDeleteNonAudio})
			if err != nil {
				failed++
				slog.Error("apply failed", "dir_id", b.DirID, "err", err, "status", result.Status)
				continue
			}
			applied++
			slog.Info("applied", "dir_id", b.DirID, "destination", plan.DestinationPath, "status", result.Status)
		}

		slog.Info("pipeline complete", "resolved", resolved, "queued", queued, "jailed", jailed,
			"applied", applied, "failed", failed, "unchanged", unchanged)
		return nil
	},
}

// applyStoredPlan retries a directory whose plan already exists (state
// PLANNED, or FAILED after inspection) from the stored plan blob. Returns
// true when the directory was handled, false when no usable stored plan
// exists and the caller should fall through to re-planning.
func (p *pipeline) applyStoredPlan(rec store.DirectoryRecord, applied, failed *int) bool {
	pr, ok, err := p.st.GetPlan(rec.PlanHash)
	if err != nil || !ok || len(pr.Blob) == 0 {
		slog.Warn("stored plan missing; re-planning", "dir_id", rec.DirID, "plan_hash", rec.PlanHash, "err", err)
		return false
	}
	var plan planner.Plan
	if err := json.Unmarshal(pr.Blob, &plan); err != nil {
		slog.Warn("stored plan unreadable; re-planning", "dir_id", rec.DirID, "err", err)
		return false
	}

	if p.cfg.DryRun {
		slog.Info("dry-run stored plan", "dir_id", rec.DirID, "destination", plan.DestinationPath, "plan_hash", plan.PlanHash)
		return true
	}

	if rec.State == store.StateFailed {
		// FAILED -> PLANNED is the retry-after-inspection edge; re-recording
		// the same plan performs the transition.
		if _, err := p.st.RecordPlan(rec.DirID, plan.PlanHash, pr.Blob); err != nil {
			slog.Error("re-record plan failed", "dir_id", rec.DirID, "err", err)
			return true
		}
	}

	result, err := applier.Apply(p.st, plan, p.tags, scanner.ContentHashFingerprintReader{}, applier.Options{AllowedRoots: p.cfg.LibraryRoots, AllowDeleteNonAudio: p.cfg.AllowDeleteNonAudio})
	if err != nil {
		*failed++
		slog.Error("apply failed", "dir_id", rec.DirID, "err", err, "status", result.Status)
		return true
	}
	*applied++
	slog.Info("applied", "dir_id", rec.DirID, "destination", plan.DestinationPath, "status", result.Status)
	return true
}

// ---------------------------------------------------------------------------
// manual resolution commands for QUEUED_PROMPT directories
// ---------------------------------------------------------------------------

var (
	flagPinDirID    string
	flagPinProvider string
	flagPinRelease  string
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manually pin a QUEUED_PROMPT directory to a specific (provider, release) pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		rec, err := resolver.ExternalPin(p.st, flagPinDirID, flagPinProvider, flagPinRelease, identifier.ScoringVersion)
		if err != nil {
			return err
		}
		slog.Info("pinned", "dir_id", rec.DirID, "provider", flagPinProvider, "release_id", flagPinRelease)
		return nil
	},
}

var flagJailDirID, flagJailReason string

var jailCmd = &cobra.Command{
	Use:   "jail",
	Short: "Mark a directory JAILED so it is skipped until unjailed",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		rec, err := resolver.ExternalJail(p.st, flagJailDirID, flagJailReason)
		if err != nil {
			return err
		}
		slog.Info("jailed", "dir_id", rec.DirID, "reason", flagJailReason)
		return nil
	},
}

var flagUnjailDirID string

var unjailCmd = &cobra.Command{
	Use:   "unjail",
	Short: "Clear a JAILED directory back to NEW",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		rec, err := p.st.Unjail(flagUnjailDirID)
		if err != nil {
			return err
		}
		slog.Info("unjailed", "dir_id", rec.DirID)
		return nil
	},
}

var flagAuditDirID string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the append-only audit trail for a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		events, err := p.st.GetAudit(flagAuditDirID)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%d\t%s\t%s\t%s\n", ev.Seq, ev.At.Format("2006-01-02T15:04:05Z"), ev.Kind, ev.Payload)
		}
		return nil
	},
}

func init() {
	pinCmd.Flags().StringVar(&flagPinDirID, "dir-id", "", "Directory ID to pin")
	pinCmd.Flags().StringVar(&flagPinProvider, "provider", "", "Provider name")
	pinCmd.Flags().StringVar(&flagPinRelease, "release-id", "", "Provider-native release ID")

	jailCmd.Flags().StringVar(&flagJailDirID, "dir-id", "", "Directory ID to jail")
	jailCmd.Flags().StringVar(&flagJailReason, "reason", "", "Reason recorded with the jail")

	unjailCmd.Flags().StringVar(&flagUnjailDirID, "dir-id", "", "Directory ID to unjail")

	auditCmd.Flags().StringVar(&flagAuditDirID, "dir-id", "", "Directory ID to print audit events for")
}
