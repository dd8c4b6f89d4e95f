// Package storekeys defines the bbolt bucket and key schema shared by
// pkg/store and pkg/provider's cache: one place names every key so the
// two packages never collide on bucket layout.
package storekeys

import "strings"

// Top-level bbolt buckets. One bucket per table in its "State store
// format" / "Provider cache format".
const (
	BucketSchemaMeta    = "schema_meta"
	BucketDirectories   = "directories"
	BucketPlans         = "plans"
	BucketApplyRecords  = "apply_records"
	BucketAliases       = "canonical_aliases"
	BucketAudit         = "audit_events"
	BucketProviderCache = "provider_cache"
)

// Directory returns the key for a DirectoryRecord row.
func Directory(dirID string) string { return dirID }

// Plan returns the key for a plan blob row.
func Plan(planHash string) string { return planHash }

// ApplyRecord returns the key for an apply record row.
func ApplyRecord(applyID string) string { return applyID }

// Alias returns the key for a canonical-alias row: (namespace, match_key).
func Alias(namespace, matchKey string) string {
	return namespace + "\x00" + matchKey
}

// AuditPrefix returns the key prefix for every audit event belonging to a
// dir_id, so a cursor scan can retrieve them in append order.
func AuditPrefix(dirID string) string { return dirID + "\x00" }

// AuditKey returns the full key for one audit event: dir_id, then a
// monotonically increasing sequence number zero-padded for lexicographic
// ordering.
func AuditKey(dirID string, seq uint64) string {
	return AuditPrefix(dirID) + zeroPad(seq)
}

// CacheKey returns the deterministic provider-cache key:
// (provider_name, method_name, normalized_args, client_version).
func CacheKey(providerName, methodName, normalizedArgs, clientVersion string) string {
	return strings.Join([]string{providerName, methodName, normalizedArgs, clientVersion}, "\x00")
}

func zeroPad(n uint64) string {
	const digits = "0123456789"
	buf := make([]byte, 20)
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf)
}
