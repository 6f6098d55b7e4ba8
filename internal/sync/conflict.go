package syncer

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// timestampFields lists the keys excluded from the conflict hash and
// consulted, in order, by the latest_wins strategy (spec §4.7).
var timestampFields = []string{"updated_at", "modified_at", "last_updated", "timestamp"}

// mergeFields are the keys latest_wins's merge sibling takes from the local
// side by default.
var defaultMergeFields = []string{"agent_analysis", "quality_score", "recommendations"}

// ContentHash computes md5(canonical_json(payload minus timestamp fields)),
// the basis for conflict detection between a local and an external payload.
func ContentHash(payload map[string]any) (string, error) {
	stripped := make(map[string]any, len(payload))
	for k, v := range payload {
		if containsField(timestampFields, k) {
			continue
		}
		stripped[k] = v
	}
	canonical, err := canonicalJSON(stripped)
	if err != nil {
		return "", fmt.Errorf("syncer: canonicalize payload: %w", err)
	}
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Detect reports whether local and external payloads diverge. Both sides
// must be present for a conflict to be possible — an absent side is a plain
// one-directional push/pull, not a conflict.
func Detect(local, external map[string]any) (conflict bool, err error) {
	if local == nil || external == nil {
		return false, nil
	}
	localHash, err := ContentHash(local)
	if err != nil {
		return false, err
	}
	externalHash, err := ContentHash(external)
	if err != nil {
		return false, err
	}
	return localHash != externalHash, nil
}

// Strategy names one of spec §4.7's conflict resolution strategies.
type Strategy string

const (
	StrategyLatestWins   Strategy = "latest_wins"
	StrategyMerge        Strategy = "merge"
	StrategyManual       Strategy = "manual"
	StrategyAgentPriority Strategy = "agent_priority"
	StrategyOJSPriority  Strategy = "ojs_priority"
)

// DefaultStrategy is used when the caller names no strategy.
const DefaultStrategy = StrategyLatestWins

// Resolution is the outcome of applying a Strategy to one conflict.
type Resolution struct {
	Resolved bool
	// Winner is the payload that should be pushed to the loser, populated
	// for every strategy that resolves (latest_wins, merge, agent_priority,
	// ojs_priority); nil for manual.
	Winner map[string]any
}

// Resolve applies strategy to a detected conflict between local and
// external. An empty strategy falls back to DefaultStrategy. mergeFields, if
// non-empty, overrides defaultMergeFields for the merge strategy.
func Resolve(strategy Strategy, local, external map[string]any, mergeFields []string) (Resolution, error) {
	if strategy == "" {
		strategy = DefaultStrategy
	}

	switch strategy {
	case StrategyLatestWins:
		return resolveLatestWins(local, external)
	case StrategyMerge:
		return resolveMerge(local, external, mergeFields)
	case StrategyManual:
		return Resolution{Resolved: false}, nil
	case StrategyAgentPriority:
		// The source names this strategy but never implements concrete
		// semantics; local (the agent's own view) wins deterministically.
		return Resolution{Resolved: true, Winner: local}, nil
	case StrategyOJSPriority:
		// Same deferred-semantics case as agent_priority; external (OJS's
		// view) wins deterministically.
		return Resolution{Resolved: true, Winner: external}, nil
	default:
		return resolveLatestWins(local, external)
	}
}

func resolveLatestWins(local, external map[string]any) (Resolution, error) {
	localTime, localOK := extractTimestamp(local)
	externalTime, externalOK := extractTimestamp(external)

	switch {
	case localOK && externalOK:
		if externalTime.After(localTime) {
			return Resolution{Resolved: true, Winner: external}, nil
		}
		return Resolution{Resolved: true, Winner: local}, nil
	case externalOK:
		return Resolution{Resolved: true, Winner: external}, nil
	case localOK:
		return Resolution{Resolved: true, Winner: local}, nil
	default:
		// Neither side carries a recognizable timestamp: nothing to compare
		// against, so the conflict is left for manual resolution.
		return Resolution{Resolved: false}, nil
	}
}

func resolveMerge(local, external map[string]any, fields []string) (Resolution, error) {
	if len(fields) == 0 {
		fields = defaultMergeFields
	}
	merged := make(map[string]any, len(external)+len(fields)+1)
	for k, v := range external {
		merged[k] = v
	}
	for _, f := range fields {
		if v, ok := local[f]; ok {
			merged[f] = v
		}
	}
	merged["last_updated"] = time.Now().UTC().Format(time.RFC3339)
	return Resolution{Resolved: true, Winner: merged}, nil
}

// extractTimestamp pulls a timestamp from the first present field of
// timestampFields, normalizing bare "T"-containing strings (assumed UTC, no
// offset) and trailing "Z" forms.
func extractTimestamp(payload map[string]any) (time.Time, bool) {
	for _, field := range timestampFields {
		raw, ok := payload[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if t, ok := parseTimestamp(s); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(s string) (time.Time, bool) {
	normalized := s
	switch {
	case len(normalized) > 0 && normalized[len(normalized)-1] == 'Z':
		normalized = normalized[:len(normalized)-1] + "+00:00"
	case containsRune(normalized, 'T') && !hasOffset(normalized):
		normalized += "+00:00"
	}
	layouts := []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05-07:00"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func hasOffset(s string) bool {
	for i := len(s) - 1; i >= 0 && i >= len(s)-6; i-- {
		if s[i] == '+' || s[i] == '-' {
			return true
		}
	}
	return false
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

// canonicalJSON renders v as JSON with sorted map keys so structurally
// identical payloads always hash identically regardless of field order.
func canonicalJSON(v any) (string, error) {
	normalized, err := normalizeForCanonicalJSON(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalizeForCanonicalJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return sortedCopy(out), nil
}

// sortedCopy walks a decoded JSON value, leaving map[string]any keys ordered
// for Marshal's deterministic (already-sorted) map output to apply
// recursively — present mainly to make the sort order explicit for readers.
func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedCopy(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return t
	}
}
