package learning

import (
	"fmt"
	"sort"
	"sync"
)

// Pattern is a cluster of data points sharing a composite key, with a
// confidence proportional to cluster size (spec §4.3).
type Pattern struct {
	Key        string
	Size       int
	Confidence float64
}

// Anomaly is a data point whose cluster is rare relative to everything observed.
type Anomaly struct {
	Key   string
	Score float64
}

// UnsupervisedLearner clusters observed data points by a composite key
// (sorted key names concatenated with inferred value kinds) and flags rare
// clusters as anomalies.
type UnsupervisedLearner struct {
	mu       sync.Mutex
	clusters map[string]int
	total    int
}

// NewUnsupervisedLearner builds an empty clusterer.
func NewUnsupervisedLearner() *UnsupervisedLearner {
	return &UnsupervisedLearner{clusters: make(map[string]int)}
}

// Observe assigns point to its composite-key cluster.
func (u *UnsupervisedLearner) Observe(point map[string]any) string {
	key := compositeKey(point)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.clusters[key]++
	u.total++
	return key
}

// Patterns returns every cluster of size >= 2, largest first.
func (u *UnsupervisedLearner) Patterns() []Pattern {
	u.mu.Lock()
	defer u.mu.Unlock()

	var out []Pattern
	for key, size := range u.clusters {
		if size < 2 {
			continue
		}
		confidence := float64(size) / 10
		if confidence > 1 {
			confidence = 1
		}
		out = append(out, Pattern{Key: key, Size: size, Confidence: confidence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out
}

// Anomalies returns every cluster whose frequency is below 10% of all
// observed points, rarest first.
func (u *UnsupervisedLearner) Anomalies() []Anomaly {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.total == 0 {
		return nil
	}

	var out []Anomaly
	for key, size := range u.clusters {
		frequency := float64(size) / float64(u.total)
		if frequency < 0.10 {
			out = append(out, Anomaly{Key: key, Score: 1 - frequency})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// compositeKey builds the clustering key from point's sorted field names and
// each value's inferred kind (number/string/bool/other).
func compositeKey(point map[string]any) string {
	keys := make([]string, 0, len(point))
	for k := range point {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := ""
	for _, k := range keys {
		key += fmt.Sprintf("%s:%s|", k, valueKind(point[k]))
	}
	return key
}

func valueKind(v any) string {
	switch v.(type) {
	case float64, float32, int, int64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	default:
		return "other"
	}
}
