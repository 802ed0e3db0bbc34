package consistency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Record is one flat row of upstream data. Values are opaque; fields
// referenced by a rule that are absent or nil normalize to the empty
// string rather than failing.
type Record map[string]any

// fieldSeparator keeps adjacent field values from colliding during
// normalization ("ab"+"c" vs "a"+"bc").
const fieldSeparator = "\x1f"

// recordSeparator joins normalized records before hashing.
const recordSeparator = "\n"

// normalizeRecord projects a record onto the rule's field subset, in the
// rule's field order.
func normalizeRecord(r Record, fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := r[f]
		if !ok || v == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, fieldSeparator)
}

// Checksum derives a stable hex digest over the given field subset of the
// records. Records are normalized, sorted, and joined so the digest does
// not depend on upstream response ordering.
func Checksum(records []Record, fields []string) string {
	normalized := make([]string, 0, len(records))
	for _, r := range records {
		normalized = append(normalized, normalizeRecord(r, fields))
	}
	sort.Strings(normalized)

	sum := sha256.Sum256([]byte(strings.Join(normalized, recordSeparator)))
	return hex.EncodeToString(sum[:])
}

// Difference returns the fraction of differing character positions between
// two checksums, over the longer length. Positions past the shorter
// checksum count as differing. Identical inputs yield 0, fully disjoint 1.
func Difference(a, b string) float64 {
	if a == b {
		return 0
	}

	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 0
	}

	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}

	diff := longer - shorter
	for i := 0; i < shorter; i++ {
		if a[i] != b[i] {
			diff++
		}
	}
	return float64(diff) / float64(longer)
}
