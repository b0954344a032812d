// Package redaction scrubs PII from JSON-shaped values before they cross
// the trust boundary into the audit store.
//
// The engine is pure: it rebuilds the tree bottom-up and never mutates its
// input. Every string reachable from the root is scrubbed, however deeply
// it is nested inside sequences or mappings. Detection is delegated to the
// Detector collaborator.
package redaction

import (
	"fmt"
	"reflect"
	"sort"
)

// Engine applies the detector to every string leaf of a value.
type Engine struct {
	detector Detector
}

func NewEngine(detector Detector) *Engine {
	return &Engine{detector: detector}
}

// Scrub returns a copy of value with every string leaf redacted. Shape is
// preserved: sequences stay sequences (normalized to []any), mappings stay
// mappings (normalized to map[string]any), non-string leaves pass through.
func (e *Engine) Scrub(value any) any {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		return e.ScrubString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = e.Scrub(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = e.Scrub(child)
		}
		return out
	case bool, float64, int, int64, float32, int32, uint, uint64:
		return v
	}

	// Anything else (typed slices, arrays, typed maps) is normalized via
	// reflection so no container sneaks past the traversal.
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = e.Scrub(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, ok := iter.Key().Interface().(string)
			if !ok {
				key = fmt.Sprint(iter.Key().Interface())
			}
			out[key] = e.Scrub(iter.Value().Interface())
		}
		return out
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return e.Scrub(rv.Elem().Interface())
	case reflect.String:
		return e.ScrubString(rv.String())
	}

	// Remaining kinds are non-string scalars; pass through unchanged.
	return value
}

// ScrubString redacts a single string leaf.
func (e *Engine) ScrubString(s string) string {
	spans := resolveOverlaps(e.detector.Detect(s))
	if len(spans) == 0 {
		return s
	}

	// Splice in start-descending order so earlier offsets stay valid.
	out := s
	for _, span := range spans {
		out = out[:span.Start] + "<REDACTED " + span.Entity + ">" + out[span.End:]
	}
	return out
}

// Findings returns the resolved PII spans for a string without rewriting
// it. Used by the workbench validation endpoint to report issues.
func (e *Engine) Findings(s string) []Span {
	spans := resolveOverlaps(e.detector.Detect(s))
	// resolveOverlaps returns start-descending; report ascending.
	for i, j := 0, len(spans)-1; i < j; i, j = i+1, j-1 {
		spans[i], spans[j] = spans[j], spans[i]
	}
	return spans
}

// resolveOverlaps drops overlapping spans, keeping the longest; ties break
// toward the earliest start. The survivors come back sorted by start
// descending, ready for splicing.
func resolveOverlaps(spans []Span) []Span {
	if len(spans) <= 1 {
		return sortDescending(spans)
	}

	// Longest first, then earliest start, so a linear scan can greedily
	// keep winners.
	sort.Slice(spans, func(i, j int) bool {
		li, lj := spans[i].End-spans[i].Start, spans[j].End-spans[j].Start
		if li != lj {
			return li > lj
		}
		return spans[i].Start < spans[j].Start
	})

	var kept []Span
	for _, candidate := range spans {
		overlaps := false
		for _, winner := range kept {
			if candidate.Start < winner.End && winner.Start < candidate.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}

	return sortDescending(kept)
}

func sortDescending(spans []Span) []Span {
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].Start > spans[j].Start
	})
	return spans
}
