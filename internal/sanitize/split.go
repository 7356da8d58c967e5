// Package sanitize turns a raw analyzer result into two bounded payloads: a
// small summary that is always persisted on the job row, and a heavy sidecar
// holding the forensic artifacts. It is a pure transformation with no I/O.
package sanitize

import (
	"encoding/json"
	"errors"
	"math"
)

// MaxSummaryBytes is the hard ceiling on the serialized summary. The store
// rejects oversized documents, so exceeding this is a pipeline failure, never
// a silent truncation.
const MaxSummaryBytes = 1 << 20 // 1 MiB

// ExcerptLen bounds how many entries of a bulky list survive into the summary.
const ExcerptLen = 5

// ErrPayloadTooLarge is returned when even the sanitized summary exceeds
// MaxSummaryBytes.
var ErrPayloadTooLarge = errors.New("sanitized summary exceeds the per-document size limit")

// sidecarOnlyFields are known-oversized artifacts (pixel-level diff maps,
// dense heatmaps, raw per-pixel data). They are routed to the sidecar and
// never duplicated into the summary.
var sidecarOnlyFields = map[string]bool{
	"diffMap":   true,
	"heatmap":   true,
	"pixelMap":  true,
	"rawPixels": true,
	"ela":       true,
}

// excerptListFields are bulky but structured lists: kept in full in the
// sidecar, and in the summary only as a bounded excerpt.
var excerptListFields = map[string]bool{
	"findings":   true,
	"agentTrace": true,
}

// excerptMapFields are bulky maps: kept in full in the sidecar, while the
// summary keeps only their scalar-valued entries.
var excerptMapFields = map[string]bool{
	"technicalDetails": true,
}

// DecodeMaybeSerialized undoes double JSON encoding. Analyzer responses
// sometimes carry nested structures as serialized strings; if v is a string
// that parses to an object or array, the parsed form is returned. It is total:
// on any parse failure the input comes back unchanged.
func DecodeMaybeSerialized(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return v
	}
	switch parsed.(type) {
	case map[string]any, []any:
		return parsed
	}
	return v
}

// Split sanitizes raw and divides it into (summary, sidecar). The summary is
// guaranteed to serialize to at most MaxSummaryBytes or the call fails with
// ErrPayloadTooLarge. The sidecar has no ceiling at this layer.
func Split(raw map[string]any) (map[string]any, map[string]any, error) {
	summary, sidecar := splitMap(raw)

	// Second normalization pass: a marshal/unmarshal round trip guarantees no
	// non-serializable values remain in either payload.
	summaryBytes, err := roundTrip(&summary)
	if err != nil {
		return nil, nil, err
	}
	if _, err := roundTrip(&sidecar); err != nil {
		return nil, nil, err
	}

	if len(summaryBytes) > MaxSummaryBytes {
		return nil, nil, ErrPayloadTooLarge
	}
	return summary, sidecar, nil
}

func roundTrip(m *map[string]any) ([]byte, error) {
	data, err := json.Marshal(*m)
	if err != nil {
		return nil, err
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	*m = normalized
	return data, nil
}

// splitMap applies the routing rules recursively to one object level.
func splitMap(m map[string]any) (map[string]any, map[string]any) {
	summary := make(map[string]any)
	sidecar := make(map[string]any)

	for key, value := range m {
		switch {
		case sidecarOnlyFields[key]:
			// Oversized artifact: sidecar only, parsed back to structure if it
			// arrived as a serialized string.
			if cleaned, ok := cleanValue(DecodeMaybeSerialized(value)); ok {
				sidecar[key] = cleaned
			}

		case excerptListFields[key]:
			decoded := DecodeMaybeSerialized(value)
			if list, isList := decoded.([]any); isList {
				sidecar[key] = cleanList(list)
				excerpt, _ := summaryList(list)
				if len(excerpt) > ExcerptLen {
					excerpt = excerpt[:ExcerptLen]
				}
				summary[key] = excerpt
				continue
			}
			// Not actually a list: small enough to keep in both.
			if cleaned, ok := cleanValue(decoded); ok {
				summary[key] = cleaned
				sidecar[key] = cleaned
			}

		case excerptMapFields[key]:
			decoded := DecodeMaybeSerialized(value)
			if nested, isMap := decoded.(map[string]any); isMap {
				full, _ := splitMap(nested)
				sidecar[key] = mergeClean(nested)
				summary[key] = scalarsOnly(full)
				continue
			}
			if cleaned, ok := cleanValue(decoded); ok {
				summary[key] = cleaned
				sidecar[key] = cleaned
			}

		default:
			switch v := value.(type) {
			case map[string]any:
				subSummary, subSidecar := splitMap(v)
				summary[key] = subSummary
				if len(subSidecar) > 0 {
					sidecar[key] = subSidecar
				}
			case []any:
				if isNumericMatrix(v) {
					if cleaned, ok := cleanValue(v); ok {
						summary[key] = cleaned
					}
					continue
				}
				projected, moved := summaryList(v)
				summary[key] = projected
				if moved {
					// Artifacts were stripped from the summary copy; the
					// sidecar keeps the list whole.
					sidecar[key] = cleanList(v)
				}
			default:
				if cleaned, ok := cleanValue(value); ok {
					summary[key] = cleaned
				}
			}
		}
	}
	return summary, sidecar
}

// mergeClean cleans a nested map for sidecar placement without routing: the
// sidecar keeps bulky subtrees whole.
func mergeClean(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		if nested, ok := value.(map[string]any); ok {
			out[key] = mergeClean(nested)
			continue
		}
		if cleaned, ok := cleanValue(value); ok {
			out[key] = cleaned
		}
	}
	return out
}

// summaryList cleans a list for summary placement. Map elements get the same
// routing as objects, so a named artifact field inside a list entry never
// reaches the summary. The second return reports whether anything was routed
// away; the caller must then keep the full list in the sidecar.
func summaryList(list []any) ([]any, bool) {
	out := make([]any, 0, len(list))
	moved := false
	for _, item := range list {
		switch v := item.(type) {
		case map[string]any:
			sub, side := splitMap(v)
			if len(side) > 0 {
				moved = true
			}
			out = append(out, sub)
		case []any:
			if isNumericMatrix(v) {
				if cleaned, ok := cleanValue(v); ok {
					out = append(out, cleaned)
				}
				continue
			}
			sub, m := summaryList(v)
			if m {
				moved = true
			}
			out = append(out, sub)
		default:
			if cleaned, ok := cleanValue(item); ok {
				out = append(out, cleaned)
			}
		}
	}
	return out, moved
}

// scalarsOnly keeps the flat, cheap entries of a bulky map for the summary.
func scalarsOnly(m map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range m {
		switch value.(type) {
		case map[string]any, []any:
			// Nested values are sidecar-only.
		default:
			out[key] = value
		}
	}
	return out
}

// cleanValue normalizes one value. The second return is false when the value
// cannot be serialized and must be dropped. Explicit nulls are preserved.
func cleanValue(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		return v, true
	case map[string]any:
		return mergeClean(v), true
	case []any:
		if isNumericMatrix(v) {
			// Arrays of arrays trip nested-depth limits in the store, so 2-D
			// numeric matrices are flattened to a single string token.
			data, err := json.Marshal(v)
			if err != nil {
				return nil, false
			}
			return string(data), true
		}
		return cleanList(v), true
	default:
		return v, true
	}
}

func cleanList(list []any) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		if cleaned, ok := cleanValue(item); ok {
			out = append(out, cleaned)
		}
	}
	return out
}

// isNumericMatrix reports whether v is a non-empty 2-D numeric array.
func isNumericMatrix(v []any) bool {
	if len(v) == 0 {
		return false
	}
	for _, row := range v {
		cells, ok := row.([]any)
		if !ok {
			return false
		}
		for _, cell := range cells {
			if _, ok := cell.(float64); !ok {
				return false
			}
		}
	}
	return true
}
