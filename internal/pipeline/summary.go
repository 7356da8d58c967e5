package pipeline

import (
	"encoding/json"

	"github.com/scanproof/scanproof-go/internal/models"
)

// summaryFields are the sanitized-result keys that map onto typed Summary
// fields; everything else lands in Indicators.
var summaryFields = map[string]bool{
	"ocrText":    true,
	"trustScore": true,
	"verdict":    true,
	"issues":     true,
	"merchant":   true,
}

// buildSummary lifts the sanitized summary map into the typed record persisted
// on the job row.
func buildSummary(m map[string]any) *models.Summary {
	summary := &models.Summary{Issues: []string{}}

	if v, ok := m["ocrText"].(string); ok {
		summary.OCRText = v
	}
	if v, ok := m["trustScore"].(float64); ok {
		summary.TrustScore = v
	}
	if v, ok := m["verdict"].(string); ok {
		summary.Verdict = v
	}
	if issues, ok := m["issues"].([]any); ok {
		for _, issue := range issues {
			if s, ok := issue.(string); ok {
				summary.Issues = append(summary.Issues, s)
			}
		}
	}
	if merchantMap, ok := m["merchant"].(map[string]any); ok {
		// Round-trip through JSON rather than hand-picking fields; the
		// merchant block is small and its shape belongs to the analyzer.
		var merchant models.Merchant
		if data, err := json.Marshal(merchantMap); err == nil {
			if json.Unmarshal(data, &merchant) == nil {
				summary.Merchant = &merchant
			}
		}
	}

	indicators := make(map[string]any)
	for key, value := range m {
		if !summaryFields[key] {
			indicators[key] = value
		}
	}
	if len(indicators) > 0 {
		summary.Indicators = indicators
	}
	return summary
}
