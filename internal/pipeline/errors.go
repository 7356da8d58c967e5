package pipeline

import (
	"context"
	"errors"

	"github.com/scanproof/scanproof-go/internal/analyzer"
)

// classifyAnalyzerError maps an analyzer failure onto the single
// human-readable message written into the failed job record. The technical
// detail stays in the server log; only the analyzer's own rejection message is
// surfaced verbatim.
func classifyAnalyzerError(err error) string {
	var rejected *analyzer.RejectedError
	switch {
	case errors.Is(err, analyzer.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Analysis timed out. Try a smaller or clearer image."
	case errors.Is(err, analyzer.ErrUnavailable):
		return "Verification service temporarily unavailable. Please retry later."
	case errors.As(err, &rejected):
		if rejected.Message != "" {
			return rejected.Message
		}
		return "Analysis failed. Try a clearer image."
	default:
		return "Verification failed due to an internal error."
	}
}
