package worker

import (
	"strings"

	"permit-pipeline/internal/models"
)

// Classify buckets a free-text generation error into a category by substring
// matching. This heuristic is deliberately carried over from the renderer's
// contract: it only reports prose, not codes, so a message that merely
// mentions "timeout" will misclassify. A structured error-code contract from
// the renderer would replace this.
func Classify(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline exceeded") || strings.Contains(m, "context canceled"):
		return models.ErrCategoryTimeout
	case strings.Contains(m, "login") || strings.Contains(m, "credential") || strings.Contains(m, "unauthorized") || strings.Contains(m, "session expired"):
		return models.ErrCategoryAuth
	case strings.Contains(m, "selector") || strings.Contains(m, "element not found") || strings.Contains(m, "page structure") || strings.Contains(m, "navigation failed"):
		return models.ErrCategoryUpstreamChanged
	default:
		return models.ErrCategoryUnknown
	}
}
