package report

import (
	"fmt"

	"github.com/autolens/autolens-api/internal/pkg/vision"
)

// AttemptResult is the transient per-image outcome of one analysis run.
// Never persisted on its own; it is folded into the report result by
// Combine.
type AttemptResult struct {
	ImageID string
	Result  *vision.Result
	Err     error
}

// Combine merges per-image results into a single report payload: the
// first successful result contributes the qualitative fields (condition
// class, summary, narrative) and every image's findings concatenate
// into one list. The merged payload is re-validated; a mandatory field
// missing after combination is a data-integrity failure, never a
// silent default.
func Combine(results []AttemptResult) (*vision.Result, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no image results", ErrIncompleteResult)
	}

	var base *vision.Result
	for _, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("image %s failed analysis: %w", r.ImageID, r.Err)
		}
		if base == nil && r.Result != nil {
			base = r.Result
		}
	}
	if base == nil {
		return nil, fmt.Errorf("%w: no successful image result", ErrIncompleteResult)
	}

	combined := &vision.Result{
		Summary:          base.Summary,
		OverallCondition: base.OverallCondition,
		Narrative:        base.Narrative,
		Findings:         make([]vision.Finding, 0, len(results)),
		Confidence:       base.Confidence,
		Provider:         base.Provider,
		Model:            base.Model,
		AnalyzedAt:       base.AnalyzedAt,
	}

	for _, r := range results {
		combined.Findings = append(combined.Findings, r.Result.Findings...)
	}

	if err := combined.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteResult, err)
	}

	return combined, nil
}
