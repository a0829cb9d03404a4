package report

import (
	"errors"
	"testing"
	"time"

	"github.com/autolens/autolens-api/internal/pkg/vision"
)

func attemptResult(id string, findings ...vision.Finding) AttemptResult {
	return AttemptResult{
		ImageID: id,
		Result: &vision.Result{
			Summary:          "summary " + id,
			OverallCondition: "good",
			Narrative:        "narrative " + id,
			Findings:         findings,
			Confidence:       0.8,
			Provider:         "test",
			Model:            "test-v1",
			AnalyzedAt:       time.Now().UTC(),
		},
	}
}

func TestCombineConcatenatesFindings(t *testing.T) {
	results := []AttemptResult{
		attemptResult("img-1",
			vision.Finding{Area: "hood", Severity: "minor", Description: "scratch"},
			vision.Finding{Area: "bumper", Severity: "moderate", Description: "crack"},
		),
		attemptResult("img-2",
			vision.Finding{Area: "door", Severity: "minor", Description: "dent"},
		),
	}

	combined, err := Combine(results)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	if len(combined.Findings) != 3 {
		t.Fatalf("findings = %d, want 3", len(combined.Findings))
	}
	// Qualitative fields come from the first result.
	if combined.Summary != "summary img-1" {
		t.Fatalf("summary = %q, want first result's", combined.Summary)
	}
	if combined.Narrative != "narrative img-1" {
		t.Fatalf("narrative = %q, want first result's", combined.Narrative)
	}
}

func TestCombineEmptyIsIncomplete(t *testing.T) {
	if _, err := Combine(nil); !errors.Is(err, ErrIncompleteResult) {
		t.Fatalf("err = %v, want ErrIncompleteResult", err)
	}
}

func TestCombinePropagatesImageFailure(t *testing.T) {
	results := []AttemptResult{
		attemptResult("img-1"),
		{ImageID: "img-2", Err: vision.ErrTimeout},
	}

	_, err := Combine(results)
	if !errors.Is(err, vision.ErrTimeout) {
		t.Fatalf("err = %v, want wrapped timeout", err)
	}
}

func TestCombineRevalidatesMergedResult(t *testing.T) {
	broken := attemptResult("img-1")
	broken.Result.Summary = ""

	if _, err := Combine([]AttemptResult{broken}); !errors.Is(err, ErrIncompleteResult) {
		t.Fatalf("err = %v, want ErrIncompleteResult", err)
	}
}
