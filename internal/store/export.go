package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/marker/internal/model"
)

// ExportAttempts builds an export of attempt results and their override
// history. An empty assessmentID exports every attempt.
func (s *Store) ExportAttempts(ctx context.Context, assessmentID string) (model.AttemptExport, error) {
	results, err := s.ListAttemptResults(ctx, assessmentID)
	if err != nil {
		return model.AttemptExport{}, fmt.Errorf("list attempt results: %w", err)
	}

	export := model.AttemptExport{
		AssessmentID: assessmentID,
		NumAttempts:  len(results),
		Results:      results,
		Overrides:    []model.OverrideRow{},
	}
	if export.Results == nil {
		export.Results = []model.AttemptResult{}
	}

	for _, ar := range results {
		records, err := s.ListOverrides(ctx, ar.ID, "")
		if err != nil {
			return export, fmt.Errorf("list overrides of %s: %w", ar.ID, err)
		}
		for _, rec := range records {
			number := 0
			if i := ar.IndexOf(rec.QuestionID); i >= 0 {
				number = ar.QuestionResults[i].QuestionNumber
			}
			export.Overrides = append(export.Overrides, model.OverrideRow{
				AttemptResultID: rec.AttemptResultID,
				StudentID:       ar.StudentID,
				QuestionNumber:  number,
				OriginalScore:   rec.OriginalScore,
				OverriddenScore: rec.OverriddenScore,
				OverriddenBy:    rec.OverriddenBy,
				OverriddenAt:    rec.OverriddenAt,
				Reason:          rec.Reason,
			})
		}
	}

	return export, nil
}
