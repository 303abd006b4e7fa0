package model

import "time"

// AttemptExport is the top-level JSON structure for attempt result export.
type AttemptExport struct {
	AssessmentID string          `json:"assessment_id,omitempty"`
	Date         string          `json:"date"`
	NumAttempts  int             `json:"num_attempts"`
	Results      []AttemptResult `json:"results"`
	Overrides    []OverrideRow   `json:"overrides"`
}

// OverrideRow is an override record flattened for export.
type OverrideRow struct {
	AttemptResultID string    `json:"attempt_result_id"`
	StudentID       string    `json:"student_id"`
	QuestionNumber  int       `json:"question_number"`
	OriginalScore   int       `json:"original_score"`
	OverriddenScore int       `json:"overridden_score"`
	OverriddenBy    string    `json:"overridden_by"`
	OverriddenAt    time.Time `json:"overridden_at"`
	Reason          string    `json:"reason"`
}
