package model

import (
	"encoding/json"
	"maps"
	"math"
	"slices"
	"time"
)

// QuestionType identifies the writing task a question asks for.
type QuestionType string

const (
	TypePhotoDescription QuestionType = "photo-description"
	TypeShortMessage     QuestionType = "short-message"
	TypeGapFill          QuestionType = "gap-fill"
	TypeTranslation      QuestionType = "translation"
	TypeExtendedWriting  QuestionType = "extended-writing"
)

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	switch t {
	case TypePhotoDescription, TypeShortMessage, TypeGapFill, TypeTranslation, TypeExtendedWriting:
		return true
	}
	return false
}

// LanguageCode is the language being assessed.
type LanguageCode string

const (
	LanguageSpanish LanguageCode = "es"
	LanguageFrench  LanguageCode = "fr"
	LanguageGerman  LanguageCode = "de"
)

// LanguageName returns the English name of the language, used in prompts.
func (l LanguageCode) LanguageName() string {
	switch l {
	case LanguageFrench:
		return "French"
	case LanguageGerman:
		return "German"
	default:
		return "Spanish"
	}
}

// Valid reports whether l is a supported assessment language.
func (l LanguageCode) Valid() bool {
	return l == LanguageSpanish || l == LanguageFrench || l == LanguageGerman
}

// Question is an assessment question as authored. Data carries the
// type-specific authoring payload (answer keys, bullet points, source
// sentences, word targets) as raw JSON.
type Question struct {
	ID           string          `json:"id"`
	AssessmentID string          `json:"assessment_id"`
	Number       int             `json:"number"`
	Type         QuestionType    `json:"type"`
	RubricID     string          `json:"rubric_id,omitempty"`
	MaxMarks     int             `json:"max_marks"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Band is the achievement band an attempt falls into.
type Band string

const (
	BandExcellent     Band = "excellent"
	BandGood          Band = "good"
	BandProgressing   Band = "progressing"
	BandNeedsPractice Band = "needs-practice"
)

// ScoringResult is the marking outcome for one question of an attempt.
// SubScores sums to Score for automated results. After a teacher override
// the automated breakdown moves to AutomatedSubScores.
type ScoringResult struct {
	QuestionID           string         `json:"question_id"`
	QuestionNumber       int            `json:"question_number"`
	QuestionType         QuestionType   `json:"question_type"`
	Score                int            `json:"score"`
	MaxScore             int            `json:"max_score"`
	Percentage           int            `json:"percentage"`
	IsCorrect            bool           `json:"is_correct"`
	Feedback             string         `json:"feedback"`
	SubScores            map[string]int `json:"sub_scores,omitempty"`
	AutomatedSubScores   map[string]int `json:"automated_sub_scores,omitempty"`
	Strengths            []string       `json:"strengths"`
	Improvements         []string       `json:"improvements"`
	FlaggedErrors        []string       `json:"flagged_errors"`
	RequiresManualReview bool           `json:"requires_manual_review"`
	RubricID             string         `json:"rubric_id,omitempty"`
	RubricVersion        string         `json:"rubric_version,omitempty"`
	RubricFingerprint    string         `json:"rubric_fingerprint,omitempty"`

	OriginalScore  *int       `json:"original_score,omitempty"`
	OverriddenBy   string     `json:"overridden_by,omitempty"`
	OverriddenAt   *time.Time `json:"overridden_at,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
}

// SetScore replaces the score and refreshes the fields derived from it.
func (r *ScoringResult) SetScore(score int) {
	r.Score = score
	r.Percentage = Percent(score, r.MaxScore)
	r.IsCorrect = Correct(score, r.MaxScore)
}

// Overridden reports whether a teacher has changed the automated score.
func (r ScoringResult) Overridden() bool {
	return r.OriginalScore != nil
}

// AttemptResult is the marked outcome of one student attempt.
type AttemptResult struct {
	ID              string          `json:"id"`
	AssessmentID    string          `json:"assessment_id"`
	StudentID       string          `json:"student_id"`
	Language        LanguageCode    `json:"language"`
	TotalScore      int             `json:"total_score"`
	MaxScore        int             `json:"max_score"`
	Percentage      int             `json:"percentage"`
	Band            Band            `json:"band"`
	Summary         string          `json:"summary"`
	QuestionResults []ScoringResult `json:"question_results"`
	CompletedAt     time.Time       `json:"completed_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int64           `json:"version"`
}

// Recompute resums the attempt totals from the current question scores.
// Totals are never adjusted by deltas.
func (a *AttemptResult) Recompute() {
	total, possible := 0, 0
	for _, qr := range a.QuestionResults {
		total += qr.Score
		possible += qr.MaxScore
	}
	a.TotalScore = total
	a.MaxScore = possible
	a.Percentage = Percent(total, possible)
}

// Consistent reports whether the stored totals match the question results.
func (a AttemptResult) Consistent() bool {
	check := a
	check.Recompute()
	return check.TotalScore == a.TotalScore && check.MaxScore == a.MaxScore && check.Percentage == a.Percentage
}

// IndexOf returns the position of the question's result, or -1.
func (a AttemptResult) IndexOf(questionID string) int {
	return slices.IndexFunc(a.QuestionResults, func(r ScoringResult) bool {
		return r.QuestionID == questionID
	})
}

// NeedsReview reports whether any question still awaits manual marking.
func (a AttemptResult) NeedsReview() bool {
	return slices.ContainsFunc(a.QuestionResults, func(r ScoringResult) bool {
		return r.RequiresManualReview
	})
}

// Clone returns a copy whose question results can be modified without
// touching the receiver.
func (a AttemptResult) Clone() AttemptResult {
	c := a
	c.QuestionResults = make([]ScoringResult, len(a.QuestionResults))
	for i, r := range a.QuestionResults {
		r.SubScores = maps.Clone(r.SubScores)
		r.AutomatedSubScores = maps.Clone(r.AutomatedSubScores)
		if r.OriginalScore != nil {
			v := *r.OriginalScore
			r.OriginalScore = &v
		}
		c.QuestionResults[i] = r
	}
	return c
}

// OverrideRecord is one entry of the append-only override audit trail.
// OriginalScore is always the first automated score of the question.
type OverrideRecord struct {
	ID              int64     `json:"id"`
	AttemptResultID string    `json:"attempt_result_id"`
	QuestionID      string    `json:"question_id"`
	OriginalScore   int       `json:"original_score"`
	PreviousScore   int       `json:"previous_score"`
	OverriddenScore int       `json:"overridden_score"`
	OverriddenBy    string    `json:"overridden_by"`
	OverriddenAt    time.Time `json:"overridden_at"`
	Reason          string    `json:"reason"`
}

// TypePerformance aggregates results of one question type in an attempt.
type TypePerformance struct {
	Total          int `json:"total"`
	Correct        int `json:"correct"`
	PointsAwarded  int `json:"points_awarded"`
	PointsPossible int `json:"points_possible"`
	Accuracy       int `json:"accuracy"`
}

// AttemptSummary is the denormalized record read by dashboards.
type AttemptSummary struct {
	AttemptResultID string                           `json:"attempt_result_id"`
	AssessmentID    string                           `json:"assessment_id"`
	StudentID       string                           `json:"student_id"`
	TotalScore      int                              `json:"total_score"`
	MaxScore        int                              `json:"max_score"`
	Percentage      int                              `json:"percentage"`
	Band            Band                             `json:"band"`
	ByQuestionType  map[QuestionType]TypePerformance `json:"by_question_type"`
	UpdatedAt       time.Time                        `json:"updated_at"`
}

// Summarize derives the dashboard summary from the attempt.
func (a AttemptResult) Summarize(at time.Time) AttemptSummary {
	byType := make(map[QuestionType]TypePerformance)
	for _, qr := range a.QuestionResults {
		p := byType[qr.QuestionType]
		p.Total++
		if qr.IsCorrect || qr.Score > 0 {
			p.Correct++
		}
		p.PointsAwarded += qr.Score
		p.PointsPossible += qr.MaxScore
		byType[qr.QuestionType] = p
	}
	for t, p := range byType {
		p.Accuracy = Percent(p.PointsAwarded, p.PointsPossible)
		byType[t] = p
	}
	return AttemptSummary{
		AttemptResultID: a.ID,
		AssessmentID:    a.AssessmentID,
		StudentID:       a.StudentID,
		TotalScore:      a.TotalScore,
		MaxScore:        a.MaxScore,
		Percentage:      a.Percentage,
		Band:            a.Band,
		ByQuestionType:  byType,
		UpdatedAt:       at,
	}
}

// Percent returns round(100*score/maxScore), or 0 when maxScore is 0.
func Percent(score, maxScore int) int {
	if maxScore <= 0 {
		return 0
	}
	return int(math.Round(float64(score) * 100 / float64(maxScore)))
}

// Correct reports whether a score counts as correct: at least half marks.
func Correct(score, maxScore int) bool {
	return maxScore > 0 && score*2 >= maxScore
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	ID       string          `json:"id"`
	Number   int             `json:"number"`
	Type     QuestionType    `json:"type"`
	RubricID string          `json:"rubric_id,omitempty"`
	MaxMarks int             `json:"max_marks"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// AssessmentImport is a question file: one assessment and its questions.
type AssessmentImport struct {
	AssessmentID string           `json:"assessment_id"`
	Language     LanguageCode     `json:"language"`
	Questions    []QuestionImport `json:"questions"`
}
