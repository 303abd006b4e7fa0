package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pavelanni/marker/internal/model"
)

// ErrInvalidImport is returned for question files that cannot be imported.
var ErrInvalidImport = errors.New("invalid question file")

// ImportResult describes what ImportQuestions did with a file.
type ImportResult struct {
	AssessmentID string `json:"assessment_id"`
	Imported     int    `json:"imported"`
	Unchanged    bool   `json:"unchanged"`
}

// ImportQuestions loads an assessment question file. Files whose content
// hash matches the last import under the same name are skipped; changed
// files replace the questions they name.
func (s *Store) ImportQuestions(ctx context.Context, name string, data []byte) (ImportResult, error) {
	hash := sha256sum(data)
	storedHash, err := s.GetImportedFileHash(ctx, name)
	if err != nil {
		return ImportResult{}, fmt.Errorf("check import status for %s: %w", name, err)
	}

	var ai model.AssessmentImport
	if err := json.Unmarshal(data, &ai); err != nil {
		return ImportResult{}, fmt.Errorf("%w: parse %s: %w", ErrInvalidImport, name, err)
	}
	res := ImportResult{AssessmentID: ai.AssessmentID}
	if storedHash == hash {
		res.Unchanged = true
		return res, nil
	}
	if ai.AssessmentID == "" {
		return res, fmt.Errorf("%w: %s has no assessment_id", ErrInvalidImport, name)
	}

	questions := make([]model.Question, 0, len(ai.Questions))
	for i, qi := range ai.Questions {
		if !qi.Type.Valid() {
			return res, fmt.Errorf("%w: question %d of %s has unknown type %q", ErrInvalidImport, i+1, name, qi.Type)
		}
		if qi.MaxMarks < 0 {
			return res, fmt.Errorf("%w: question %d of %s has negative max_marks", ErrInvalidImport, i+1, name)
		}
		number := qi.Number
		if number == 0 {
			number = i + 1
		}
		id := qi.ID
		if id == "" {
			id = ai.AssessmentID + "-q" + strconv.Itoa(number)
		}
		questions = append(questions, model.Question{
			ID:           id,
			AssessmentID: ai.AssessmentID,
			Number:       number,
			Type:         qi.Type,
			RubricID:     qi.RubricID,
			MaxMarks:     qi.MaxMarks,
			Data:         qi.Data,
		})
	}

	for _, q := range questions {
		if err := s.PutQuestion(ctx, q); err != nil {
			return res, fmt.Errorf("insert question %s from %s: %w", q.ID, name, err)
		}
		res.Imported++
	}

	if err := s.SetImportedFileHash(ctx, name, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}
	return res, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
