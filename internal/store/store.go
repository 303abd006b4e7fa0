package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/marker/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a versioned write lost a race.
	ErrConflict = errors.New("version conflict")
)

type Store struct {
	db     *sql.DB
	driver string
}

// New opens a SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(context.Background(), DriverSQLite, dbPath)
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite, "":
		driver, drvName = DriverSQLite, "sqlite"
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// Serializes writers and keeps a :memory: database on one connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	type TEXT NOT NULL,
	rubric_id TEXT NOT NULL DEFAULT '',
	max_marks INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS attempt_results (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	total_score INTEGER NOT NULL DEFAULT 0,
	max_score INTEGER NOT NULL DEFAULT 0,
	percentage INTEGER NOT NULL DEFAULT 0,
	band TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	question_results TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS override_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_result_id TEXT NOT NULL,
	question_id TEXT NOT NULL,
	original_score INTEGER NOT NULL,
	previous_score INTEGER NOT NULL,
	overridden_score INTEGER NOT NULL,
	overridden_by TEXT NOT NULL,
	overridden_at TEXT NOT NULL,
	reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attempt_summaries (
	attempt_result_id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	total_score INTEGER NOT NULL,
	max_score INTEGER NOT NULL,
	percentage INTEGER NOT NULL,
	band TEXT NOT NULL,
	by_question_type TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_questions_assessment ON questions(assessment_id);
CREATE INDEX IF NOT EXISTS idx_attempt_results_assessment ON attempt_results(assessment_id);
CREATE INDEX IF NOT EXISTS idx_override_records_attempt ON override_records(attempt_result_id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	type TEXT NOT NULL,
	rubric_id TEXT NOT NULL DEFAULT '',
	max_marks INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS attempt_results (
	id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	total_score INTEGER NOT NULL DEFAULT 0,
	max_score INTEGER NOT NULL DEFAULT 0,
	percentage INTEGER NOT NULL DEFAULT 0,
	band TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	question_results TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS override_records (
	id BIGSERIAL PRIMARY KEY,
	attempt_result_id TEXT NOT NULL,
	question_id TEXT NOT NULL,
	original_score INTEGER NOT NULL,
	previous_score INTEGER NOT NULL,
	overridden_score INTEGER NOT NULL,
	overridden_by TEXT NOT NULL,
	overridden_at TEXT NOT NULL,
	reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attempt_summaries (
	attempt_result_id TEXT PRIMARY KEY,
	assessment_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	total_score INTEGER NOT NULL,
	max_score INTEGER NOT NULL,
	percentage INTEGER NOT NULL,
	band TEXT NOT NULL,
	by_question_type TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_questions_assessment ON questions(assessment_id);
CREATE INDEX IF NOT EXISTS idx_attempt_results_assessment ON attempt_results(assessment_id);
CREATE INDEX IF NOT EXISTS idx_override_records_attempt ON override_records(attempt_result_id);
`

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// PutQuestion inserts or replaces a question.
func (s *Store) PutQuestion(ctx context.Context, q model.Question) error {
	data := string(q.Data)
	if data == "" {
		data = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (id, assessment_id, number, type, rubric_id, max_marks, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET assessment_id = EXCLUDED.assessment_id, number = EXCLUDED.number,
		 type = EXCLUDED.type, rubric_id = EXCLUDED.rubric_id, max_marks = EXCLUDED.max_marks, data = EXCLUDED.data`,
		q.ID, q.AssessmentID, q.Number, q.Type, q.RubricID, q.MaxMarks, data,
	)
	return err
}

const questionColumns = `id, assessment_id, number, type, rubric_id, max_marks, data`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(sc scanner) (model.Question, error) {
	var q model.Question
	var data string
	if err := sc.Scan(&q.ID, &q.AssessmentID, &q.Number, &q.Type, &q.RubricID, &q.MaxMarks, &data); err != nil {
		return q, err
	}
	q.Data = json.RawMessage(data)
	return q, nil
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	return q, err
}

// ListQuestions returns the questions of an assessment ordered by number.
// An empty assessmentID lists every question.
func (s *Store) ListQuestions(ctx context.Context, assessmentID string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions`
	var args []any
	if assessmentID != "" {
		query += ` WHERE assessment_id = $1`
		args = append(args, assessmentID)
	}
	query += ` ORDER BY assessment_id, number`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// CreateAttemptResult stores a freshly scored attempt at version 1.
func (s *Store) CreateAttemptResult(ctx context.Context, ar *model.AttemptResult) error {
	qr, err := json.Marshal(ar.QuestionResults)
	if err != nil {
		return fmt.Errorf("encode question results: %w", err)
	}
	if ar.UpdatedAt.IsZero() {
		ar.UpdatedAt = ar.CompletedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempt_results (id, assessment_id, student_id, language, total_score, max_score,
		 percentage, band, summary, question_results, completed_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		ar.ID, ar.AssessmentID, ar.StudentID, ar.Language, ar.TotalScore, ar.MaxScore,
		ar.Percentage, ar.Band, ar.Summary, string(qr), formatTime(ar.CompletedAt), formatTime(ar.UpdatedAt),
	)
	if err != nil {
		return err
	}
	ar.Version = 1
	return nil
}

const attemptColumns = `id, assessment_id, student_id, language, total_score, max_score,
	percentage, band, summary, question_results, completed_at, updated_at, version`

func scanAttempt(sc scanner) (model.AttemptResult, error) {
	var ar model.AttemptResult
	var qr, completed, updated string
	err := sc.Scan(&ar.ID, &ar.AssessmentID, &ar.StudentID, &ar.Language, &ar.TotalScore, &ar.MaxScore,
		&ar.Percentage, &ar.Band, &ar.Summary, &qr, &completed, &updated, &ar.Version)
	if err != nil {
		return ar, err
	}
	if err := json.Unmarshal([]byte(qr), &ar.QuestionResults); err != nil {
		return ar, fmt.Errorf("decode question results of %s: %w", ar.ID, err)
	}
	if ar.CompletedAt, err = parseTime(completed); err != nil {
		return ar, err
	}
	if ar.UpdatedAt, err = parseTime(updated); err != nil {
		return ar, err
	}
	return ar, nil
}

// GetAttemptResult returns an attempt result by ID.
func (s *Store) GetAttemptResult(ctx context.Context, id string) (model.AttemptResult, error) {
	ar, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempt_results WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ar, fmt.Errorf("attempt result %s: %w", id, ErrNotFound)
	}
	return ar, err
}

// PutAttemptResult replaces an attempt result if its stored version still
// equals ar.Version. On success ar.Version is advanced.
func (s *Store) PutAttemptResult(ctx context.Context, ar *model.AttemptResult) error {
	qr, err := json.Marshal(ar.QuestionResults)
	if err != nil {
		return fmt.Errorf("encode question results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempt_results SET total_score = $1, max_score = $2, percentage = $3, band = $4,
		 summary = $5, question_results = $6, updated_at = $7, version = version + 1
		 WHERE id = $8 AND version = $9`,
		ar.TotalScore, ar.MaxScore, ar.Percentage, ar.Band, ar.Summary, string(qr),
		formatTime(ar.UpdatedAt), ar.ID, ar.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM attempt_results WHERE id = $1`, ar.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("attempt result %s: %w", ar.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("attempt result %s at version %d: %w", ar.ID, ar.Version, ErrConflict)
	}
	ar.Version++
	return nil
}

// ListAttemptResults returns attempt results in completion order. An empty
// assessmentID lists every attempt.
func (s *Store) ListAttemptResults(ctx context.Context, assessmentID string) ([]model.AttemptResult, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempt_results`
	var args []any
	if assessmentID != "" {
		query += ` WHERE assessment_id = $1`
		args = append(args, assessmentID)
	}
	query += ` ORDER BY completed_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.AttemptResult
	for rows.Next() {
		ar, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ar)
	}
	return results, rows.Err()
}

// PutQuestionOverride appends an override record and sets its ID.
func (s *Store) PutQuestionOverride(ctx context.Context, rec *model.OverrideRecord) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO override_records (attempt_result_id, question_id, original_score, previous_score,
		 overridden_score, overridden_by, overridden_at, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		rec.AttemptResultID, rec.QuestionID, rec.OriginalScore, rec.PreviousScore,
		rec.OverriddenScore, rec.OverriddenBy, formatTime(rec.OverriddenAt), rec.Reason,
	).Scan(&rec.ID)
}

// ListOverrides returns override records of an attempt in the order they
// were written. An empty questionID lists every question.
func (s *Store) ListOverrides(ctx context.Context, attemptID, questionID string) ([]model.OverrideRecord, error) {
	query := `SELECT id, attempt_result_id, question_id, original_score, previous_score, overridden_score,
		overridden_by, overridden_at, reason FROM override_records WHERE attempt_result_id = $1`
	args := []any{attemptID}
	if questionID != "" {
		query += ` AND question_id = $2`
		args = append(args, questionID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.OverrideRecord
	for rows.Next() {
		var r model.OverrideRecord
		var at string
		if err := rows.Scan(&r.ID, &r.AttemptResultID, &r.QuestionID, &r.OriginalScore, &r.PreviousScore,
			&r.OverriddenScore, &r.OverriddenBy, &at, &r.Reason); err != nil {
			return nil, err
		}
		if r.OverriddenAt, err = parseTime(at); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PutDenormalizedSummary upserts the dashboard row for an attempt.
func (s *Store) PutDenormalizedSummary(ctx context.Context, sum model.AttemptSummary) error {
	byType, err := json.Marshal(sum.ByQuestionType)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attempt_summaries (attempt_result_id, assessment_id, student_id, total_score,
		 max_score, percentage, band, by_question_type, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (attempt_result_id) DO UPDATE SET assessment_id = EXCLUDED.assessment_id,
		 student_id = EXCLUDED.student_id, total_score = EXCLUDED.total_score,
		 max_score = EXCLUDED.max_score, percentage = EXCLUDED.percentage, band = EXCLUDED.band,
		 by_question_type = EXCLUDED.by_question_type, updated_at = EXCLUDED.updated_at`,
		sum.AttemptResultID, sum.AssessmentID, sum.StudentID, sum.TotalScore,
		sum.MaxScore, sum.Percentage, sum.Band, string(byType), formatTime(sum.UpdatedAt),
	)
	return err
}

// GetSummary returns the dashboard row for an attempt.
func (s *Store) GetSummary(ctx context.Context, attemptID string) (model.AttemptSummary, error) {
	var sum model.AttemptSummary
	var byType, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT attempt_result_id, assessment_id, student_id, total_score, max_score, percentage, band,
		 by_question_type, updated_at FROM attempt_summaries WHERE attempt_result_id = $1`, attemptID,
	).Scan(&sum.AttemptResultID, &sum.AssessmentID, &sum.StudentID, &sum.TotalScore, &sum.MaxScore,
		&sum.Percentage, &sum.Band, &byType, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("summary %s: %w", attemptID, ErrNotFound)
	}
	if err != nil {
		return sum, err
	}
	if err := json.Unmarshal([]byte(byType), &sum.ByQuestionType); err != nil {
		return sum, fmt.Errorf("decode summary: %w", err)
	}
	sum.UpdatedAt, err = parseTime(updated)
	return sum, err
}
