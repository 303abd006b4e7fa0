package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/marker/internal/model"
	"github.com/pavelanni/marker/internal/normalize"
	"github.com/pavelanni/marker/internal/rubric"
)

//go:embed templates/*.tmpl
var FS embed.FS

const (
	noResponse    = "[No response]"
	maxAnswerRune = 10000
)

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

// GapItem is one gap-fill answer with the sentence it completes.
type GapItem struct {
	Prompt string
	Answer string
}

// Data holds template data for grading prompts.
type Data struct {
	Language     string
	Rubric       *rubric.Template
	MaxMarks     int
	SubScores    []string
	TimeFrames   []string
	Prompt       string
	Sentences    []string
	Pairs        []model.TranslationPair
	Gaps         []GapItem
	Text         string
	WordCount    int
	TargetWords  int
	BulletPoints []string
}

// Load parses the prompt templates from fsys. Templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		t, err := template.New("prompts").Funcs(funcs).ParseFS(fsys, "templates/*.tmpl")
		if err != nil {
			loadErr = fmt.Errorf("parse prompt templates: %w", err)
			return
		}
		templates = t
	})
	return loadErr
}

// templateName returns the prompt variant used for a question type.
func templateName(qt model.QuestionType) (string, error) {
	switch qt {
	case model.TypePhotoDescription:
		return "photo-description", nil
	case model.TypeTranslation:
		return "translation", nil
	case model.TypeShortMessage, model.TypeExtendedWriting:
		return "writing", nil
	case model.TypeGapFill:
		return "gap-fill", nil
	}
	return "", fmt.Errorf("no prompt for question type %q", qt)
}

// Build renders the grading prompt for a normalized response.
func Build(tmpl *rubric.Template, q model.Question, resp model.NormalizedResponse, lang model.LanguageCode, maxMarks int) (string, error) {
	if err := Load(FS); err != nil {
		return "", err
	}
	if tmpl == nil {
		return "", errors.New("nil rubric template")
	}
	name, err := templateName(tmpl.Type)
	if err != nil {
		return "", err
	}

	data := Data{
		Language:   lang.LanguageName(),
		Rubric:     tmpl,
		MaxMarks:   maxMarks,
		SubScores:  tmpl.SubScoreNames(maxMarks),
		TimeFrames: tmpl.TimeFrames,
		Prompt:     sanitizeAnswer(normalize.Prompt(q.Data), ""),
	}

	switch v := resp.(type) {
	case model.SentenceSet:
		for _, s := range v.Sentences {
			data.Sentences = append(data.Sentences, sanitizeAnswer(s, noResponse))
		}
	case model.TranslationPairs:
		for _, p := range v.Pairs {
			data.Pairs = append(data.Pairs, model.TranslationPair{
				Source: sanitizeAnswer(p.Source, ""),
				Target: sanitizeAnswer(p.Target, noResponse),
			})
		}
	case model.GapAnswers:
		prompts := normalize.GapPrompts(q.Data)
		for i := 0; i < maxMarks; i++ {
			item := GapItem{Answer: noResponse}
			if i < len(v.Answers) {
				item.Answer = sanitizeAnswer(v.Answers[i], noResponse)
			}
			if i < len(prompts) {
				item.Prompt = sanitizeAnswer(prompts[i], "")
			}
			data.Gaps = append(data.Gaps, item)
		}
	case model.MessageText:
		data.Text, data.WordCount = sanitizeAnswer(v.Text, noResponse), v.WordCount
	case model.ExtendedText:
		data.Text, data.WordCount = sanitizeAnswer(v.Text, noResponse), v.WordCount
	default:
		return "", fmt.Errorf("unsupported response %T", resp)
	}

	data.TargetWords = normalize.TargetWords(q.Data)
	if data.TargetWords == 0 {
		data.TargetWords = tmpl.TargetWordCount
	}
	data.BulletPoints = normalize.BulletPoints(q.Data)

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer, empty string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return empty
	}

	if utf8.RuneCountInString(answer) > maxAnswerRune {
		runes := []rune(answer)
		runes = runes[:maxAnswerRune]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
