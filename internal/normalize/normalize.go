// Package normalize turns raw response payloads into the canonical
// NormalizedResponse variants the grader works on.
package normalize

import (
	"html"
	"slices"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"

	"github.com/pavelanni/marker/internal/model"
)

// maxItems is the largest index accepted from indexed keys.
const maxItems = 100

var policy = bluemonday.StrictPolicy()

type options struct {
	questionData []byte
}

// Option configures Normalize.
type Option func(*options)

// WithQuestionData supplies the question's authoring payload, used to pair
// translations with their source sentences.
func WithQuestionData(data []byte) Option {
	return func(o *options) { o.questionData = data }
}

// Normalize converts a raw response payload for a question type into its
// canonical form. It never fails: missing fields become empty strings and a
// malformed payload yields the empty variant. Unknown types return nil.
func Normalize(qt model.QuestionType, raw []byte, opts ...Option) model.NormalizedResponse {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	root := parse(raw)

	switch qt {
	case model.TypePhotoDescription:
		var set model.SentenceSet
		for i, s := range listed(root, "sentences", "sentence", 1) {
			if i >= len(set.Sentences) {
				break
			}
			set.Sentences[i] = s
		}
		return set
	case model.TypeShortMessage:
		text := firstText(root, "message", "text", "article", "response")
		return model.MessageText{Text: text, WordCount: WordCount(text)}
	case model.TypeExtendedWriting:
		text := firstText(root, "article", "text", "message", "response")
		return model.ExtendedText{Text: text, WordCount: WordCount(text)}
	case model.TypeGapFill:
		return model.GapAnswers{Answers: listed(root, "answers", "question", 0)}
	case model.TypeTranslation:
		targets := listed(root, "translations", "translation", 0)
		sources := SourceSentences(o.questionData)
		n := max(len(targets), len(sources))
		pairs := make([]model.TranslationPair, n)
		for i := range pairs {
			if i < len(sources) {
				pairs[i].Source = sources[i]
			}
			if i < len(targets) {
				pairs[i].Target = targets[i]
			}
		}
		return model.TranslationPairs{Pairs: pairs}
	}
	return nil
}

// IsEmpty reports whether a response carries no student text at all.
func IsEmpty(r model.NormalizedResponse) bool {
	switch v := r.(type) {
	case model.SentenceSet:
		return allBlank(v.Sentences[:])
	case model.MessageText:
		return strings.TrimSpace(v.Text) == ""
	case model.ExtendedText:
		return strings.TrimSpace(v.Text) == ""
	case model.GapAnswers:
		return allBlank(v.Answers)
	case model.TranslationPairs:
		for _, p := range v.Pairs {
			if strings.TrimSpace(p.Target) != "" {
				return false
			}
		}
		return true
	}
	return true
}

// WordCount splits text on runs of whitespace and counts the tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Clean strips markup from student text and trims it.
func Clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(policy.Sanitize(s)))
}

func allBlank(ss []string) bool {
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

func parse(raw []byte) gjson.Result {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}

// firstText returns the first non-empty string field among keys. A bare
// JSON string payload is taken as the text itself.
func firstText(root gjson.Result, keys ...string) string {
	if root.Type == gjson.String {
		return Clean(root.String())
	}
	if !root.IsObject() {
		return ""
	}
	for _, k := range keys {
		if v := root.Get(k); v.Exists() {
			if s := Clean(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// listed reads an ordered list of answers. It accepts an array under
// arrayKey, a bare array, or indexed keys such as "question-0" or
// "sentence1". Key base is the index of the first item: 0 for gap-fill and
// translation keys, 1 for photo sentences. Indexed keys keep their
// positions; gaps become "".
func listed(root gjson.Result, arrayKey, prefix string, base int) []string {
	if root.IsArray() {
		return cleanAll(root.Array())
	}
	if !root.IsObject() {
		return nil
	}
	if arr := root.Get(arrayKey); arr.IsArray() {
		return cleanAll(arr.Array())
	}

	type entry struct {
		idx int
		val string
	}
	var entries []entry
	root.ForEach(func(key, value gjson.Result) bool {
		k := strings.TrimPrefix(key.String(), prefix)
		if k == key.String() {
			return true
		}
		k = strings.TrimLeft(k, "-_")
		idx, err := strconv.Atoi(k)
		if err != nil || idx < base || idx > maxItems {
			return true
		}
		entries = append(entries, entry{idx: idx, val: Clean(value.String())})
		return true
	})
	if len(entries) == 0 {
		return nil
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.idx - b.idx })
	out := make([]string, entries[len(entries)-1].idx-base+1)
	for _, e := range entries {
		out[e.idx-base] = e.val
	}
	return out
}

func cleanAll(items []gjson.Result) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = Clean(it.String())
	}
	return out
}
