package normalize

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Helpers reading the authoring payload stored in model.Question.Data.

// AnswerKey returns the expected gap-fill answers in question order, or nil
// when the payload carries no complete key.
func AnswerKey(data []byte) []string {
	root := parse(data)
	if qs := root.Get("questions"); qs.IsArray() {
		items := qs.Array()
		key := make([]string, 0, len(items))
		for _, q := range items {
			ans := strings.TrimSpace(firstOf(q, "correctAnswer", "correct_answer", "answer").String())
			if ans == "" {
				return nil
			}
			key = append(key, ans)
		}
		return key
	}
	for _, k := range []string{"answerKey", "answer_key"} {
		if arr := root.Get(k); arr.IsArray() {
			key := cleanAll(arr.Array())
			if allBlank(key) {
				return nil
			}
			return key
		}
	}
	return nil
}

// GapPrompts returns the gap-fill sentences shown to the student.
func GapPrompts(data []byte) []string {
	qs := parse(data).Get("questions")
	if !qs.IsArray() {
		return nil
	}
	var out []string
	for _, q := range qs.Array() {
		if q.Type == gjson.String {
			out = append(out, q.String())
			continue
		}
		out = append(out, firstOf(q, "sentence", "question", "text").String())
	}
	return out
}

// BulletPoints returns the task bullet points a writing response must cover.
func BulletPoints(data []byte) []string {
	arr := firstOf(parse(data), "bulletPoints", "bullet_points", "specificCriteria")
	if !arr.IsArray() {
		return nil
	}
	var out []string
	for _, b := range arr.Array() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TargetWords returns the word target set on the question, or 0.
func TargetWords(data []byte) int {
	return int(firstOf(parse(data), "wordCount", "targetWordCount", "wordCountRequirement").Int())
}

// Prompt returns the task instructions or photo caption, if any.
func Prompt(data []byte) string {
	return strings.TrimSpace(firstOf(parse(data), "prompt", "instructions", "photoDescription").String())
}

// SourceSentences returns the sentences a translation question asks the
// student to translate.
func SourceSentences(data []byte) []string {
	arr := parse(data).Get("sentences")
	if !arr.IsArray() {
		return nil
	}
	var out []string
	for _, s := range arr.Array() {
		if s.Type == gjson.String {
			out = append(out, s.String())
			continue
		}
		out = append(out, firstOf(s, "englishText", "english", "source", "text").String())
	}
	return out
}

func firstOf(root gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
