package grader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pavelanni/marker/internal/rubric"
)

var fenceRegex = regexp.MustCompile("```(?:json|JSON)?[ \t]*\r?\n?")

// reply is the validated model output.
type reply struct {
	TotalScore     int
	SubScores      map[string]int
	Feedback       string
	Strengths      []string
	Improvements   []string
	GrammarErrors  []string
	TimeFramesUsed []string
}

type wireReply struct {
	TotalScore     float64            `json:"totalScore"`
	SubScores      map[string]float64 `json:"subScores"`
	Feedback       string             `json:"feedback"`
	Strengths      []string           `json:"strengths"`
	Improvements   []string           `json:"improvements"`
	GrammarErrors  []string           `json:"grammarErrors"`
	TimeFramesUsed []string           `json:"timeFramesUsed"`
}

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	return strings.TrimSpace(fenceRegex.ReplaceAllString(s, ""))
}

func (g *Grader) parse(tmpl *rubric.Template, slots []rubric.Slot, raw string) (*reply, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, errors.New("empty model output")
	}

	schema, err := g.schemas.get(tmpl, slots)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("model output does not match schema: %w", err)
	}

	var w wireReply
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	maxTotal := 0
	axisMax := make(map[string]int, len(slots))
	for _, sl := range slots {
		axisMax[sl.Name] = sl.Axis.Max
		maxTotal += sl.Axis.Max
	}
	rep := &reply{
		TotalScore:     roundClamped(w.TotalScore, maxTotal),
		SubScores:      make(map[string]int, len(w.SubScores)),
		Feedback:       w.Feedback,
		Strengths:      w.Strengths,
		Improvements:   w.Improvements,
		GrammarErrors:  w.GrammarErrors,
		TimeFramesUsed: w.TimeFramesUsed,
	}
	for k, v := range w.SubScores {
		rep.SubScores[k] = roundClamped(v, axisMax[k])
	}
	return rep, nil
}

// roundClamped rounds v into [0, hi]. The clamp happens before the integer
// conversion, which is undefined for values outside the int range.
func roundClamped(v float64, hi int) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= float64(hi) {
		return hi
	}
	return int(math.Round(v))
}

type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(tmpl *rubric.Template, slots []rubric.Slot) (*jsonschema.Schema, error) {
	key := tmpl.ID + "/" + strconv.Itoa(len(slots))
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[key]; ok {
		return s, nil
	}

	doc, err := schemaDoc(tmpl, slots)
	if err != nil {
		return nil, err
	}
	url := "reply-" + tmpl.ID + "-" + strconv.Itoa(len(slots)) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	c.schemas[key] = s
	return s, nil
}

// schemaDoc builds the JSON Schema a model reply must satisfy for a template.
func schemaDoc(tmpl *rubric.Template, slots []rubric.Slot) ([]byte, error) {
	stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

	names := make([]string, len(slots))
	subProps := make(map[string]any, len(slots))
	for i, s := range slots {
		names[i] = s.Name
		subProps[s.Name] = map[string]any{"type": "integer"}
	}

	required := []string{"totalScore", "subScores", "feedback", "strengths", "improvements", "grammarErrors"}
	props := map[string]any{
		"totalScore": map[string]any{"type": "integer"},
		"subScores": map[string]any{
			"type":                 "object",
			"required":             names,
			"properties":           subProps,
			"additionalProperties": false,
		},
		"feedback":      map[string]any{"type": "string"},
		"strengths":     stringArray,
		"improvements":  stringArray,
		"grammarErrors": stringArray,
	}
	if len(tmpl.TimeFrames) > 0 {
		required = append(required, "timeFramesUsed")
		props["timeFramesUsed"] = stringArray
	}

	return json.Marshal(map[string]any{
		"type":       "object",
		"required":   required,
		"properties": props,
	})
}
