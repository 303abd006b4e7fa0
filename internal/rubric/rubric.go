// Package rubric holds the mark scheme templates used to grade each
// question type. Templates are embedded JSON files loaded once into an
// immutable Catalog.
package rubric

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/pavelanni/marker/internal/model"
)

//go:embed rubrics/*.json
var embedded embed.FS

var (
	// ErrNotFound is returned when no template matches a lookup.
	ErrNotFound = errors.New("rubric not found")
	// ErrMarksMismatch is returned when a question's marks differ from its template.
	ErrMarksMismatch = errors.New("question marks do not match rubric")
)

// Band is one level descriptor of an axis, reproduced verbatim in prompts.
type Band struct {
	Marks      string `json:"marks"`
	Descriptor string `json:"descriptor"`
}

// Axis is one marking grid. Repeat > 0 expands the axis into Repeat
// numbered items; Repeat == -1 expands it into one item per question mark.
// ZeroWhenZero names the axis whose zero forces this one to zero.
type Axis struct {
	Name         string `json:"name"`
	Label        string `json:"label"`
	Max          int    `json:"max"`
	Repeat       int    `json:"repeat,omitempty"`
	ZeroWhenZero string `json:"zeroWhenZero,omitempty"`
	Bands        []Band `json:"bands"`
}

// Repeated reports whether the axis is marked once per item.
func (a *Axis) Repeated() bool { return a.Repeat != 0 }

// Template is a complete mark scheme for one question type and size.
type Template struct {
	ID              string             `json:"id"`
	Version         string             `json:"version"`
	Type            model.QuestionType `json:"type"`
	Title           string             `json:"title"`
	MaxMarks        int                `json:"maxMarks"`
	TargetWordCount int                `json:"targetWordCount,omitempty"`
	Objective       string             `json:"objective"`
	Task            string             `json:"task,omitempty"`
	MaxTokens       int                `json:"maxTokens,omitempty"`
	TimeFrames      []string           `json:"timeFrames,omitempty"`
	TimeFrameAxis   string             `json:"timeFrameAxis,omitempty"`
	Axes            []Axis             `json:"axes"`
	Guidance        []string           `json:"guidance,omitempty"`
	KeyPrinciples   []string           `json:"keyPrinciples,omitempty"`

	fingerprint string
}

// Slot is one sub-score the grader must produce.
type Slot struct {
	Name string
	Axis *Axis
}

// Variable reports whether the template takes its marks from the question.
func (t *Template) Variable() bool { return t.MaxMarks == 0 }

// MarksFor returns the marks available for a question graded with t.
func (t *Template) MarksFor(questionMax int) (int, error) {
	if t.Variable() {
		if questionMax <= 0 {
			return 0, fmt.Errorf("%w: %s needs a positive question mark count", ErrMarksMismatch, t.ID)
		}
		return questionMax, nil
	}
	if questionMax != 0 && questionMax != t.MaxMarks {
		return 0, fmt.Errorf("%w: %s is out of %d, question is out of %d", ErrMarksMismatch, t.ID, t.MaxMarks, questionMax)
	}
	return t.MaxMarks, nil
}

// Slots expands the axes into the sub-scores for a question worth maxMarks.
func (t *Template) Slots(maxMarks int) []Slot {
	var slots []Slot
	for i := range t.Axes {
		ax := &t.Axes[i]
		n := ax.Repeat
		if n < 0 {
			n = maxMarks
		}
		if n == 0 {
			slots = append(slots, Slot{Name: ax.Name, Axis: ax})
			continue
		}
		for j := 1; j <= n; j++ {
			slots = append(slots, Slot{Name: ax.Name + strconv.Itoa(j), Axis: ax})
		}
	}
	return slots
}

// SubScoreNames lists the sub-score keys expected for a question worth maxMarks.
func (t *Template) SubScoreNames(maxMarks int) []string {
	slots := t.Slots(maxMarks)
	names := make([]string, len(slots))
	for i, s := range slots {
		names[i] = s.Name
	}
	return names
}

// Axis returns the axis a sub-score name belongs to, or nil.
func (t *Template) Axis(name string) *Axis {
	for i := range t.Axes {
		if !t.Axes[i].Repeated() && t.Axes[i].Name == name {
			return &t.Axes[i]
		}
	}
	base := strings.TrimRightFunc(name, unicode.IsDigit)
	if base == name {
		return nil
	}
	for i := range t.Axes {
		if t.Axes[i].Repeated() && t.Axes[i].Name == base {
			return &t.Axes[i]
		}
	}
	return nil
}

// AxisMax returns the maximum of the axis a sub-score belongs to.
func (t *Template) AxisMax(name string) (int, bool) {
	ax := t.Axis(name)
	if ax == nil {
		return 0, false
	}
	return ax.Max, true
}

// Fingerprint identifies the exact band text the template carries.
func (t *Template) Fingerprint() string { return t.fingerprint }

func (t *Template) validate() error {
	if t.ID == "" {
		return errors.New("missing id")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown question type %q", t.Type)
	}
	if len(t.Axes) == 0 {
		return errors.New("no axes")
	}
	names := make(map[string]bool, len(t.Axes))
	sum, variable := 0, 0
	for _, ax := range t.Axes {
		if ax.Name == "" {
			return errors.New("axis without name")
		}
		if names[ax.Name] {
			return fmt.Errorf("duplicate axis %q", ax.Name)
		}
		names[ax.Name] = true
		if ax.Max <= 0 {
			return fmt.Errorf("axis %q: max must be positive", ax.Name)
		}
		if len(ax.Bands) == 0 {
			return fmt.Errorf("axis %q: no bands", ax.Name)
		}
		switch {
		case ax.Repeat < 0:
			variable++
		case ax.Repeat > 0:
			sum += ax.Max * ax.Repeat
		default:
			sum += ax.Max
		}
	}
	for _, ax := range t.Axes {
		if ax.ZeroWhenZero == "" {
			continue
		}
		if ax.ZeroWhenZero == ax.Name {
			return fmt.Errorf("axis %q: links to itself", ax.Name)
		}
		if t.Axis(ax.ZeroWhenZero) == nil {
			return fmt.Errorf("axis %q: links to unknown axis %q", ax.Name, ax.ZeroWhenZero)
		}
	}
	if t.TimeFrameAxis != "" && t.Axis(t.TimeFrameAxis) == nil {
		return fmt.Errorf("time frame axis %q not found", t.TimeFrameAxis)
	}
	if t.Variable() {
		if variable != 1 || len(t.Axes) != 1 || t.Axes[0].Max != 1 {
			return errors.New("variable-mark template needs exactly one per-mark axis worth 1")
		}
		return nil
	}
	if variable > 0 {
		return errors.New("per-mark axis in a fixed-mark template")
	}
	if sum != t.MaxMarks {
		return fmt.Errorf("axis maxima sum to %d, template is out of %d", sum, t.MaxMarks)
	}
	return nil
}

func (t *Template) computeFingerprint() error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	t.fingerprint = hex.EncodeToString(sum[:])
	return nil
}

// Catalog is an immutable set of templates. Lookups return the shared
// template; callers must not modify it.
type Catalog struct {
	templates []*Template
	byID      map[string]*Template
}

// Load reads every *.json template at the root of fsys.
func Load(fsys fs.FS) (*Catalog, error) {
	files, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list rubrics: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no rubric files found")
	}
	c := &Catalog{byID: make(map[string]*Template, len(files))}
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read rubric %s: %w", name, err)
		}
		var t Template
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse rubric %s: %w", name, err)
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("rubric %s: %w", path.Base(name), err)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("rubric %s: duplicate id %q", name, t.ID)
		}
		if err := t.computeFingerprint(); err != nil {
			return nil, fmt.Errorf("fingerprint rubric %s: %w", name, err)
		}
		c.byID[t.ID] = &t
		c.templates = append(c.templates, &t)
	}
	slices.SortFunc(c.templates, func(a, b *Template) int {
		if a.Type != b.Type {
			return strings.Compare(string(a.Type), string(b.Type))
		}
		return a.MaxMarks - b.MaxMarks
	})
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the catalog built from the embedded templates.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(embedded, "rubrics")
		if err != nil {
			defaultErr = err
			return
		}
		defaultCatalog, defaultErr = Load(sub)
	})
	return defaultCatalog, defaultErr
}

// All returns the templates ordered by type and size.
func (c *Catalog) All() []*Template {
	return slices.Clone(c.templates)
}

// Get returns the template with the given ID.
func (c *Catalog) Get(id string) (*Template, error) {
	t, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}
	return t, nil
}

// Lookup finds the template for a question type and mark count. A fixed
// template whose marks match wins over a variable one. A maxMarks of 0
// matches when the type has a single template.
func (c *Catalog) Lookup(qt model.QuestionType, maxMarks int) (*Template, error) {
	var candidates []*Template
	for _, t := range c.templates {
		if t.Type == qt {
			candidates = append(candidates, t)
		}
	}
	for _, t := range candidates {
		if !t.Variable() && t.MaxMarks == maxMarks {
			return t, nil
		}
	}
	for _, t := range candidates {
		if t.Variable() {
			return t, nil
		}
	}
	if maxMarks == 0 && len(candidates) == 1 {
		return candidates[0], nil
	}
	return nil, fmt.Errorf("%w: %s out of %d", ErrNotFound, qt, maxMarks)
}

// ForQuestion returns the template a question is graded with. An explicit
// RubricID on the question wins over lookup by type.
func (c *Catalog) ForQuestion(q model.Question) (*Template, error) {
	if q.RubricID == "" {
		return c.Lookup(q.Type, q.MaxMarks)
	}
	t, err := c.Get(q.RubricID)
	if err != nil {
		return nil, err
	}
	if t.Type != q.Type {
		return nil, fmt.Errorf("%w: rubric %s is for %s, question is %s", ErrNotFound, t.ID, t.Type, q.Type)
	}
	return t, nil
}
