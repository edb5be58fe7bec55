// Package lesson loads the static lecture content a live session walks
// through: notes, multiple choice questions and writing tasks.
package lesson

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"ue1live/pkg/position"
	"ue1live/pkg/types"
)

// McQuestion is a multiple choice question. CorrectIndex points into Options.
type McQuestion struct {
	Prompt       string   `json:"prompt" validate:"required"`
	Options      []string `json:"options" validate:"min=2,dive,required"`
	CorrectIndex int      `json:"correct_index" validate:"min=0"`
}

// OpenEndedQuestion is a writing task.
type OpenEndedQuestion struct {
	Prompt string `json:"prompt" validate:"required"`
}

// Lesson is the content of one lecture.
type Lesson struct {
	ID           string              `json:"id" validate:"required,max=100"`
	Title        string              `json:"title" validate:"required"`
	Notes        []string            `json:"notes" validate:"dive,required"`
	MCQuestions  []McQuestion        `json:"mc_questions" validate:"dive"`
	WritingTasks []OpenEndedQuestion `json:"writing_tasks" validate:"dive"`
}

// Grade reports whether selected is the correct option.
func (q McQuestion) Grade(selected int) bool {
	return selected == q.CorrectIndex
}

// Answer builds the stored answer for the selected option.
func (q McQuestion) Answer(selected int) types.McAnswer {
	a := types.McAnswer{Index: selected}
	if selected >= 0 && selected < len(q.Options) {
		a.Text = q.Options[selected]
	}
	return a
}

// Counts returns the question list lengths the position model pages over.
func (l *Lesson) Counts() position.Counts {
	return position.Counts{MC: len(l.MCQuestions), Writing: len(l.WritingTasks)}
}

// MC returns multiple choice question i.
func (l *Lesson) MC(i int) (McQuestion, bool) {
	if i < 0 || i >= len(l.MCQuestions) {
		return McQuestion{}, false
	}
	return l.MCQuestions[i], true
}

// Writing returns writing task i.
func (l *Lesson) Writing(i int) (OpenEndedQuestion, bool) {
	if i < 0 || i >= len(l.WritingTasks) {
		return OpenEndedQuestion{}, false
	}
	return l.WritingTasks[i], true
}

// Validate checks struct tags and that every correct index names an option.
func (l *Lesson) Validate() error {
	if err := types.Validate.Struct(l); err != nil {
		return errors.Wrap(ErrInvalidLesson, err.Error())
	}
	for i, q := range l.MCQuestions {
		if q.CorrectIndex >= len(q.Options) {
			return errors.Wrapf(ErrInvalidLesson, "mc_questions[%d]: correct_index %d out of range", i, q.CorrectIndex)
		}
	}
	return nil
}

// Parse decodes and validates a lesson document.
func Parse(data []byte) (*Lesson, error) {
	var l Lesson
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(ErrInvalidLesson, err.Error())
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Load reads a lesson from a JSON file.
func Load(path string) (*Lesson, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read lesson %s", path)
	}
	l, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "lesson %s", path)
	}
	return l, nil
}

// Catalog indexes lessons by id.
type Catalog struct {
	lessons map[string]*Lesson
}

// LoadDir loads every *.json file in dir. Duplicate ids are rejected.
func LoadDir(dir string) (*Catalog, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, errors.Wrap(err, "list lessons")
	}
	c := &Catalog{lessons: make(map[string]*Lesson, len(paths))}
	for _, path := range paths {
		l, err := Load(path)
		if err != nil {
			return nil, err
		}
		if err := c.Add(l); err != nil {
			return nil, errors.Wrap(err, path)
		}
	}
	return c, nil
}

// NewCatalog builds a catalog from already loaded lessons.
func NewCatalog(lessons ...*Lesson) (*Catalog, error) {
	c := &Catalog{lessons: make(map[string]*Lesson, len(lessons))}
	for _, l := range lessons {
		if err := c.Add(l); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers a lesson.
func (c *Catalog) Add(l *Lesson) error {
	if _, exists := c.lessons[l.ID]; exists {
		return errors.Wrap(ErrDuplicateLesson, l.ID)
	}
	c.lessons[l.ID] = l
	return nil
}

// Get returns the lesson with id.
func (c *Catalog) Get(id string) (*Lesson, error) {
	l, ok := c.lessons[strings.TrimSpace(id)]
	if !ok {
		return nil, errors.Wrap(ErrLessonNotFound, id)
	}
	return l, nil
}

// IDs lists lesson ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.lessons))
	for id := range c.lessons {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
