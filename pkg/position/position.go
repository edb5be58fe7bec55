// Package position derives page numbers and navigation for the broadcast
// position of a live session. Teacher and student sides both go through
// these functions so their page numbers can never drift apart.
package position

import (
	"fmt"

	"ue1live/pkg/types"
)

// Direction of a relative move.
type Direction int

const (
	Next Direction = iota
	Prev
)

// Position is where the class currently is.
// Index is ignored for the notes section.
type Position struct {
	Section types.Section `json:"section"`
	Index   int           `json:"index"`
}

// Counts are the lesson's question list lengths. They come from lesson
// content and travel alongside a session; they are never stored in it.
type Counts struct {
	MC      int `json:"mc_count"`
	Writing int `json:"writing_count"`
}

// Start is the first page of every lecture.
var Start = Position{Section: types.SectionNotes, Index: 0}

// Of returns the broadcast position of a session row. A row with no section
// set reads as the first page.
func Of(s *types.Session) Position {
	if s == nil || s.CurrentSection == "" {
		return Start
	}
	return Position{Section: s.CurrentSection, Index: s.CurrentQuestionIndex}.Normalize()
}

// PageNumber orders notes -> mc[0..] -> writing[0..] starting at page 1.
func PageNumber(section types.Section, index int, counts Counts) int {
	switch section {
	case types.SectionMC:
		return 2 + index
	case types.SectionWriting:
		return 2 + counts.MC + index
	default:
		return 1
	}
}

// TotalPages is 1 notes page plus one page per question.
func TotalPages(counts Counts) int {
	return 1 + counts.MC + counts.Writing
}

// Page is PageNumber for a Position value.
func (p Position) Page(counts Counts) int {
	return PageNumber(p.Section, p.Index, counts)
}

// Valid reports whether the position exists in a lesson with these counts.
func (p Position) Valid(counts Counts) bool {
	switch p.Section {
	case types.SectionNotes:
		return true
	case types.SectionMC:
		return p.Index >= 0 && p.Index < counts.MC
	case types.SectionWriting:
		return p.Index >= 0 && p.Index < counts.Writing
	default:
		return false
	}
}

// Normalize zeroes the index of a notes position.
func (p Position) Normalize() Position {
	if p.Section == types.SectionNotes {
		p.Index = 0
	}
	return p
}

// FromPage is the inverse of PageNumber. Out of range pages are clamped.
func FromPage(page int, counts Counts) Position {
	total := TotalPages(counts)
	if page > total {
		page = total
	}
	switch {
	case page <= 1:
		return Start
	case page <= 1+counts.MC:
		return Position{Section: types.SectionMC, Index: page - 2}
	default:
		return Position{Section: types.SectionWriting, Index: page - 2 - counts.MC}
	}
}

// Clamp moves an out of range position to the nearest valid page.
func Clamp(p Position, counts Counts) Position {
	if p.Valid(counts) {
		return p.Normalize()
	}
	if !types.IsValidSection(p.Section) {
		return Start
	}
	if p.Index < 0 {
		p.Index = 0
	}
	n := counts.MC
	if p.Section == types.SectionWriting {
		n = counts.Writing
	}
	if n > 0 {
		p.Index = n - 1
		return p
	}
	// empty category: fall onto whichever page its ordinal lands on
	return FromPage(p.Page(counts), counts)
}

// Advance moves one page forward or backward, clamped at both ends. Moving
// past the last writing task or before notes returns p unchanged.
func Advance(p Position, counts Counts, dir Direction) Position {
	p = Clamp(p, counts)
	page := p.Page(counts)
	switch dir {
	case Next:
		if page >= TotalPages(counts) {
			return p
		}
		return FromPage(page+1, counts)
	case Prev:
		if page <= 1 {
			return p
		}
		return FromPage(page-1, counts)
	default:
		return p
	}
}

// Label summarises a position for a focus prompt.
func Label(p Position, counts Counts) string {
	switch p.Section {
	case types.SectionMC:
		return fmt.Sprintf("Multiple choice %d of %d", p.Index+1, counts.MC)
	case types.SectionWriting:
		return fmt.Sprintf("Writing task %d of %d", p.Index+1, counts.Writing)
	default:
		return "Lesson notes"
	}
}

// String renders a position as section[index].
func (p Position) String() string {
	if p.Section == types.SectionNotes {
		return string(p.Section)
	}
	return fmt.Sprintf("%s[%d]", p.Section, p.Index)
}
