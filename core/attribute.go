package core

import (
	"sort"
	"strings"
)

// SeqMark records that an item belongs to a sequence emitted by Source.
// Start and End flag the sequence boundaries; both are set on a one-element
// sequence.
type SeqMark struct {
	Source string `json:"source"`
	Start  bool   `json:"start,omitempty"`
	End    bool   `json:"end,omitempty"`
}

// Attribute is the sequence bookkeeping carried by a DataItem. It is
// immutable: every method returns a new value and never touches the receiver.
type Attribute struct {
	marks []SeqMark
}

// NewAttribute builds an attribute from the given marks.
func NewAttribute(marks ...SeqMark) Attribute {
	var a Attribute
	for _, m := range marks {
		a = a.With(m)
	}
	return a
}

// Empty reports whether the attribute carries no sequence marks.
func (a Attribute) Empty() bool {
	return len(a.marks) == 0
}

// Marks returns a copy of the marks in insertion order.
func (a Attribute) Marks() []SeqMark {
	out := make([]SeqMark, len(a.marks))
	copy(out, a.marks)
	return out
}

// Mark returns the mark left by the given source.
func (a Attribute) Mark(source string) (SeqMark, bool) {
	for _, m := range a.marks {
		if m.Source == source {
			return m, true
		}
	}
	return SeqMark{}, false
}

// With returns an attribute where m replaces any mark of the same source.
func (a Attribute) With(m SeqMark) Attribute {
	out := make([]SeqMark, 0, len(a.marks)+1)
	replaced := false
	for _, cur := range a.marks {
		if cur.Source == m.Source {
			out = append(out, m)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, m)
	}
	return Attribute{marks: out}
}

// Without returns an attribute without the mark of the given source.
func (a Attribute) Without(source string) Attribute {
	if _, ok := a.Mark(source); !ok {
		return a
	}
	out := make([]SeqMark, 0, len(a.marks))
	for _, m := range a.marks {
		if m.Source != source {
			out = append(out, m)
		}
	}
	return Attribute{marks: out}
}

// Merge returns the union of both attributes. Marks of the same source have
// their flags OR-ed.
func (a Attribute) Merge(b Attribute) Attribute {
	out := a
	for _, m := range b.marks {
		if cur, ok := out.Mark(m.Source); ok {
			m.Start = m.Start || cur.Start
			m.End = m.End || cur.End
		}
		out = out.With(m)
	}
	return out
}

// String renders the marks sorted by source, e.g. "[gen:data start]".
func (a Attribute) String() string {
	if a.Empty() {
		return "[]"
	}
	marks := a.Marks()
	sort.Slice(marks, func(i, j int) bool { return marks[i].Source < marks[j].Source })
	parts := make([]string, 0, len(marks))
	for _, m := range marks {
		s := m.Source
		if m.Start {
			s += " start"
		}
		if m.End {
			s += " end"
		}
		parts = append(parts, s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
