// Package segment splits outgoing replies into transport-safe chunks.
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultLimit is the hard per-message character limit of chat transports
// such as Discord.
const DefaultLimit = 2000

// Chunk is one piece of a segmented reply. Sep is the separator consumed
// after Text (a line break, one whitespace character or nothing), so Join
// restores the input exactly. Only a sole chunk can have empty Text.
type Chunk struct {
	Text string
	Sep  string
}

// Segment splits text into chunks of at most limit characters. Lines are
// kept whole where possible; an over-long line is broken at its last
// whitespace before the limit and only force-cut when it has none.
// The result always has at least one chunk.
func Segment(text string, limit int) []Chunk {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if utf8.RuneCountInString(text) <= limit {
		return []Chunk{{Text: text}}
	}

	s := &splitter{limit: limit}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 && s.open && s.curLen+1+runeLen(line) <= limit {
			s.cur.WriteByte('\n')
			s.cur.WriteString(line)
			s.curLen += 1 + runeLen(line)
			continue
		}
		if i > 0 && s.open {
			s.flush("\n")
		}
		s.start(line)
	}
	if s.open && s.curLen > 0 {
		s.emit(s.cur.String(), "")
	}
	if len(s.chunks) == 0 {
		return []Chunk{{}}
	}
	return s.chunks
}

// Split is Segment without the separators.
func Split(text string, limit int) []string {
	chunks := Segment(text, limit)
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// Join reassembles chunks produced by Segment.
func Join(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
		b.WriteString(c.Sep)
	}
	return b.String()
}

type splitter struct {
	limit  int
	chunks []Chunk

	cur    strings.Builder
	curLen int
	open   bool

	// lead holds a line break seen before any text. It is prepended to the
	// first chunk so no chunk is emitted empty.
	lead string
}

// start opens a new chunk with line, breaking the line up first when it
// cannot fit on its own.
func (s *splitter) start(line string) {
	rest := []rune(line)
	for {
		room := s.limit - runeLen(s.lead)
		if len(rest) <= room {
			break
		}
		if room <= 0 {
			s.emit("", "")
			continue
		}
		cut, skip := breakPoint(rest, room)
		s.emit(string(rest[:cut]), string(rest[cut:cut+skip]))
		rest = rest[cut+skip:]
	}
	s.cur.Reset()
	s.cur.WriteString(s.lead)
	s.cur.WriteString(string(rest))
	s.curLen = runeLen(s.lead) + len(rest)
	s.lead = ""
	s.open = true
}

// flush closes the current chunk. An empty chunk is folded into the
// previous chunk's separator, or into lead when nothing was emitted yet.
func (s *splitter) flush(sep string) {
	switch {
	case s.curLen > 0:
		s.emit(s.cur.String(), sep)
	case len(s.chunks) > 0:
		s.chunks[len(s.chunks)-1].Sep += sep
	default:
		s.lead += sep
	}
	s.cur.Reset()
	s.curLen = 0
	s.open = false
}

func (s *splitter) emit(text, sep string) {
	s.chunks = append(s.chunks, Chunk{Text: s.lead + text, Sep: sep})
	s.lead = ""
}

// breakPoint finds where to cut an over-long line: at the last whitespace
// at or before limit (skip 1), or exactly at limit when there is none
// (skip 0). len(r) must exceed limit.
func breakPoint(r []rune, limit int) (cut, skip int) {
	for i := limit; i > 0; i-- {
		if unicode.IsSpace(r[i]) {
			return i, 1
		}
	}
	return limit, 0
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
