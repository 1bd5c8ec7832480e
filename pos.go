package teng

import (
	"fmt"
	"sort"
	"unicode/utf8"
)

// Pos is a single point in a source: file name (empty for inline
// template strings), 1-based line and column.
type Pos struct {
	File   string
	Line   int32
	Column int32
}

func (p Pos) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// IsZero reports whether the position was never set.
func (p Pos) IsZero() bool { return p.Line == 0 && p.Column == 0 && p.File == "" }

// lineIndex converts byte cursor offsets into line/column positions.
//
// It stores the start byte offset of each line (0-based). Given a
// cursor, it finds the line by binary searching line starts (O(log
// lines)) and computes the column respecting UTF-8 rune boundaries
// when utf8 mode is enabled, or raw byte offsets otherwise.
type lineIndex struct {
	file      string
	input     []byte
	lineStart []int
	utf8Mode  bool
}

func newLineIndex(file string, input []byte, utf8Mode bool) *lineIndex {
	lineStart := make([]int, 1, 64)
	lineStart[0] = 0
	for i, b := range input {
		if b == '\n' {
			lineStart = append(lineStart, i+1)
		}
	}
	return &lineIndex{file: file, input: input, lineStart: lineStart, utf8Mode: utf8Mode}
}

func (li *lineIndex) at(cursor int) Pos {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(li.input) {
		cursor = len(li.input)
	}

	lineIdx := sort.Search(len(li.lineStart), func(i int) bool {
		return li.lineStart[i] > cursor
	}) - 1
	if lineIdx < 0 {
		lineIdx = 0
	}

	lineStart := li.lineStart[lineIdx]
	var col int32
	if li.utf8Mode {
		col = int32(utf8.RuneCount(li.input[lineStart:cursor])) + 1
	} else {
		col = int32(cursor-lineStart) + 1
	}

	return Pos{File: li.file, Line: int32(lineIdx + 1), Column: col}
}
