package capture

import (
	"strings"
	"unicode/utf8"
)

// Deduper extracts the unsent suffix of cumulative interim results. The zero
// value is ready to use.
type Deduper struct {
	offset int
}

// Reset forgets everything sent so far. Call it when a session starts.
func (d *Deduper) Reset() {
	d.offset = 0
}

// Next returns the text of results beyond what was already returned and
// advances past it. Results that do not extend the sent text yield "". When
// a revision moved a multi-byte rune across the offset, the text starts at
// the next whole rune.
func (d *Deduper) Next(results []string) string {
	full := strings.Join(results, "")
	if len(full) <= d.offset {
		return ""
	}
	i := d.offset
	for i < len(full) && !utf8.RuneStart(full[i]) {
		i++
	}
	d.offset = len(full)
	return full[i:]
}

// Offset returns the number of bytes already returned.
func (d *Deduper) Offset() int {
	return d.offset
}
