package unit

import (
	"fmt"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineDelta summarises a source edit.
type LineDelta struct {
	Added   int
	Removed int
}

func (d LineDelta) String() string {
	return fmt.Sprintf("+%d -%d lines", d.Added, d.Removed)
}

// lineDelta diffs two sources line by line. Each rune of the encoded diff
// stands for one line.
func lineDelta(from, to string) LineDelta {
	if from == to {
		return LineDelta{}
	}
	dmp := diffmatchpatch.New()
	src, dst, _ := dmp.DiffLinesToRunes(from, to)
	diffs := dmp.DiffMainRunes(src, dst, false)

	var d LineDelta
	for _, edit := range diffs {
		switch edit.Type {
		case diffmatchpatch.DiffInsert:
			d.Added += utf8.RuneCountInString(edit.Text)
		case diffmatchpatch.DiffDelete:
			d.Removed += utf8.RuneCountInString(edit.Text)
		}
	}
	return d
}
