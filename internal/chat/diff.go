package chat

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// EditDiff summarizes a message edit as line counts.
type EditDiff struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// diffText counts the lines added and removed between before and after.
func diffText(before, after string) EditDiff {
	if before == after {
		return EditDiff{}
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var d EditDiff
	for _, part := range diffs {
		switch part.Type {
		case diffmatchpatch.DiffInsert:
			d.Additions += countLines(part.Text)
		case diffmatchpatch.DiffDelete:
			d.Deletions += countLines(part.Text)
		}
	}
	return d
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
