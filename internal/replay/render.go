package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/pkg/types"
)

// Format selects how results are written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates an output format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

// Render writes res to w. Text output is colored unless color.NoColor is set.
func Render(w io.Writer, res *Result, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case FormatYAML:
		// Items only know how to encode themselves as JSON, so YAML is
		// produced from the JSON form.
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := io.WriteString(w, RenderText(res, !color.NoColor))
		return err
	}
}

type palette struct {
	title   func(a ...any) string
	dim     func(a ...any) string
	user    func(a ...any) string
	asst    func(a ...any) string
	failure func(a ...any) string
	success func(a ...any) string
}

func newPalette(colored bool) palette {
	if !colored {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		return palette{plain, plain, plain, plain, plain, plain}
	}
	sprint := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		c.EnableColor()
		return c.SprintFunc()
	}
	return palette{
		title:   sprint(color.FgCyan, color.Bold),
		dim:     sprint(color.Faint),
		user:    sprint(color.FgGreen),
		asst:    sprint(color.FgBlue),
		failure: sprint(color.FgRed, color.Bold),
		success: sprint(color.FgGreen, color.Bold),
	}
}

// RenderText returns the transcript followed by the verdict and failures.
func RenderText(res *Result, colored bool) string {
	p := newPalette(colored)
	var sb strings.Builder
	writeTranscript(&sb, res, p)

	if res.Passed() {
		fmt.Fprintf(&sb, "%s\n", p.success("PASS"))
	} else {
		fmt.Fprintf(&sb, "%s\n", p.failure("FAIL"))
		for _, f := range res.Failures {
			fmt.Fprintf(&sb, "  %s\n", strings.ReplaceAll(f, "\n", "\n  "))
		}
	}
	return sb.String()
}

// Transcript returns a human readable view of the final state. Generated
// ids and timestamps are left out so the text is stable across runs.
func Transcript(res *Result) string {
	var sb strings.Builder
	writeTranscript(&sb, res, newPalette(false))
	return sb.String()
}

func writeTranscript(sb *strings.Builder, res *Result, p palette) {

	fmt.Fprintf(sb, "%s %s\n", p.title("scenario"), res.Scenario)
	fmt.Fprintf(sb, "%s %s (%d events)\n", p.dim("state"), res.State, res.Emitted)

	for _, item := range res.Snapshot.Items {
		switch v := item.(type) {
		case *types.Message:
			role := string(v.Role)
			switch v.Role {
			case types.RoleUser:
				role = p.user(role)
			case types.RoleAssistant:
				role = p.asst(role)
			}
			status := ""
			if v.Status != types.StatusComplete {
				status = " " + p.dim("("+string(v.Status)+")")
			}
			fmt.Fprintf(sb, "  [%s] %s%s: %s\n", role, v.ID, status, oneLine(chat.SearchableText(v.Content)))
		case *types.MediaItem:
			fmt.Fprintf(sb, "  [media] %s %s %s\n", v.ID, v.ContentType, v.UploadStatus())
		case *types.Divider:
			fmt.Fprintf(sb, "  %s\n", p.dim(dividerLabel(v)))
		}
	}
}

func dividerLabel(d *types.Divider) string {
	parts := []string{"--", string(d.DividerType)}
	if d.SubSessionType != "" {
		parts = append(parts, d.SubSessionType)
	}
	if d.PrimeAgentKey != "" || d.SubAgentKey != "" {
		parts = append(parts, d.PrimeAgentKey+" -> "+d.SubAgentKey)
	}
	return strings.Join(append(parts, "--"), " ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Compare returns a line diff of want and got and whether they are equal.
func Compare(want, got string) (string, bool) {
	if want == got {
		return "", true
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(want, got)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	sb.WriteString("--- want\n+++ got\n")
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				sb.WriteString("\n")
			}
		}
	}
	return sb.String(), false
}
