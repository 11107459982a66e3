package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Block types understood by the store. Unknown types are kept verbatim.
const (
	BlockText       = "text"
	BlockHTML       = "html"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one structured piece of message content.
type ContentBlock struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	HTML    string         `json:"html,omitempty"`
	MediaID string         `json:"mediaID,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Content is either plain text or an ordered list of blocks.
// On the wire it is a JSON string or a JSON array.
type Content struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent returns plain text content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// BlockContent returns structured content.
func BlockContent(blocks ...ContentBlock) Content {
	return Content{Blocks: blocks}
}

// IsBlocks reports whether the content is structured.
func (c Content) IsBlocks() bool {
	return c.Blocks != nil
}

// IsEmpty reports whether the content carries nothing.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Blocks) == 0
}

// PlainText returns the textual view of the content. HTML blocks are
// returned raw; callers that need readable text render them separately.
func (c Content) PlainText() string {
	if !c.IsBlocks() {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockHTML:
			sb.WriteString(b.HTML)
		}
	}
	return sb.String()
}

// Append returns c with delta appended. Text onto text concatenates; text
// onto blocks extends a trailing text block or adds one; blocks onto text
// promote the text to a leading text block.
func (c Content) Append(delta Content) Content {
	switch {
	case !c.IsBlocks() && !delta.IsBlocks():
		return Content{Text: c.Text + delta.Text}
	case c.IsBlocks() && !delta.IsBlocks():
		if delta.Text == "" {
			return c.clone()
		}
		out := c.clone()
		if n := len(out.Blocks); n > 0 && out.Blocks[n-1].Type == BlockText {
			out.Blocks[n-1].Text += delta.Text
			return out
		}
		out.Blocks = append(out.Blocks, ContentBlock{Type: BlockText, Text: delta.Text})
		return out
	default:
		var out Content
		if c.IsBlocks() {
			out = c.clone()
		} else {
			out.Blocks = []ContentBlock{}
			if c.Text != "" {
				out.Blocks = append(out.Blocks, ContentBlock{Type: BlockText, Text: c.Text})
			}
		}
		for _, b := range delta.Blocks {
			if n := len(out.Blocks); n > 0 && b.Type == BlockText && out.Blocks[n-1].Type == BlockText {
				out.Blocks[n-1].Text += b.Text
				continue
			}
			out.Blocks = append(out.Blocks, b)
		}
		return out
	}
}

func (c Content) clone() Content {
	if c.Blocks == nil {
		return Content{Text: c.Text}
	}
	blocks := make([]ContentBlock, len(c.Blocks))
	copy(blocks, c.Blocks)
	return Content{Blocks: blocks}
}

// MarshalJSON writes text content as a string and structured content as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks() {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of blocks, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return err
		}
		if blocks == nil {
			blocks = []ContentBlock{}
		}
		*c = Content{Blocks: blocks}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of blocks: %w", ErrInvalidItem)
	}
}

// MarshalYAML mirrors the JSON form.
func (c Content) MarshalYAML() (any, error) {
	if c.IsBlocks() {
		return c.Blocks, nil
	}
	return c.Text, nil
}
