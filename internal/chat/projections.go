package chat

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/opencode-ai/chatsync/pkg/types"
)

// Snapshot is an immutable view of the store at one version. Projections
// are recomputed from the items on every call and never cached.
type Snapshot struct {
	SessionID string      `json:"sessionID"`
	Version   uint64      `json:"version"`
	Items     types.Items `json:"items"`
}

// ByRole returns the snapshot's messages authored by role.
func (s Snapshot) ByRole(role types.Role) []*types.Message {
	return ByRole(s.Items, role)
}

// Search returns the snapshot's messages whose text contains query.
func (s Snapshot) Search(query string) []*types.Message {
	return Search(s.Items, query)
}

// UploadedMediaIDs returns the ids of the snapshot's completed uploads.
func (s Snapshot) UploadedMediaIDs() []string {
	return UploadedMediaIDs(s.Items)
}

// ByRole filters items down to messages with the given role.
func ByRole(items []types.ChatItem, role types.Role) []*types.Message {
	var out []*types.Message
	for _, item := range items {
		if m, ok := item.(*types.Message); ok && m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Search returns messages whose textual content contains query,
// case-insensitively. HTML blocks are matched on their rendered text.
// An empty query matches nothing.
func Search(items []types.ChatItem, query string) []*types.Message {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var out []*types.Message
	for _, item := range items {
		m, ok := item.(*types.Message)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(SearchableText(m.Content)), query) {
			out = append(out, m)
		}
	}
	return out
}

// SearchableText returns the text a search matches against.
func SearchableText(c types.Content) string {
	if !c.IsBlocks() {
		return c.Text
	}

	var sb strings.Builder
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			sb.WriteString(b.Text)
		case types.BlockHTML:
			sb.WriteString(htmlText(b.HTML))
		default:
			if b.Text != "" {
				sb.WriteString(b.Text)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// htmlText renders html to markdown so tags and attributes do not match.
func htmlText(html string) string {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
	})
	converter.Remove("script", "style")

	text, err := converter.ConvertString(html)
	if err != nil {
		return html
	}
	return text
}

// UploadedMediaIDs returns the ids of media items whose upload completed.
// Pending and failed uploads are never included.
func UploadedMediaIDs(items []types.ChatItem) []string {
	var out []string
	for _, item := range items {
		if m, ok := item.(*types.MediaItem); ok && m.UploadStatus() == types.StatusComplete {
			out = append(out, m.ID)
		}
	}
	return out
}
