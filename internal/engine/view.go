package engine

import (
	"github.com/comigor/chatsync/internal/codec"
	"github.com/comigor/chatsync/internal/history"
)

// WelcomeText greets an owner who has never created a session.
const WelcomeText = "👋 Hi! I'm your AI assistant. How can I help you today?"

// Rendered is a transcript entry with its body split into segments.
type Rendered struct {
	Entry
	Segments    []codec.Segment
	Placeholder bool
}

// View renders the active transcript. Before any session exists it holds a
// single welcome placeholder; an empty session renders as nothing.
func (e *Engine) View() []Rendered {
	if len(e.dir.List()) == 0 {
		welcome := history.Message{Owner: e.owner, Role: history.RoleAssistant, Text: WelcomeText, CreatedAt: e.now()}
		return []Rendered{{
			Entry:       Entry{Synthetic: true, Message: welcome},
			Segments:    codec.Parse(WelcomeText),
			Placeholder: true,
		}}
	}
	return Render(e.Transcript())
}

// Render segments each entry's text.
func Render(entries []Entry) []Rendered {
	out := make([]Rendered, 0, len(entries))
	for _, ent := range entries {
		out = append(out, Rendered{Entry: ent, Segments: codec.Parse(ent.Message.Text)})
	}
	return out
}
