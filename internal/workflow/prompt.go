package workflow

import (
	"strings"

	"github.com/sage-tutor/sage/internal/vectorstore"
)

// augment assembles the sectioned prompt from ranked matches, keeping it
// under the token budget. Lowest-ranked items are dropped first; a lone
// top item that alone exceeds the budget is truncated at the boundary.
func (e *Engine) augment(matches []vectorstore.Match, query string) string {
	kept := append([]vectorstore.Match{}, matches...)
	prompt := buildPrompt(kept, query)

	for e.counter.Count(prompt) > e.budget && len(kept) > 1 {
		kept = kept[:len(kept)-1]
		prompt = buildPrompt(kept, query)
	}

	if e.counter.Count(prompt) > e.budget && len(kept) == 1 {
		item := kept[0]
		text := []rune(item.Entry.Text)
		for len(text) > 0 && e.counter.Count(prompt) > e.budget {
			text = text[:len(text)-min(64, len(text))]
			item.Entry.Text = string(text)
			kept[0] = item
			prompt = buildPrompt(kept, query)
		}
	}
	return prompt
}

// buildPrompt lays the prompt out in three sections: knowledge chunks,
// retrieved conversation turns, then the user message. Empty sections are
// omitted.
func buildPrompt(matches []vectorstore.Match, query string) string {
	var knowledge, history []string
	for _, m := range matches {
		if strings.TrimSpace(m.Entry.Text) == "" {
			continue
		}
		if m.Entry.Kind == vectorstore.KindTurn {
			history = append(history, m.Entry.Text)
		} else {
			knowledge = append(knowledge, m.Entry.Text)
		}
	}

	var sections []string
	if len(knowledge) > 0 {
		sections = append(sections, "Knowledge:\n"+strings.Join(knowledge, "\n\n"))
	}
	if len(history) > 0 {
		sections = append(sections, "Conversation History:\n"+strings.Join(history, "\n"))
	}
	sections = append(sections, "User: "+query)
	return strings.Join(sections, "\n\n")
}
