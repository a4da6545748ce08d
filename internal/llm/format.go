package llm

import (
	"fmt"

	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/refchain"
)

const (
	// RoleUser and RoleAssistant are the only roles the wire format carries.
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BuildMessages converts a reference chain plus the user's message into the
// wire turn list for one personality.
//
// Role assignment per chain node is the correctness-critical part: content
// the resolving personality said before becomes an assistant turn framed in
// the first person, so the model recognizes its own words instead of
// parroting them back. Content from a different personality or a user stays
// a user turn with third-person framing.
func BuildMessages(p *personality.Personality, chain *refchain.Chain, authorDisplayName, content string, media []refchain.Media) []Message {
	var messages []Message

	if chain != nil {
		for _, node := range chain.Nodes {
			messages = append(messages, chainMessage(p, node))
		}
	}

	final := Message{
		Role:    RoleUser,
		Content: fmt.Sprintf("%s: %s", authorDisplayName, content),
		Media:   mediaPayloads(media),
	}
	if authorDisplayName == "" {
		final.Content = content
	}
	messages = append(messages, final)
	return messages
}

func chainMessage(p *personality.Personality, node refchain.Node) Message {
	switch node.AuthorKind {
	case refchain.AuthorOwnPersonality:
		return Message{
			Role:    RoleAssistant,
			Content: fmt.Sprintf("As %s, I said: %s", p.DisplayName, node.Content),
		}
	case refchain.AuthorOtherPersonality:
		return Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("%s said: %s", node.AuthorHandle, node.Content),
		}
	default:
		return Message{
			Role:    RoleUser,
			Content: fmt.Sprintf("%s: %s", node.AuthorHandle, node.Content),
		}
	}
}
