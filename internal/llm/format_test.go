package llm

import (
	"testing"

	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/refchain"
)

func testPersonality() *personality.Personality {
	return &personality.Personality{ID: "lilith", DisplayName: "Lilith"}
}

func TestBuildMessagesFinalTurn(t *testing.T) {
	got := BuildMessages(testPersonality(), nil, "alice", "hello there", nil)
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if got[0].Role != RoleUser {
		t.Errorf("role = %q, want user", got[0].Role)
	}
	if got[0].Content != "alice: hello there" {
		t.Errorf("content = %q", got[0].Content)
	}
}

func TestBuildMessagesNoAuthorName(t *testing.T) {
	got := BuildMessages(testPersonality(), nil, "", "bare", nil)
	if got[0].Content != "bare" {
		t.Errorf("content = %q, want the raw text", got[0].Content)
	}
}

// TestBuildMessagesRoles verifies chain role assignment: the resolving
// personality's own prior replies become first-person assistant turns, other
// personalities and users stay third-person user turns.
func TestBuildMessagesRoles(t *testing.T) {
	chain := &refchain.Chain{Nodes: []refchain.Node{
		{AuthorKind: refchain.AuthorUser, AuthorHandle: "alice", Content: "what do you think?"},
		{AuthorKind: refchain.AuthorOwnPersonality, AuthorHandle: "Lilith", PersonalityID: "lilith", Content: "I think yes."},
		{AuthorKind: refchain.AuthorOtherPersonality, AuthorHandle: "Vex", PersonalityID: "vex", Content: "I disagree."},
	}}

	got := BuildMessages(testPersonality(), chain, "alice", "settle it", nil)
	if len(got) != 4 {
		t.Fatalf("messages = %d, want 4", len(got))
	}

	want := []Message{
		{Role: RoleUser, Content: "alice: what do you think?"},
		{Role: RoleAssistant, Content: "As Lilith, I said: I think yes."},
		{Role: RoleUser, Content: "Vex said: I disagree."},
		{Role: RoleUser, Content: "alice: settle it"},
	}
	for i, w := range want {
		if got[i].Role != w.Role {
			t.Errorf("turn %d role = %q, want %q", i, got[i].Role, w.Role)
		}
		if got[i].Content != w.Content {
			t.Errorf("turn %d content = %q, want %q", i, got[i].Content, w.Content)
		}
	}
}

func TestBuildMessagesMediaOnFinalTurn(t *testing.T) {
	media := []refchain.Media{
		{Kind: refchain.MediaImage, URL: "https://cdn/pic.png"},
		{Kind: refchain.MediaAudio, URL: "https://cdn/clip.ogg"},
	}
	got := BuildMessages(testPersonality(), nil, "alice", "look", media)
	if len(got[0].Media) != 2 {
		t.Fatalf("media payloads = %d, want 2", len(got[0].Media))
	}
	if got[0].Media[0].Kind != "image" || got[0].Media[1].Kind != "audio" {
		t.Errorf("media kinds = %q, %q", got[0].Media[0].Kind, got[0].Media[1].Kind)
	}
}
