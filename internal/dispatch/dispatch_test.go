package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/masqhq/masq/internal/auth"
	"github.com/masqhq/masq/internal/coalesce"
	"github.com/masqhq/masq/internal/command"
	"github.com/masqhq/masq/internal/conversation"
	"github.com/masqhq/masq/internal/dedup"
	"github.com/masqhq/masq/internal/identity"
	"github.com/masqhq/masq/internal/llm"
	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/platform"
	"github.com/masqhq/masq/internal/refchain"
	"github.com/masqhq/masq/internal/webhook"
)

// fakeClient implements the full platform surface in memory.
type fakeClient struct {
	mu       sync.Mutex
	messages map[string]*platform.Message // "channel/message" → stored message
	nsfw     map[string]bool
	plain    []string            // SendMessage contents
	dms      map[string][]string // user id → DM contents
	hooks    map[string][]platform.Webhook
	hookSent []platform.WebhookParams
	nextID   int
}

func newPlatformFake() *fakeClient {
	return &fakeClient{
		messages: map[string]*platform.Message{},
		nsfw:     map[string]bool{},
		dms:      map[string][]string{},
		hooks:    map[string][]platform.Webhook{},
	}
}

func (f *fakeClient) FetchMessage(_ context.Context, channelID, messageID string) (*platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[channelID+"/"+messageID]
	if !ok {
		return nil, &platform.NotFoundError{Kind: "message", ID: messageID}
	}
	return m, nil
}

func (f *fakeClient) IsNSFW(_ context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nsfw[channelID], nil
}

func (f *fakeClient) SendMessage(_ context.Context, channelID, content string) (*platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.plain = append(f.plain, content)
	return &platform.Message{ID: fmt.Sprintf("bot-%d", f.nextID), ChannelID: channelID}, nil
}

func (f *fakeClient) SendDM(_ context.Context, userID, content string) (*platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.dms[userID] = append(f.dms[userID], content)
	return &platform.Message{ID: fmt.Sprintf("bot-%d", f.nextID)}, nil
}

func (f *fakeClient) ListWebhooks(_ context.Context, channelID string) ([]platform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks[channelID], nil
}

func (f *fakeClient) CreateWebhook(_ context.Context, channelID, name string) (*platform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh := platform.Webhook{
		ID:        fmt.Sprintf("wh-%s", channelID),
		Token:     "tok",
		ChannelID: channelID,
		Name:      name,
		OwnerID:   "bot-1",
	}
	f.hooks[channelID] = append(f.hooks[channelID], wh)
	return &wh, nil
}

func (f *fakeClient) GetWebhook(_ context.Context, webhookID string) (*platform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, whs := range f.hooks {
		for _, wh := range whs {
			if wh.ID == webhookID {
				return &wh, nil
			}
		}
	}
	return nil, &platform.NotFoundError{Kind: "webhook", ID: webhookID}
}

func (f *fakeClient) SendWebhookMessage(_ context.Context, wh platform.Webhook, params platform.WebhookParams) (*platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.hookSent = append(f.hookSent, params)
	return &platform.Message{
		ID:        fmt.Sprintf("bot-%d", f.nextID),
		ChannelID: wh.ChannelID,
		WebhookID: wh.ID,
	}, nil
}

func (f *fakeClient) MemberHasManageMessages(context.Context, string, string) (bool, error) {
	return false, nil
}

type memPrefs struct {
	mu    sync.Mutex
	prefs map[string]conversation.UserPrefs
}

func (m *memPrefs) GetPrefs(_ context.Context, userID string) (conversation.UserPrefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs[userID], nil
}

func (m *memPrefs) SetAutoRespond(_ context.Context, userID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[userID]
	p.AutoRespond = on
	m.prefs[userID] = p
	return nil
}

func (m *memPrefs) SetNSFWVerified(_ context.Context, userID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prefs[userID]
	p.NSFWVerified = on
	m.prefs[userID] = p
	return nil
}

type memRepo struct {
	mu      sync.Mutex
	records map[string]auth.Record
}

func (m *memRepo) GetToken(_ context.Context, userID string) (*auth.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memRepo) PutToken(_ context.Context, rec auth.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = rec
	return nil
}

func (m *memRepo) DeleteToken(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

// llmCapture records what the inference endpoint saw.
type llmCapture struct {
	mu     sync.Mutex
	tokens []string
	bodies []capturedRequest
	status int // 0 means 200
	reply  string
}

type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (c *llmCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body capturedRequest
		json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.tokens = append(c.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		c.bodies = append(c.bodies, body)
		status, reply := c.status, c.reply
		c.mu.Unlock()
		if status != 0 && status != http.StatusOK {
			http.Error(w, "backend unhappy", status)
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, reply)
	}
}

func (c *llmCapture) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

type fixture struct {
	clock    *clockwork.FakeClock
	client   *fakeClient
	registry *personality.Registry
	conv     *conversation.State
	prefs    *memPrefs
	tracker  *identity.Tracker
	llm      *llmCapture
	d        *Dispatcher
}

// newFixture wires real components around in-memory fakes: only the
// platform, the stores and the inference endpoint are simulated.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.Default()
	clock := clockwork.NewFakeClock()
	client := newPlatformFake()
	client.nsfw["C1"] = true

	capture := &llmCapture{reply: "A reply."}
	srv := httptest.NewServer(capture.handler())
	t.Cleanup(srv.Close)

	registry := personality.New(nil, log)
	if err := registry.Add(&personality.Personality{
		ID: "lilith", DisplayName: "Lilith", AvatarURL: "https://cdn/lilith.png",
		OwnerUserID: "U1", ErrorMessage: "Lilith has wandered off. Try again later.",
	}); err != nil {
		t.Fatalf("seed lilith: %v", err)
	}
	if err := registry.Add(&personality.Personality{
		ID: "vex", DisplayName: "Vex", OwnerUserID: "U1",
	}); err != nil {
		t.Fatalf("seed vex: %v", err)
	}

	repo := &memRepo{records: map[string]auth.Record{
		"U1": {UserID: "U1", Token: "tok-u1"},
		"U2": {UserID: "U2", Token: "tok-u2"},
	}}
	tokens := auth.New(repo, nil, clock, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tokens.Run(ctx)

	conv := conversation.New(nil, 0, clock, log)
	prefs := &memPrefs{prefs: map[string]conversation.UserPrefs{}}
	tracker := identity.New(identity.Config{
		SelfBotID:        "bot-1",
		UsernamePatterns: []string{"[PK]"},
	}, registry, log)
	tracker.SetOwnerLookup(client)
	ded := dedup.New(dedup.Config{}, clock, log)
	commands := command.New(registry, ded, tokens, nil, conv, prefs, client, "!mq", log)
	resolver := refchain.New(client, registry, 0, 0, log)
	coalescer := coalesce.New(ctx, coalesce.Config{}, clock, log)
	llmClient := llm.New(srv.URL, "test-model", 0)
	sender := webhook.New(client, conv, tracker, webhook.Config{
		SelfBotID: "bot-1", SentinelName: "masq", MaxChars: 2000,
	}, log)

	d := New(tracker, ded, commands, registry, conv, prefs, tokens, resolver,
		coalescer, llmClient, sender, client, log)
	return &fixture{
		clock:    clock,
		client:   client,
		registry: registry,
		conv:     conv,
		prefs:    prefs,
		tracker:  tracker,
		llm:      capture,
		d:        d,
	}
}

func (f *fixture) userMsg(id, channelID, content string) *platform.Message {
	return &platform.Message{
		ID:                id,
		ChannelID:         channelID,
		GuildID:           "G1",
		AuthorID:          "U1",
		AuthorUsername:    "alice",
		AuthorDisplayName: "alice",
		Content:           content,
		Timestamp:         f.clock.Now(),
	}
}

func (f *fixture) handle(m *platform.Message) {
	f.d.Handle(context.Background(), m)
}

func (f *fixture) lastHookSend(t *testing.T) platform.WebhookParams {
	t.Helper()
	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	if len(f.client.hookSent) == 0 {
		t.Fatalf("no webhook sends")
	}
	return f.client.hookSent[len(f.client.hookSent)-1]
}

func TestMentionHappyPath(t *testing.T) {
	f := newFixture(t)

	f.handle(f.userMsg("m1", "C1", "@Lilith hello there"))

	got := f.lastHookSend(t)
	if got.Username != "Lilith" || got.AvatarURL != "https://cdn/lilith.png" {
		t.Errorf("impersonation params = %+v", got)
	}
	if got.Content != "A reply." {
		t.Errorf("content = %q", got.Content)
	}

	if f.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, want 1", f.llm.calls())
	}
	if tok := f.llm.tokens[0]; tok != "tok-u1" {
		t.Errorf("bearer token = %q, want the author's", tok)
	}
	turns := f.llm.bodies[0].Messages
	if len(turns) == 0 {
		t.Fatalf("empty message list")
	}
	final := turns[len(turns)-1]
	if final.Role != "user" || final.Content != "alice: hello there" {
		t.Errorf("final turn = %+v, want the mention stripped", final)
	}

	// Delivery binds the emitted message and keeps the conversation warm.
	if id, ok := f.conv.AutoFor("C1", "U1"); !ok || id != "lilith" {
		t.Errorf("auto continuation = %q, %v", id, ok)
	}
	if _, ok := f.conv.BindingFor("bot-1"); !ok {
		t.Errorf("emitted message has no reply binding")
	}
}

// TestUserAliasMentionDispatches: a mention through a user-scoped alias
// resolves for the alias owner and stays invisible to everyone else.
func TestUserAliasMentionDispatches(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.AddUserAlias("U1", "lil", "lilith"); err != nil {
		t.Fatalf("AddUserAlias: %v", err)
	}

	f.handle(f.userMsg("m1", "C1", "@lil hello there"))

	if f.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, want 1", f.llm.calls())
	}
	if got := f.lastHookSend(t); got.Username != "Lilith" {
		t.Errorf("responded as %q, want the aliased personality", got.Username)
	}
	turns := f.llm.bodies[0].Messages
	final := turns[len(turns)-1]
	if final.Content != "alice: hello there" {
		t.Errorf("final turn = %q, want the alias mention stripped", final.Content)
	}

	// Another user's message does not see U1's alias.
	other := f.userMsg("m2", "C1", "@lil hello there")
	other.AuthorID = "U2"
	other.AuthorUsername = "carol"
	other.AuthorDisplayName = "carol"
	f.handle(other)

	if f.llm.calls() != 1 {
		t.Errorf("another user's message resolved a private alias")
	}
}

func TestOwnWebhookEchoDropped(t *testing.T) {
	f := newFixture(t)

	// Our own emission comes back with the personality's name as the
	// webhook username.
	echo := &platform.Message{
		ID: "m1", ChannelID: "C1", AuthorID: "wh-C1",
		AuthorUsername: "Lilith", WebhookID: "wh-C1",
		Content: "A reply.", Timestamp: f.clock.Now(),
	}
	f.handle(echo)

	if f.llm.calls() != 0 {
		t.Errorf("echo reached the llm")
	}
	if len(f.client.hookSent) != 0 || len(f.client.plain) != 0 {
		t.Errorf("echo produced output")
	}
}

// TestOwnWebhookRecognizedByOwner: an echo from a webhook we created in an
// earlier run carries no cached id and no personality name, but the owner
// lookup still identifies it as ours.
func TestOwnWebhookRecognizedByOwner(t *testing.T) {
	f := newFixture(t)
	f.client.hooks["C1"] = []platform.Webhook{{
		ID: "wh-old", ChannelID: "C1", Name: "masq", OwnerID: "bot-1",
	}}

	echo := &platform.Message{
		ID: "m1", ChannelID: "C1", AuthorID: "wh-old",
		AuthorUsername: "Retired Name", WebhookID: "wh-old",
		Content: "@Lilith leftover echo", Timestamp: f.clock.Now(),
	}
	f.handle(echo)

	if f.llm.calls() != 0 {
		t.Errorf("owned-webhook echo reached the llm")
	}
	if len(f.client.hookSent) != 0 || len(f.client.plain) != 0 {
		t.Errorf("owned-webhook echo produced output")
	}
}

func TestReplayedDeliveryIsSilent(t *testing.T) {
	f := newFixture(t)
	m := f.userMsg("m1", "C1", "@Lilith hello")

	f.handle(m)
	f.handle(m)

	if f.llm.calls() != 1 {
		t.Errorf("llm calls = %d, want 1", f.llm.calls())
	}
	if len(f.client.hookSent) != 1 {
		t.Errorf("webhook sends = %d, want 1", len(f.client.hookSent))
	}
	if len(f.client.plain) != 0 {
		t.Errorf("replay produced a user-visible message: %q", f.client.plain)
	}
}

func TestCommandShortCircuits(t *testing.T) {
	f := newFixture(t)

	f.handle(f.userMsg("m1", "C1", "!mq list"))

	if f.llm.calls() != 0 {
		t.Errorf("command reached the generation pipeline")
	}
	if len(f.client.plain) != 1 {
		t.Fatalf("command replies = %d, want 1", len(f.client.plain))
	}
	if !strings.Contains(f.client.plain[0], "Lilith") {
		t.Errorf("list output = %q", f.client.plain[0])
	}
}

// TestUnknownMentionIgnored: an @name that resolves to nothing is treated
// as an ordinary user mention, not a failed personality lookup.
func TestUnknownMentionIgnored(t *testing.T) {
	f := newFixture(t)

	f.handle(f.userMsg("m1", "C1", "@Morrigan are you there?"))

	if f.llm.calls() != 0 {
		t.Errorf("unknown mention reached the llm")
	}
	if len(f.client.plain) != 0 || len(f.client.hookSent) != 0 {
		t.Errorf("unknown mention produced output: %q", f.client.plain)
	}
}

func TestUnaddressedMessageIgnored(t *testing.T) {
	f := newFixture(t)

	f.handle(f.userMsg("m1", "C1", "just chatting with nobody"))

	if f.llm.calls() != 0 || len(f.client.plain) != 0 || len(f.client.hookSent) != 0 {
		t.Errorf("unaddressed message produced output")
	}
}

func TestReplyBindingWinsOverActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.conv.Activate(ctx, conversation.Activation{ChannelID: "C1", PersonalityID: "vex", ActivatedBy: "U9"}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	f.conv.RecordBinding("prior-reply", conversation.Binding{
		ChannelID: "C1", UserID: "U1", PersonalityID: "lilith",
	})
	// The bound emission is fetchable, so the reference chain carries it.
	f.client.messages["C1/prior-reply"] = &platform.Message{
		ID: "prior-reply", ChannelID: "C1", AuthorID: "wh-C1",
		AuthorUsername: "Lilith", WebhookID: "wh-C1",
		Content: "I warned you about this.", Timestamp: f.clock.Now(),
	}

	m := f.userMsg("m1", "C1", "and what about this?")
	m.Reference = &platform.Reference{MessageID: "prior-reply", ChannelID: "C1"}
	f.handle(m)

	if got := f.lastHookSend(t); got.Username != "Lilith" {
		t.Errorf("responded as %q, want the replied-to personality", got.Username)
	}

	// The quoted prior emission arrives as the personality's own turn.
	turns := f.llm.bodies[0].Messages
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want chain node + final", len(turns))
	}
	if turns[0].Role != "assistant" || !strings.Contains(turns[0].Content, "I warned you about this.") {
		t.Errorf("chain turn = %+v, want first-person assistant framing", turns[0])
	}
}

// TestDuplicateContentAbsorbed: two deliveries with distinct message ids but
// identical content in the same window produce one generation and one reply.
func TestDuplicateContentAbsorbed(t *testing.T) {
	f := newFixture(t)

	f.handle(f.userMsg("m1", "C1", "@Lilith hello"))
	f.handle(f.userMsg("m2", "C1", "@Lilith hello"))

	if f.llm.calls() != 1 {
		t.Errorf("llm calls = %d, want 1", f.llm.calls())
	}
	if len(f.client.hookSent) != 1 {
		t.Errorf("webhook sends = %d, want 1", len(f.client.hookSent))
	}
	if len(f.client.plain) != 0 {
		t.Errorf("duplicate produced a user-visible message: %q", f.client.plain)
	}
}

func TestRemovedBindingFallsThroughToActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.conv.Activate(ctx, conversation.Activation{ChannelID: "C1", PersonalityID: "vex", ActivatedBy: "U9"}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	f.conv.RecordBinding("prior-reply", conversation.Binding{
		ChannelID: "C1", UserID: "U1", PersonalityID: "lilith",
	})
	if err := f.registry.Remove("lilith", "U1", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	m := f.userMsg("m1", "C1", "still here?")
	m.Reference = &platform.Reference{MessageID: "prior-reply", ChannelID: "C1"}
	f.handle(m)

	if got := f.lastHookSend(t); got.Username != "Vex" {
		t.Errorf("responded as %q, want the channel activation", got.Username)
	}
}

func TestAutoRespondContinuation(t *testing.T) {
	f := newFixture(t)
	f.conv.TouchAuto("C1", "U1", "lilith")

	// Continuation is opt-in; without the preference nothing answers.
	f.handle(f.userMsg("m1", "C1", "are you still listening?"))
	if f.llm.calls() != 0 {
		t.Fatalf("continuation fired without the preference")
	}

	f.prefs.SetAutoRespond(context.Background(), "U1", true)
	f.handle(f.userMsg("m2", "C1", "how about now?"))
	if got := f.lastHookSend(t); got.Username != "Lilith" {
		t.Errorf("responded as %q", got.Username)
	}
}

func TestAgeGateBlocksUnverified(t *testing.T) {
	f := newFixture(t)

	// C2 is not age-restricted and U1 has not verified.
	f.handle(f.userMsg("m1", "C2", "@Lilith hi"))

	if f.llm.calls() != 0 {
		t.Errorf("gated message reached the llm")
	}
	if len(f.client.plain) != 1 || !strings.Contains(f.client.plain[0], "age-restricted") {
		t.Errorf("gate message = %q", f.client.plain)
	}
}

func TestAgeGateVerifiedUserPasses(t *testing.T) {
	f := newFixture(t)
	f.prefs.SetNSFWVerified(context.Background(), "U1", true)

	f.handle(f.userMsg("m1", "C2", "@Lilith hi"))

	if got := f.lastHookSend(t); got.Username != "Lilith" {
		t.Errorf("responded as %q", got.Username)
	}
}

// TestProxyUsesRealUserToken verifies a recognized proxy emission bypasses
// the gate and authenticates as the mapped real author, never as the
// webhook identity.
func TestProxyUsesRealUserToken(t *testing.T) {
	f := newFixture(t)
	f.tracker.RememberProxyWebhook("W9", "U2")

	f.handle(&platform.Message{
		ID: "m1", ChannelID: "C2", AuthorID: "W9",
		AuthorUsername: "carol [PK]", WebhookID: "W9",
		Content: "@Lilith hello from the system", Timestamp: f.clock.Now(),
	})

	if f.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, want 1", f.llm.calls())
	}
	if tok := f.llm.tokens[0]; tok != "tok-u2" {
		t.Errorf("bearer token = %q, want the mapped real user's", tok)
	}
}

func TestUnmappedProxyGetsGuidanceDM(t *testing.T) {
	f := newFixture(t)

	f.handle(&platform.Message{
		ID: "m1", ChannelID: "C1", AuthorID: "W8",
		AuthorUsername: "dave [PK]", WebhookID: "W8",
		Content: "@Lilith hello", Timestamp: f.clock.Now(),
	})

	if f.llm.calls() != 0 {
		t.Errorf("unauthenticated proxy reached the llm")
	}
	if len(f.client.plain) != 0 {
		t.Errorf("auth guidance leaked into the channel: %q", f.client.plain)
	}
	dms := f.client.dms["W8"]
	if len(dms) != 1 || !strings.Contains(dms[0], "auth start") {
		t.Errorf("guidance DMs = %q", dms)
	}
}

func TestUnauthenticatedUserGetsGuidanceDM(t *testing.T) {
	f := newFixture(t)

	m := f.userMsg("m1", "C1", "@Lilith hi")
	m.AuthorID = "U3" // no stored token
	f.handle(m)

	if len(f.client.hookSent) != 0 {
		t.Errorf("reply delivered without credentials")
	}
	dms := f.client.dms["U3"]
	if len(dms) != 1 || !strings.Contains(dms[0], "authenticate") {
		t.Errorf("guidance DMs = %q", dms)
	}
}

func TestGenerationFailureUsesPersonalityErrorMessage(t *testing.T) {
	f := newFixture(t)
	f.llm.status = http.StatusInternalServerError

	f.handle(f.userMsg("m1", "C1", "@Lilith hi"))

	if len(f.client.hookSent) != 0 {
		t.Errorf("failed generation still delivered")
	}
	if len(f.client.plain) != 1 || f.client.plain[0] != "Lilith has wandered off. Try again later." {
		t.Errorf("error surface = %q, want the personality's own text", f.client.plain)
	}
}

// TestGenerationFailureErrorMessageViaActivation: the bespoke error text is
// used even when the personality was resolved without a mention.
func TestGenerationFailureErrorMessageViaActivation(t *testing.T) {
	f := newFixture(t)
	f.llm.status = http.StatusInternalServerError

	if err := f.conv.Activate(context.Background(), conversation.Activation{
		ChannelID: "C1", PersonalityID: "lilith", ActivatedBy: "U9",
	}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	f.handle(f.userMsg("m1", "C1", "anyone home?"))

	if len(f.client.hookSent) != 0 {
		t.Errorf("failed generation still delivered")
	}
	if len(f.client.plain) != 1 || f.client.plain[0] != "Lilith has wandered off. Try again later." {
		t.Errorf("error surface = %q, want the personality's own text", f.client.plain)
	}
}

func TestScanMention(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Add(&personality.Personality{
		ID: "darklilith", DisplayName: "Dark Lilith", OwnerUserID: "U1",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.registry.AddUserAlias("U1", "lil", "lilith"); err != nil {
		t.Fatalf("AddUserAlias: %v", err)
	}

	tests := []struct {
		name    string
		content string
		userID  string
		want    string
		found   bool
	}{
		{"simple", "@Lilith hello", "U1", "Lilith", true},
		{"mid sentence", "hey @Lilith what's up", "U1", "Lilith", true},
		{"trailing punctuation", "hey @Lilith, yes you", "U1", "Lilith", true},
		{"longest name wins", "@Dark Lilith hello", "U1", "Dark Lilith", true},
		{"case folded", "@lilith hello", "U1", "lilith", true},
		{"user alias for its owner", "@lil hello", "U1", "lil", true},
		{"user alias hidden from others", "@lil hello", "U2", "", false},
		{"unknown name", "@Nobody hello", "U1", "", false},
		{"no mention", "plain text", "U1", "", false},
		{"second at-sign resolves", "mail me at a@b.example or ask @Vex", "U1", "Vex", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := f.d.scanMention(tt.content, tt.userID)
			if got != tt.want || found != tt.found {
				t.Errorf("scanMention(%q) = %q, %v; want %q, %v", tt.content, got, found, tt.want, tt.found)
			}
		})
	}
}

func TestStripMention(t *testing.T) {
	f := newFixture(t)
	lilith, _ := f.registry.Get("lilith")

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"leading", "@Lilith how are you?", "how are you?"},
		{"case folded", "@lilith how are you?", "how are you?"},
		{"embedded", "so @Lilith what now", "so what now"},
		{"absent mention untouched", "no address here", "no address here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.d.stripMention(tt.content, lilith, "U1"); got != tt.want {
				t.Errorf("stripMention(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}
