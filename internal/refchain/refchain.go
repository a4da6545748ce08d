// Package refchain walks reply chains and embedded message links from an
// inbound message, collecting quoted content and media up to a bounded
// depth. The chain drives prompt construction: each node knows whether it
// was authored by the personality currently resolving, a different
// personality, or a plain user.
package refchain

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/masqhq/masq/internal/platform"
)

// AuthorKind is the closed set of chain-node origins relative to the
// personality currently resolving.
type AuthorKind int

const (
	// AuthorUser marks content written by a human account.
	AuthorUser AuthorKind = iota

	// AuthorOwnPersonality marks content our webhook emitted under the
	// resolving personality's name.
	AuthorOwnPersonality

	// AuthorOtherPersonality marks content our webhook emitted under a
	// different personality's name.
	AuthorOtherPersonality
)

func (k AuthorKind) String() string {
	switch k {
	case AuthorOwnPersonality:
		return "own_personality"
	case AuthorOtherPersonality:
		return "other_personality"
	default:
		return "user"
	}
}

// MediaKind classifies an extracted media reference.
type MediaKind int

const (
	MediaFile MediaKind = iota
	MediaVideo
	MediaImage
	MediaAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	default:
		return "file"
	}
}

// Media is one extracted media reference. Media travels as URLs end to end.
type Media struct {
	Kind MediaKind
	URL  string
}

// Node is one resolved message in the chain.
type Node struct {
	MessageID     string
	AuthorKind    AuthorKind
	AuthorHandle  string // display name for users, personality name for webhook nodes
	PersonalityID string // set when AuthorKind is a personality
	Content       string
	Media         []Media
	Timestamp     time.Time
	Location      string // channel the node was fetched from

	// distance from the starting message; 0 is the direct parent. Used for
	// the recency tiebreak when media is capped.
	depth int
}

// Chain is the ordered result, root first.
type Chain struct {
	Nodes []Node
}

// DisplayNames resolves a webhook username to a personality id, recognizing
// our own emissions in fetched history.
type DisplayNames interface {
	HasDisplayName(name string) (string, bool)
}

const (
	defaultMaxDepth = 10
	defaultMaxMedia = 10
)

var (
	// …/channels/<guild>/<channel>/<message> links pasted into content.
	messageLinkRe = regexp.MustCompile(`https?://(?:[a-z]+\.)?discord(?:app)?\.com/channels/(\d+|@me)/(\d+)/(\d+)`)

	// In-band markers a prior run textualized media into.
	imageMarkerRe = regexp.MustCompile(`\[Image:\s*(\S+?)\s*\]`)
	audioMarkerRe = regexp.MustCompile(`\[Audio:\s*(\S+?)\s*\]`)
)

// Resolver builds reference chains through the platform client.
type Resolver struct {
	client   platform.Client
	names    DisplayNames
	maxDepth int
	maxMedia int
	log      *slog.Logger
}

// New builds a resolver. Non-positive bounds fall back to the defaults.
func New(client platform.Client, names DisplayNames, maxDepth, maxMedia int, log *slog.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if maxMedia <= 0 {
		maxMedia = defaultMaxMedia
	}
	return &Resolver{
		client:   client,
		names:    names,
		maxDepth: maxDepth,
		maxMedia: maxMedia,
		log:      log.With(slog.String("component", "refchain")),
	}
}

// MaxMedia returns the configured media cap.
func (r *Resolver) MaxMedia() int { return r.maxMedia }

type pending struct {
	channelID string
	messageID string
	depth     int
}

// Resolve walks reply references and message links breadth-first from m,
// bounded by depth and a seen-id set, and returns the chain root first.
// Fetch failures prune the branch with a debug log; a partial chain beats
// no reply. The starting message itself is not part of the chain.
func (r *Resolver) Resolve(ctx context.Context, m *platform.Message, resolvingPersonalityID string) *Chain {
	seen := map[string]struct{}{m.ID: {}}
	queue := r.outgoingRefs(m, 0)

	var nodes []Node
	for len(queue) > 0 && len(nodes) < r.maxDepth {
		next := queue[0]
		queue = queue[1:]

		if next.depth >= r.maxDepth {
			continue
		}
		if _, dup := seen[next.messageID]; dup {
			continue
		}
		seen[next.messageID] = struct{}{}

		fetched, err := r.client.FetchMessage(ctx, next.channelID, next.messageID)
		if err != nil {
			r.log.Debug("reference fetch failed",
				"channel_id", next.channelID,
				"message_id", next.messageID,
				"error", err,
			)
			continue
		}

		nodes = append(nodes, r.buildNode(fetched, resolvingPersonalityID, next.depth))
		queue = append(queue, r.outgoingRefs(fetched, next.depth+1)...)
	}

	// BFS discovers nearest-first; the chain reads root (oldest) first.
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].depth > nodes[j].depth })
	return &Chain{Nodes: nodes}
}

// outgoingRefs lists the references m points at: its direct reply parent
// plus any message links in its content.
func (r *Resolver) outgoingRefs(m *platform.Message, depth int) []pending {
	var refs []pending
	if m.Reference != nil && m.Reference.MessageID != "" {
		channelID := m.Reference.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		refs = append(refs, pending{channelID: channelID, messageID: m.Reference.MessageID, depth: depth})
	}
	for _, match := range messageLinkRe.FindAllStringSubmatch(m.Content, -1) {
		refs = append(refs, pending{channelID: match[2], messageID: match[3], depth: depth})
	}
	return refs
}

func (r *Resolver) buildNode(m *platform.Message, resolvingPersonalityID string, depth int) Node {
	node := Node{
		MessageID:    m.ID,
		AuthorKind:   AuthorUser,
		AuthorHandle: m.AuthorDisplayName,
		Content:      m.Content,
		Media:        ExtractMedia(m),
		Timestamp:    m.Timestamp,
		Location:     m.ChannelID,
		depth:        depth,
	}
	if node.AuthorHandle == "" {
		node.AuthorHandle = m.AuthorUsername
	}
	if m.IsWebhook() {
		if id, ok := r.names.HasDisplayName(m.AuthorUsername); ok {
			node.PersonalityID = id
			node.AuthorHandle = m.AuthorUsername
			if id == resolvingPersonalityID {
				node.AuthorKind = AuthorOwnPersonality
			} else {
				node.AuthorKind = AuthorOtherPersonality
			}
		}
	}
	return node
}

// ExtractMedia pulls media references from a message: direct attachments,
// embed image/thumbnail/video URLs, and in-band textualized markers.
func ExtractMedia(m *platform.Message) []Media {
	var out []Media
	for _, att := range m.Attachments {
		out = append(out, Media{Kind: kindFromContentType(att.ContentType, att.URL), URL: att.URL})
	}
	for _, e := range m.Embeds {
		if e.ImageURL != "" {
			out = append(out, Media{Kind: MediaImage, URL: e.ImageURL})
		}
		if e.ThumbnailURL != "" {
			out = append(out, Media{Kind: MediaImage, URL: e.ThumbnailURL})
		}
		if e.VideoURL != "" {
			out = append(out, Media{Kind: MediaVideo, URL: e.VideoURL})
		}
	}
	for _, match := range imageMarkerRe.FindAllStringSubmatch(m.Content, -1) {
		out = append(out, Media{Kind: MediaImage, URL: match[1]})
	}
	for _, match := range audioMarkerRe.FindAllStringSubmatch(m.Content, -1) {
		out = append(out, Media{Kind: MediaAudio, URL: match[1]})
	}
	return out
}

func kindFromContentType(contentType, url string) MediaKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return MediaImage
	case strings.HasPrefix(ct, "audio/"):
		return MediaAudio
	case strings.HasPrefix(ct, "video/"):
		return MediaVideo
	}
	// Attachments frequently arrive without a content type; fall back to
	// the URL extension.
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case hasAnySuffix(lower, ".png", ".jpg", ".jpeg", ".gif", ".webp"):
		return MediaImage
	case hasAnySuffix(lower, ".mp3", ".ogg", ".wav", ".flac", ".m4a"):
		return MediaAudio
	case hasAnySuffix(lower, ".mp4", ".webm", ".mov"):
		return MediaVideo
	}
	return MediaFile
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// SelectMedia caps the combined chain + inbound media at max items,
// preferring audio over image over video over file, ties broken by recency:
// the inbound message's own media first, then chain nodes closest to it.
// The sort is stable, so equal candidates keep their discovery order.
func SelectMedia(chain *Chain, inbound []Media, max int) []Media {
	type candidate struct {
		Media
		distance int // 0 = the inbound message itself
	}
	var all []candidate
	for _, m := range inbound {
		all = append(all, candidate{Media: m, distance: 0})
	}
	if chain != nil {
		for _, node := range chain.Nodes {
			for _, m := range node.Media {
				all = append(all, candidate{Media: m, distance: node.depth + 1})
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Kind != all[j].Kind {
			return all[i].Kind > all[j].Kind // audio highest
		}
		return all[i].distance < all[j].distance
	})

	if max > 0 && len(all) > max {
		all = all[:max]
	}
	out := make([]Media, len(all))
	for i, c := range all {
		out[i] = c.Media
	}
	return out
}
