package webhook

import (
	"strings"
	"unicode/utf8"
)

const fence = "```"

// sentinels inserted when a code fence straddles a chunk boundary. The
// closer re-balances the outgoing chunk; the opener re-establishes the
// fence at the start of the next one.
const (
	fenceClose = "\n```"
	fenceOpen  = "```\n"
)

// Split cuts content into chunks of at most max bytes, preferring a
// paragraph break, then a sentence end inside the last fifth of the chunk,
// then whitespace, then a hard cut. Code fences left open at a cut are
// closed at the chunk end and reopened at the next chunk start, so every
// chunk renders with balanced fences. Stripping the inserted fence
// sentinels and concatenating restores the original text.
func Split(content string, max int) []string {
	if max <= 0 || len(content) <= max {
		return []string{content}
	}

	// Reserve room for a fence closer only when fences exist at all.
	reserve := 0
	if strings.Contains(content, fence) {
		reserve = len(fenceClose)
	}

	var chunks []string
	open := false
	rest := content
	for len(rest) > 0 {
		prefix := ""
		if open {
			prefix = fenceOpen
		}
		budget := max - len(prefix) - reserve
		if budget < 1 {
			budget = 1
		}

		cut := len(rest)
		if cut > budget {
			cut = findCut(rest, budget)
		}
		chunk := prefix + rest[:cut]
		rest = rest[cut:]

		if strings.Count(chunk, fence)%2 == 1 {
			chunk += fenceClose
			open = true
		} else {
			open = false
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

var sentenceEnds = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// findCut picks the cut position in s at or before limit, deepest boundary
// first. Any position keeps the concatenation property; the boundary order
// only affects readability.
func findCut(s string, limit int) int {
	window := s[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}

	// Sentence end, but only when it lands in the last 20% of the chunk —
	// cutting after an early sentence wastes most of the budget.
	floor := limit * 4 / 5
	best := -1
	for _, end := range sentenceEnds {
		if idx := strings.LastIndex(window, end); idx+len(end) > best && idx >= floor {
			best = idx + len(end)
		}
	}
	if best > 0 {
		return best
	}

	if idx := strings.LastIndexAny(window, " \n\t"); idx > 0 {
		return idx + 1
	}

	// Hard cut, backed up to a rune boundary so a multi-byte character is
	// never bisected.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return limit
	}
	return cut
}
