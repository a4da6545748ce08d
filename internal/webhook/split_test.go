package webhook

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// unsplit strips the inserted fence sentinels and concatenates, which must
// restore the original text exactly.
func unsplit(chunks []string) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 && strings.HasPrefix(c, fenceOpen) {
			c = c[len(fenceOpen):]
		}
		if i < len(chunks)-1 && strings.HasSuffix(c, fenceClose) {
			c = c[:len(c)-len(fenceClose)]
		}
		b.WriteString(c)
	}
	return b.String()
}

func TestSplitShortContentUntouched(t *testing.T) {
	got := Split("short", 2000)
	if len(got) != 1 || got[0] != "short" {
		t.Fatalf("Split = %q", got)
	}
}

func TestSplitPrefersParagraphBreak(t *testing.T) {
	content := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
	got := Split(content, 100)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if !strings.HasSuffix(got[0], "\n\n") {
		t.Errorf("first chunk did not end at the paragraph break: %q", got[0])
	}
	if got[1] != strings.Repeat("b", 60) {
		t.Errorf("second chunk = %q", got[1])
	}
}

func TestSplitSentenceEndOnlyNearLimit(t *testing.T) {
	// The sentence end lands early (well before 80% of the budget), so the
	// cut falls back to whitespace near the limit instead.
	content := "Hi. " + strings.Repeat("word ", 40)
	got := Split(content, 100)
	if len(got) < 2 {
		t.Fatalf("chunks = %d, want ≥ 2", len(got))
	}
	if got[0] == "Hi. " {
		t.Errorf("cut after an early sentence wasted the budget")
	}

	// A sentence end inside the last fifth is preferred over whitespace.
	content = strings.Repeat("x", 85) + ". " + strings.Repeat("y", 85)
	got = Split(content, 100)
	if !strings.HasSuffix(got[0], ". ") {
		t.Errorf("late sentence end not used: %q", got[0])
	}
}

func TestSplitHardCutWithoutWhitespace(t *testing.T) {
	content := strings.Repeat("x", 250)
	got := Split(content, 100)
	for i, c := range got {
		if len(c) > 100 {
			t.Errorf("chunk %d length = %d, exceeds limit", i, len(c))
		}
	}
	if unsplit(got) != content {
		t.Errorf("concatenation does not restore the original")
	}
}

// TestSplitHardCutKeepsRunesIntact verifies the whitespace-free fallback
// never bisects a multi-byte character.
func TestSplitHardCutKeepsRunesIntact(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
	}{
		{"two-byte runes on odd budget", strings.Repeat("é", 150), 101},
		{"four-byte runes", strings.Repeat("🦊", 80), 10},
		{"mixed widths", strings.Repeat("aé🦊", 60), 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.content, tt.max)
			for i, c := range got {
				if len(c) > tt.max {
					t.Errorf("chunk %d length = %d, exceeds %d", i, len(c), tt.max)
				}
				if !utf8.ValidString(c) {
					t.Errorf("chunk %d bisects a rune: %q", i, c)
				}
			}
			if unsplit(got) != tt.content {
				t.Errorf("concatenation does not restore the original")
			}
		})
	}
}

// TestSplitBalancesCodeFences verifies a fence straddling the boundary is
// closed at the chunk end and reopened at the next chunk start.
func TestSplitBalancesCodeFences(t *testing.T) {
	code := "```go\n" + strings.Repeat("fmt.Println(1)\n", 20) + "```"
	content := "Look:\n" + code
	got := Split(content, 120)
	if len(got) < 2 {
		t.Fatalf("chunks = %d, want ≥ 2", len(got))
	}

	for i, c := range got {
		if strings.Count(c, fence)%2 != 0 {
			t.Errorf("chunk %d has unbalanced fences: %q", i, c)
		}
		if len(c) > 120 {
			t.Errorf("chunk %d length = %d, exceeds limit", i, len(c))
		}
	}
	if i := 1; !strings.HasPrefix(got[i], fenceOpen) {
		t.Errorf("continuation chunk does not reopen the fence: %q", got[i])
	}
	if unsplit(got) != content {
		t.Errorf("stripping sentinels does not restore the original:\n got %q\nwant %q", unsplit(got), content)
	}
}

func TestSplitRestoresOriginal(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
	}{
		{"plain prose", strings.Repeat("The quick brown fox jumps. ", 30), 100},
		{"paragraphs", strings.Repeat("para one\n\npara two\n\n", 20), 80},
		{"fenced", "a\n```\n" + strings.Repeat("code line\n", 30) + "```\nb", 90},
		{"no whitespace", strings.Repeat("q", 500), 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.content, tt.max)
			for i, c := range got {
				if len(c) > tt.max {
					t.Errorf("chunk %d length = %d, exceeds %d", i, len(c), tt.max)
				}
			}
			if restored := unsplit(got); restored != tt.content {
				t.Errorf("restore mismatch:\n got %q\nwant %q", restored, tt.content)
			}
		})
	}
}
