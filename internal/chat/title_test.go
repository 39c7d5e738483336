package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lumi-ai/chat-engine/internal/gemini"
)

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		parts []gemini.ContentPart
		want  string
	}{
		{
			name:  "plain",
			parts: []gemini.ContentPart{{Text: "Tree Facts"}},
			want:  "Tree Facts",
		},
		{
			name:  "surrounding quotes stripped",
			parts: []gemini.ContentPart{{Text: `"Tree Facts"`}},
			want:  "Tree Facts",
		},
		{
			name:  "single quotes and whitespace",
			parts: []gemini.ContentPart{{Text: "  'Tree Facts'  "}},
			want:  "Tree Facts",
		},
		{
			name:  "multiple text parts joined",
			parts: []gemini.ContentPart{{Text: "Tree "}, {Text: "Facts"}},
			want:  "Tree Facts",
		},
		{
			name:  "thought parts excluded",
			parts: []gemini.ContentPart{{Text: "hmm, a title", Thought: true}, {Text: "Tree Facts"}},
			want:  "Tree Facts",
		},
		{
			name:  "empty rejected",
			parts: []gemini.ContentPart{{Text: "   "}},
			want:  "",
		},
		{
			name:  "no parts rejected",
			parts: nil,
			want:  "",
		},
		{
			name:  "overlong rejected",
			parts: []gemini.ContentPart{{Text: strings.Repeat("x", 81)}},
			want:  "",
		},
		{
			name:  "exactly eighty accepted",
			parts: []gemini.ContentPart{{Text: strings.Repeat("x", 80)}},
			want:  strings.Repeat("x", 80),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeTitle(tt.parts))
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 10))
	assert.Equal(t, "ab", truncateRunes("abcd", 2))
	// Truncation counts runes, not bytes.
	assert.Equal(t, "héllo", truncateRunes("héllo world", 5))
}
