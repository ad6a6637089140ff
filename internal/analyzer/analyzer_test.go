package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatinTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "simple", input: "Book a Paris flight", want: []string{"book", "a", "paris", "flight"}},
		{name: "punctuation", input: "yes, please!", want: []string{"yes", "please"}},
		{name: "contraction", input: "I don't care", want: []string{"i", "don't", "care"}},
		{name: "quoted", input: "'paris'", want: []string{"paris"}},
		{name: "empty", input: "   ", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Texts(For("en").Tokenize(tt.input))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenOffsetsPointIntoOriginal(t *testing.T) {
	text := "  Fly to  New-York "
	tokens := For("en").Tokenize(text)
	require.Len(t, tokens, 4)
	for _, tok := range tokens {
		assert.Equal(t, tok.Raw, text[tok.Start:tok.End])
	}
	assert.Equal(t, "new", tokens[2].Text)
}

func TestHanTokenizeSplitsIdeographs(t *testing.T) {
	text := "订一张去paris的票"
	tokens := For("zh").Tokenize(text)
	got := Texts(tokens)
	assert.Equal(t, []string{"订", "一", "张", "去", "paris", "的", "票"}, got)
	for _, tok := range tokens {
		assert.Equal(t, tok.Raw, text[tok.Start:tok.End])
	}
}

func TestNormalizeFoldsWidthAndCase(t *testing.T) {
	assert.Equal(t, "paris", Normalize("ＰＡＲＩＳ"))
	assert.Equal(t, "strasse", Normalize("STRASSE"))
}

func TestRuneToByte(t *testing.T) {
	offsets := RuneToByte("a去b")
	assert.Equal(t, []int{0, 1, 4, 5}, offsets)
}

func TestTokenLookup(t *testing.T) {
	tokens := For("en").Tokenize("book a paris flight")
	assert.Equal(t, 2, TokenStartingAt(tokens, 7))
	assert.Equal(t, 2, TokenEndingAt(tokens, 12))
	assert.Equal(t, -1, TokenStartingAt(tokens, 8))
	assert.Equal(t, "book a paris flight", Key(tokens))
}
