// Package analyzer segments utterances into normalized, offset-bounded tokens.
package analyzer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Token offsets are byte offsets into the original text; Text is the
// normalized form used for matching.
type Token struct {
	Text  string
	Raw   string
	Start int
	End   int
}

type Analyzer interface {
	Lang() string
	Tokenize(text string) []Token
}

// For picks the analyzer for a language tag. Chinese, Japanese and Korean
// get per-character segmentation for ideographs; everything else splits on
// non-word characters.
func For(lang string) Analyzer {
	l := strings.ToLower(strings.TrimSpace(lang))
	switch {
	case strings.HasPrefix(l, "zh"), strings.HasPrefix(l, "ja"), strings.HasPrefix(l, "ko"):
		return &hanAnalyzer{lang: l}
	default:
		if l == "" {
			l = "en"
		}
		return &latinAnalyzer{lang: l}
	}
}

// Normalize folds case and compatibility forms so aliases and utterances compare equal.
func Normalize(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

type latinAnalyzer struct {
	lang string
}

func (a *latinAnalyzer) Lang() string { return a.lang }

func (a *latinAnalyzer) Tokenize(text string) []Token {
	return segment(text, false)
}

type hanAnalyzer struct {
	lang string
}

func (a *hanAnalyzer) Lang() string { return a.lang }

func (a *hanAnalyzer) Tokenize(text string) []Token {
	return segment(text, true)
}

func segment(text string, splitIdeographs bool) []Token {
	var tokens []Token
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		raw := strings.Trim(text[start:end], "'")
		if raw != "" {
			offset := start + strings.Index(text[start:end], raw)
			tokens = append(tokens, Token{Text: Normalize(raw), Raw: raw, Start: offset, End: offset + len(raw)})
		}
		start = -1
	}
	for i, r := range text {
		switch {
		case splitIdeographs && isIdeograph(r):
			flush(i)
			end := i + utf8.RuneLen(r)
			tokens = append(tokens, Token{Text: Normalize(text[i:end]), Raw: text[i:end], Start: i, End: end})
		case isWordRune(r):
			if start < 0 {
				start = i
			}
		default:
			flush(i)
		}
	}
	flush(len(text))
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || r == '\'' || r == '_'
}

func isIdeograph(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// Texts returns the normalized token texts.
func Texts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

// Key joins normalized token texts into a lookup key.
func Key(tokens []Token) string {
	return strings.Join(Texts(tokens), " ")
}

// TokenStartingAt returns the index of the token starting at byte offset, or -1.
func TokenStartingAt(tokens []Token, offset int) int {
	for i, t := range tokens {
		if t.Start == offset {
			return i
		}
		if t.Start > offset {
			break
		}
	}
	return -1
}

// TokenEndingAt returns the index of the token ending at byte offset, or -1.
func TokenEndingAt(tokens []Token, offset int) int {
	for i, t := range tokens {
		if t.End == offset {
			return i
		}
		if t.End > offset {
			break
		}
	}
	return -1
}

// RuneToByte maps rune index i to its byte offset; the extra final entry is len(text).
func RuneToByte(text string) []int {
	out := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}
