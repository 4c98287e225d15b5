package processing

import (
	"cmp"
	"crypto/sha1"
	"encoding/hex"
	"html"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

var punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "in": {}, "for": {},
	"and": {}, "or": {}, "of": {}, "on": {}, "with": {}, "that": {},
	"this": {}, "from": {}, "are": {}, "was": {}, "were": {}, "have": {},
	"has": {}, "not": {}, "but": {}, "you": {}, "your": {}, "can": {},
	"will": {}, "into": {}, "about": {}, "their": {}, "they": {}, "which": {},
}

// SquashWhitespace collapses every run of Unicode whitespace, newlines
// included, into a single space and trims both ends.
func SquashWhitespace(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// TruncateRunes keeps at most limit Unicode scalar values of input.
func TruncateRunes(input string, limit int) string {
	if limit < 0 {
		return input
	}
	count := 0
	for i := range input {
		if count == limit {
			return input[:i]
		}
		count++
	}
	return input
}

// RemoveURLs removes all URLs from the input text.
func RemoveURLs(input string) string {
	return urlRegex.ReplaceAllString(input, " ")
}

// CleanText strips HTML entities, URLs and punctuation, then squeezes whitespace.
func CleanText(input string) string {
	if input == "" {
		return ""
	}
	decoded := html.UnescapeString(input)
	decoded = RemoveURLs(decoded)
	decoded = punctuation.ReplaceAllString(decoded, " ")
	return SquashWhitespace(decoded)
}

// ExtractKeywords returns up to limit of the most frequent tokens of text that
// have at least minLen letters and are not stopwords. Ties are ordered
// alphabetically. A non-positive limit returns every candidate.
func ExtractKeywords(text string, limit, minLen int) []string {
	freq := make(map[string]int)
	for _, token := range strings.Fields(strings.ToLower(CleanText(text))) {
		token = strings.TrimFunc(token, notWordRune)
		if utf8.RuneCountInString(token) < minLen {
			continue
		}
		if _, skip := stopwords[token]; skip {
			continue
		}
		freq[token]++
	}
	if len(freq) == 0 {
		return nil
	}

	words := make([]string, 0, len(freq))
	for word := range freq {
		words = append(words, word)
	}
	slices.SortFunc(words, func(a, b string) int {
		if c := cmp.Compare(freq[b], freq[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	if limit > 0 && limit < len(words) {
		words = words[:limit]
	}
	return words
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

// BuildDocumentID hashes the page url, its text and the extraction time, so the
// same analysis delivered twice maps to the same record.
func BuildDocumentID(url, text string, ts time.Time) string {
	s := sha1.Sum([]byte(url + "|" + text + "|" + ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(s[:])
}

// GenerateTitleFromText builds a fallback title from the first sentence of text,
// cut to maxWords words with a trailing ellipsis. maxWords <= 0 keeps the whole
// sentence.
func GenerateTitleFromText(text string, maxWords int) string {
	sentence := RemoveURLs(text)
	if end := strings.IndexAny(sentence, ".!?"); end > 0 {
		sentence = sentence[:end]
	}

	words := strings.Fields(sentence)
	switch {
	case len(words) == 0:
		return ""
	case maxWords > 0 && len(words) > maxWords:
		return strings.Join(words[:maxWords], " ") + "..."
	default:
		return strings.Join(words, " ")
	}
}
