package quarantine

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Summarizer condenses normalized text into a draft summary. The
// boundary re-validates everything a summarizer returns; implementors
// are collaborators outside the trust line.
type Summarizer interface {
	Summarize(ctx context.Context, sub Submission) (Summary, error)
}

// Extractive is the built-in summarizer: first line as title, leading
// sentences as abstract, capitalized recurring words as topics. It
// invents nothing, which is exactly what makes it safe to run in
// process.
type Extractive struct {
	AbstractRunes int
	MaxTopics     int
}

func NewExtractive() *Extractive {
	return &Extractive{AbstractRunes: 1200, MaxTopics: 8}
}

func (e *Extractive) Summarize(ctx context.Context, sub Submission) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	text := strings.TrimSpace(sub.Text)

	title := text
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "untitled submission"
	}

	abstract, truncated := leadingSentences(text, e.AbstractRunes)

	return Summary{
		Title:     title,
		Abstract:  abstract,
		Topics:    recurringTerms(text, e.MaxTopics),
		Truncated: truncated,
	}, nil
}

// leadingSentences takes whole sentences until the budget runs out,
// falling back to a hard rune cut when the first sentence alone
// overruns it.
func leadingSentences(text string, budget int) (string, bool) {
	flat := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(flat) <= budget {
		return flat, false
	}
	var out strings.Builder
	used := 0
	for _, sentence := range splitSentences(flat) {
		n := utf8.RuneCountInString(sentence)
		if used+n > budget {
			break
		}
		if out.Len() > 0 {
			out.WriteByte(' ')
			used++
		}
		out.WriteString(sentence)
		used += n
	}
	if out.Len() == 0 {
		runes := []rune(flat)
		return strings.TrimSpace(string(runes[:budget])), true
	}
	return out.String(), true
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+utf8.RuneLen(r)])
			if s != "" {
				out = append(out, s)
			}
			start = i + utf8.RuneLen(r)
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// recurringTerms surfaces capitalized words that appear more than
// once, longest first, as crude topic hints.
func recurringTerms(text string, max int) []string {
	counts := make(map[string]int)
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		r, _ := utf8.DecodeRuneInString(word)
		if !unicode.IsUpper(r) || utf8.RuneCountInString(word) < 3 {
			continue
		}
		counts[word]++
	}
	var terms []string
	for w, n := range counts {
		if n > 1 {
			terms = append(terms, w)
		}
	}
	sortTerms(terms, counts)
	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}

func sortTerms(terms []string, counts map[string]int) {
	for i := 1; i < len(terms); i++ {
		for j := i; j > 0; j-- {
			a, b := terms[j-1], terms[j]
			if counts[a] > counts[b] || (counts[a] == counts[b] && a <= b) {
				break
			}
			terms[j-1], terms[j] = b, a
		}
	}
}
