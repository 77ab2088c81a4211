// Package moderation flags relayed chat content. It never blocks delivery;
// flags are raised after the fact by the relay tap.
package moderation

import (
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// Verdict is the outcome of checking one message.
type Verdict struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"` // "blocklist" or "spam_pattern"
	Term    string `json:"term,omitempty"`
}

// Reasons reported in a Verdict.
const (
	ReasonBlocklist = "blocklist"
	ReasonSpam      = "spam_pattern"
)

var defaultTerms = []string{
	"idiot",
	"moron",
	"scam",
	"kill yourself",
	"go die",
	"send nudes",
}

var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// Filter matches single-word terms by token and multi-word terms by
// substring on the normalized text. It is safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms builds a filter over terms. Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		switch {
		case t == "":
		case strings.Contains(t, " "):
			f.phrases = append(f.phrases, t)
		default:
			f.words[t] = struct{}{}
		}
	}
	return f
}

// Check runs the blocklist first, then the spam patterns.
func (f *Filter) Check(text string) Verdict {
	if v := f.checkTerms(text); v.Flagged {
		return v
	}
	return checkSpam(text)
}

func (f *Filter) checkTerms(text string) Verdict {
	plain := tokenizePlain(text)
	for _, tok := range plain {
		if _, ok := f.words[tok]; ok {
			return Verdict{Flagged: true, Reason: ReasonBlocklist, Term: tok}
		}
	}
	for _, tok := range tokenizeLeet(text) {
		norm := normalizeLeet(tok)
		if _, ok := f.words[norm]; ok {
			return Verdict{Flagged: true, Reason: ReasonBlocklist, Term: norm}
		}
	}

	if len(f.phrases) == 0 {
		return Verdict{}
	}
	joined := " " + strings.Join(plain, " ") + " "
	leetJoined := " " + strings.Join(lo.Map(tokenizeLeet(text), func(s string, _ int) string {
		return normalizeLeet(s)
	}), " ") + " "
	for _, p := range f.phrases {
		needle := " " + p + " "
		if strings.Contains(joined, needle) || strings.Contains(leetJoined, needle) {
			return Verdict{Flagged: true, Reason: ReasonBlocklist, Term: p}
		}
	}
	return Verdict{}
}

func normalizeLeet(s string) string {
	return leet.Replace(strings.ToLower(s))
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace and trims trailing sentence punctuation,
// keeping symbols that may stand in for letters.
func tokenizeLeet(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimRight(f, ".,?;:")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
