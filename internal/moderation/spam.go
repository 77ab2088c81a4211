package moderation

import (
	"regexp"
	"strings"
)

var (
	// The bare-domain form needs a path so "v2.0" or "3.14" do not match.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk)/\S*)`)

	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamRule struct {
	term  string
	match func(string) bool
}

// First match wins.
var spamRules = []spamRule{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", func(s string) bool { return longestRun(strings.Split(s, "")) >= 5 }},
	{"word_flood", func(s string) bool { return longestRun(strings.Fields(strings.ToLower(s))) >= 3 }},
}

func checkSpam(text string) Verdict {
	for _, r := range spamRules {
		if r.match(text) {
			return Verdict{Flagged: true, Reason: ReasonSpam, Term: r.term}
		}
	}
	return Verdict{}
}

// longestRun returns the length of the longest run of equal adjacent items.
func longestRun(items []string) int {
	best, run := 0, 0
	for i, it := range items {
		if i > 0 && it == items[i-1] {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}
