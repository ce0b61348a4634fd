package memory

import (
	"strings"
	"unicode"
)

// extractKeywords splits text into search keywords: lowercase ASCII letter
// runs of length >= 2, CJK 2-grams (plus 3-grams when the text has at least
// four CJK runes), and digit runs of length >= 2.
func extractKeywords(text string) []string {
	lower := strings.ToLower(text)
	var keywords []string
	seen := map[string]bool{}
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keywords = append(keywords, k)
		}
	}

	var asciiRun, digitRun []rune
	var cjk []rune
	flushASCII := func() {
		if len(asciiRun) >= 2 {
			add(string(asciiRun))
		}
		asciiRun = asciiRun[:0]
	}
	flushDigits := func() {
		if len(digitRun) >= 2 {
			add(string(digitRun))
		}
		digitRun = digitRun[:0]
	}

	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z':
			flushDigits()
			asciiRun = append(asciiRun, r)
		case r >= '0' && r <= '9':
			flushASCII()
			digitRun = append(digitRun, r)
		default:
			flushASCII()
			flushDigits()
			if isCJK(r) {
				cjk = append(cjk, r)
			}
		}
	}
	flushASCII()
	flushDigits()

	for i := 0; i+1 < len(cjk); i++ {
		add(string(cjk[i : i+2]))
	}
	if len(cjk) >= 4 {
		for i := 0; i+2 < len(cjk); i++ {
			add(string(cjk[i : i+3]))
		}
	}
	return keywords
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// scoreContent counts substring occurrences of every keyword in content.
func scoreContent(content string, keywords []string) float64 {
	lower := strings.ToLower(content)
	var score float64
	for _, k := range keywords {
		score += float64(strings.Count(lower, k))
	}
	return score
}
