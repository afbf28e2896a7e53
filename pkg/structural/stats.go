// Package structural scores payloads on shape rather than meaning: token
// distribution, entropy, character-class mix, decode anomalies. It is the
// CPU-bound middle stage of the cascade with a millisecond budget.
package structural

import (
	"math"
	"strings"
	"unicode"
)

// payloadStats are the raw feature statistics the classifier consumes.
type payloadStats struct {
	Entropy       float64
	SpecialRatio  float64
	DigitRatio    float64
	NonASCIIRatio float64
	MaxTokenLen   int
	SQLKeywords   int
	ScriptMarkers int
	ShellMarkers  int
	QuoteComment  bool // quote plus SQL comment terminator in one payload
	Leetspeak     bool
}

var sqlKeywords = []string{
	"select", "union", "insert", "update", "delete", "drop", "where",
	"from", "exec", "waitfor", "sleep(", "null", "0x", "xp_",
}

var scriptMarkers = []string{
	"<script", "javascript:", "onerror", "onload", "alert(", "eval(",
	"document.cookie", "window.location",
}

var shellMarkers = []string{
	"/bin/", "/etc/", "whoami", "$(", "&&", "||", "1=1", "exec(",
}

func computeStats(text string) payloadStats {
	var st payloadStats
	lower := strings.ToLower(text)

	st.Entropy = shannonEntropy(text)

	var special, digit, nonASCII, total int
	for _, r := range text {
		total++
		switch {
		case r > unicode.MaxASCII:
			nonASCII++
		case unicode.IsDigit(r):
			digit++
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			special++
		}
	}
	if total > 0 {
		st.SpecialRatio = float64(special) / float64(total)
		st.DigitRatio = float64(digit) / float64(total)
		st.NonASCIIRatio = float64(nonASCII) / float64(total)
	}

	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return unicode.IsSpace(r) || r == '&' || r == '?'
	}) {
		if len(tok) > st.MaxTokenLen {
			st.MaxTokenLen = len(tok)
		}
	}

	for _, kw := range sqlKeywords {
		if strings.Contains(lower, kw) {
			st.SQLKeywords++
		}
	}
	for _, m := range scriptMarkers {
		if strings.Contains(lower, m) {
			st.ScriptMarkers++
		}
	}
	for _, m := range shellMarkers {
		if strings.Contains(lower, m) {
			st.ShellMarkers++
		}
	}

	st.QuoteComment = strings.ContainsRune(text, '\'') &&
		(strings.Contains(text, "--") || strings.Contains(text, "#"))
	st.Leetspeak = containsLeetspeak(text)

	return st
}

// shannonEntropy over bytes. Encoded or compressed payloads trend high;
// natural language sits around 4 bits per byte.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// containsLeetspeak checks for letter-digit-letter substitution sequences
// like "1gn0r3" or "pa$$wd", as opposed to incidental numbers.
func containsLeetspeak(text string) bool {
	leetDigits := map[rune]bool{'0': true, '1': true, '3': true}
	leetChars := map[rune]bool{'@': true, '$': true}

	runes := []rune(text)
	for i := 1; i < len(runes)-1; i++ {
		curr, prev, next := runes[i], runes[i-1], runes[i+1]

		if leetDigits[curr] {
			if (unicode.IsLetter(prev) || leetChars[prev]) &&
				(unicode.IsLetter(next) || leetChars[next]) {
				return true
			}
		}
		if leetChars[curr] {
			if unicode.IsLetter(prev) && unicode.IsLetter(next) {
				return true
			}
		}
	}
	return false
}
