// Package ssml turns chat text into the SSML accepted by the speech engines.
package ssml

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultBreak is the pause inserted between sentences.
const DefaultBreak = 300 * time.Millisecond

// Options shape the generated document.
type Options struct {
	// Break between sentences; zero means DefaultBreak, negative disables.
	Break time.Duration
	// Rate, when set, wraps the body in <prosody rate="...">.
	Rate string
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape escapes XML special characters.
func Escape(s string) string { return escaper.Replace(s) }

// Clean normalizes to NFC, drops control characters and collapses whitespace.
func Clean(text string) string {
	text = norm.NFC.String(text)
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// Sentences splits text after sentence punctuation that is followed by
// whitespace. Dots inside tokens such as "3.5" or "e.g" do not split.
func Sentences(text string) []string {
	text = Clean(text)
	if text == "" {
		return nil
	}
	rs := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(rs); i++ {
		if !isTerminal(rs[i]) {
			continue
		}
		j := i
		for j+1 < len(rs) && (isTerminal(rs[j+1]) || rs[j+1] == '"' || rs[j+1] == '»' || rs[j+1] == ')') {
			j++
		}
		if j+1 < len(rs) && unicode.IsSpace(rs[j+1]) && !abbreviation(rs, i) {
			if s := strings.TrimSpace(string(rs[start : j+1])); s != "" {
				out = append(out, s)
			}
			start = j + 1
		}
		i = j
	}
	if s := strings.TrimSpace(string(rs[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// abbreviation reports whether the dot at i closes a token that already
// contains a dot, such as "т.е." or "e.g.".
func abbreviation(rs []rune, i int) bool {
	if rs[i] != '.' {
		return false
	}
	for k := i - 1; k >= 0 && !unicode.IsSpace(rs[k]); k-- {
		if rs[k] == '.' && k+1 < i && unicode.IsLetter(rs[k+1]) {
			return true
		}
	}
	return false
}

// Build returns a <speak> document with escaped sentences separated by breaks.
func Build(text string, opts Options) string {
	brk := opts.Break
	if brk == 0 {
		brk = DefaultBreak
	}
	parts := Sentences(text)
	for i, p := range parts {
		parts[i] = Escape(p)
	}
	sep := " "
	if brk > 0 {
		sep = fmt.Sprintf(` <break time="%dms"/> `, brk.Milliseconds())
	}
	body := strings.Join(parts, sep)
	if opts.Rate != "" {
		body = fmt.Sprintf(`<prosody rate="%s">%s</prosody>`, Escape(opts.Rate), body)
	}
	return "<speak>" + body + "</speak>"
}

// RatePercent formats a signed percentage for <prosody rate>, e.g. "+10%".
func RatePercent(p int) string {
	if p >= 0 {
		return fmt.Sprintf("+%d%%", p)
	}
	return fmt.Sprintf("%d%%", p)
}
