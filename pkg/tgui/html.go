package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// MaxMessageRunes is Telegram's text message limit.
const MaxMessageRunes = 4096

// H is HTML that is safe to send with ParseMode=HTML.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Join joins non-blank parts with sep.
func Join(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Lines joins parts with newlines.
func Lines(parts ...H) H { return Join("\n", parts...) }

// TruncRunes returns s cut to at most n runes, ending in "…" when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// EscTrunc escapes s after cutting it to n runes, so the cut never lands
// inside an entity.
func EscTrunc(s string, n int) H { return Esc(TruncRunes(s, n)) }
