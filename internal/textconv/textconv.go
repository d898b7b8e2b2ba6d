// Package textconv turns mail bodies into plain text for integrations
// that cannot render HTML (chat posts, issue bodies, document pages,
// text-generation prompts).
package textconv

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// hiddenElements never contribute visible text to a message body.
var hiddenElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true,
	atom.Template: true,
	atom.Svg:      true,
}

// LooksLikeHTML reports whether s is probably an HTML document or
// fragment rather than plain text or markdown.
func LooksLikeHTML(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(t, "<!doctype html") || strings.HasPrefix(t, "<html") {
		return true
	}
	for _, tag := range []string{"<p>", "<p ", "<div", "<br", "<table", "<span", "<body"} {
		if strings.Contains(t, tag) {
			return true
		}
	}
	return false
}

// FromHTML returns the readable text of an HTML body. Quoted replies
// keep their line structure; links render as "text (href)" when the
// href differs from the text.
func FromHTML(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return tokenText(raw)
	}
	var b strings.Builder
	walk(doc, &b)
	return collapse(b.String())
}

// Plain returns body as plain text, converting it when it looks like
// HTML.
func Plain(body string) string {
	if LooksLikeHTML(body) {
		return FromHTML(body)
	}
	return collapse(body)
}

// Truncate shortens s to at most n runes, appending an ellipsis when
// anything was cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}

func walk(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode {
		if hiddenElements[n.DataAtom] {
			return
		}
		if blockElement(n.DataAtom) {
			b.WriteString("\n")
		}
		if n.DataAtom == atom.Li {
			b.WriteString("- ")
		}
	}

	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			b.WriteString(t)
			b.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, b)
	}

	if n.Type == html.ElementNode {
		switch {
		case n.DataAtom == atom.A:
			if href := attr(n, "href"); href != "" && strings.HasPrefix(href, "http") && !strings.Contains(textOf(n), href) {
				b.WriteString("(" + href + ") ")
			}
		case n.DataAtom == atom.Br, n.DataAtom == atom.Li, blockElement(n.DataAtom):
			b.WriteString("\n")
		}
	}
}

func blockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Blockquote, atom.Pre,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Table, atom.Tr, atom.Hr:
		return true
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

// collapse squeezes runs of spaces within lines and runs of blank lines.
func collapse(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// tokenText is the fallback when the parser rejects the input.
func tokenText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapse(b.String())
		case html.TextToken:
			b.Write(z.Text())
			b.WriteString(" ")
		}
	}
}
