package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Lines parses one visit fragment as HTML and returns its visible text as an
// ordered sequence of trimmed, non-empty lines. Lines end only at <br>, <hr>
// and block boundaries; whitespace runs inside text, source newlines
// included, render as one space, except inside <pre>. Malformed markup is
// handled the way a browser would, never rejected.
func Lines(fragment string) []string {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		// The tokenizer only fails on reader errors, which a strings.Reader
		// does not produce; fall back to the raw text.
		return splitLines(fragment)
	}
	var b strings.Builder
	for _, n := range nodes {
		collectText(&b, n, false)
	}
	return splitLines(b.String())
}

func collectText(b *strings.Builder, n *html.Node, pre bool) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Title, atom.Head, atom.Template:
			return
		case atom.Br, atom.Hr:
			b.WriteString("\n")
		}
		if isBlock(n.DataAtom) {
			// Add a newline before block starts to ensure separation
			b.WriteString("\n")
		}
		if n.DataAtom == atom.Pre {
			pre = true
		}
	}

	if n.Type == html.TextNode {
		text := n.Data
		if !pre {
			text = collapseSpace(text)
		}
		b.WriteString(strings.ReplaceAll(text, "\u00a0", " "))
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c, pre)
	}

	if n.Type == html.ElementNode {
		switch {
		case isBlock(n.DataAtom):
			b.WriteString("\n")
		case n.DataAtom == atom.Td || n.DataAtom == atom.Th:
			// cells on one row stay on one line
			b.WriteString(" ")
		}
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Table, atom.Tr, atom.Ul, atom.Ol, atom.Li,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Pre, atom.Blockquote, atom.Dl, atom.Dt, atom.Dd,
		atom.Center, atom.Address:
		return true
	}
	return false
}

// collapseSpace replaces every run of HTML whitespace with a single space.
// A non-breaking space is not HTML whitespace and is kept.
func collapseSpace(s string) string {
	if !strings.ContainsAny(s, " \t\n\r\f") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f':
			if !inSpace {
				b.WriteByte(' ')
			}
			inSpace = true
		default:
			b.WriteRune(r)
			inSpace = false
		}
	}
	return b.String()
}

// splitLines splits on line breaks, trims each line and drops empty ones.
func splitLines(s string) []string {
	raw := strings.Split(s, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
