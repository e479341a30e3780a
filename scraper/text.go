package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockElements start and end on their own line when converted to text.
var blockElements = map[atom.Atom]bool{
	atom.Address:    true,
	atom.Article:    true,
	atom.Aside:      true,
	atom.Blockquote: true,
	atom.Dd:         true,
	atom.Div:        true,
	atom.Dl:         true,
	atom.Dt:         true,
	atom.Figcaption: true,
	atom.Figure:     true,
	atom.Footer:     true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Header:     true,
	atom.Hr:         true,
	atom.Li:         true,
	atom.Ol:         true,
	atom.P:          true,
	atom.Pre:        true,
	atom.Section:    true,
	atom.Table:      true,
	atom.Tr:         true,
	atom.Ul:         true,
}

// nodeSet is a set of subtrees left out of text extraction.
type nodeSet map[*html.Node]bool

func (ns nodeSet) add(sel *goquery.Selection) {
	for _, n := range sel.Nodes {
		ns[n] = true
	}
}

type textWriter struct {
	b strings.Builder
}

func (w *textWriter) newline() {
	w.b.WriteByte('\n')
}

// softNewline starts a new line unless one was just started.
func (w *textWriter) softNewline() {
	s := w.b.String()
	if s != "" && s[len(s)-1] != '\n' {
		w.b.WriteByte('\n')
	}
}

func (w *textWriter) walk(n *html.Node, exclude nodeSet) {
	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if exclude[n] {
		// Keep the line break so text around a removed block does not run together
		if block {
			w.softNewline()
		}
		return
	}

	switch n.Type {
	case html.TextNode:
		// Source newlines inside text are just whitespace
		w.b.WriteString(strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == '\t' {
				return ' '
			}
			return r
		}, n.Data))
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Br:
			w.newline()
			return
		}
	case html.CommentNode, html.DoctypeNode:
		return
	}

	if block {
		w.softNewline()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, exclude)
	}
	if block {
		w.softNewline()
	}
}

// selectionText returns the normalized text of a selection, skipping excluded subtrees.
func selectionText(sel *goquery.Selection, exclude nodeSet) string {
	var w textWriter
	for _, n := range sel.Nodes {
		w.walk(n, exclude)
	}
	return normalizeText(w.b.String())
}

// normalizeText collapses whitespace within lines, trims every line, drops blank
// lines at both ends and keeps at most one blank line between paragraphs.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	pendingBlank := false

	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 {
				pendingBlank = true
			}
			continue
		}
		if pendingBlank {
			out = append(out, "")
			pendingBlank = false
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}
