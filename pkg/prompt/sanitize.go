package prompt

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Sanitize strips markup from user text, keeping only its visible words.
// Script and style element contents are dropped and whitespace collapsed.
func Sanitize(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapse(s)
	}

	nodes, err := html.ParseFragment(strings.NewReader(s), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return collapse(s)
	}

	var sb strings.Builder
	for _, n := range nodes {
		collectText(n, &sb)
	}
	return collapse(sb.String())
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
