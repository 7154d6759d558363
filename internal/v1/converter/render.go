package converter

import (
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// voidTags render without a closing tag.
var voidTags = map[string]bool{
	"img": true, "hr": true, "source": true,
}

// attrPriority fixes the emission order for well-known attributes; anything
// else follows alphabetically. A stable order keeps serialized output
// byte-identical across round trips.
var attrPriority = map[string]int{
	"class":         0,
	"data-id":       1,
	"src":           2,
	"srcset":        3,
	"media":         4,
	"alt":           5,
	"title":         6,
	"href":          7,
	"start":         8,
	"colspan":       9,
	"rowspan":       10,
	"loading":       11,
	"data-mdast":    12,
	DiffAdded:       13,
	"contenteditable": 14,
}

// renderNode serializes a node to canonical HTML: no whitespace between
// tags, <br/> self-closed, empty paragraphs dropped.
func renderNode(n *html.Node) string {
	var sb strings.Builder
	writeNode(&sb, n)
	return sb.String()
}

func writeNode(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}

	if isElem(n, "p") && !hasRenderableContent(n) {
		return
	}
	if isElem(n, "br") {
		sb.WriteString("<br/>")
		return
	}

	sb.WriteByte('<')
	sb.WriteString(n.Data)
	writeAttrs(sb, n.Attr)
	sb.WriteByte('>')
	if voidTags[n.Data] {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(sb, c)
	}
	sb.WriteString("</")
	sb.WriteString(n.Data)
	sb.WriteByte('>')
}

func writeAttrs(sb *strings.Builder, attrs []html.Attribute) {
	if len(attrs) == 0 {
		return
	}
	sorted := make([]html.Attribute, len(attrs))
	copy(sorted, attrs)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, iok := attrPriority[sorted[i].Key]
		pj, jok := attrPriority[sorted[j].Key]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		case jok:
			return false
		default:
			return sorted[i].Key < sorted[j].Key
		}
	})
	for _, a := range sorted {
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteString(`="`)
		sb.WriteString(html.EscapeString(a.Val))
		sb.WriteByte('"')
	}
}

// hasRenderableContent reports whether a paragraph would emit anything.
func hasRenderableContent(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return true
		}
		if c.Type == html.TextNode && strings.TrimSpace(c.Data) != "" {
			return true
		}
	}
	return false
}
