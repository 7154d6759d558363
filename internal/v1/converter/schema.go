// Package converter translates authored HTML to and from the CRDT's
// structured tree. The schema covers paragraphs, headings, lists,
// blockquotes, preformatted code, images, links, tables, regional-edit
// ("diff") wrappers and the inline marks bold, italic, strike, underline,
// code, link, superscript and subscript.
package converter

import (
	"strings"

	"golang.org/x/net/html"
)

// Well-known document slots.
const (
	SlotContent  = "prosemirror"
	SlotMetadata = "daMetadata"
	SlotError    = "error"
)

// EmptyBodyHTML is substituted for empty or missing input.
const EmptyBodyHTML = `<body><header></header><main><div></div></main><footer></footer></body>`

// Diff wrapper element names. The da-loc-* forms are legacy spellings that
// are rewritten on parse.
const (
	DiffAdded        = "da-diff-added"
	DiffDeleted      = "da-diff-deleted"
	legacyDiffAdded  = "da-loc-added"
	legacyDiffDelete = "da-loc-deleted"
)

// blockTags are schema nodes that occupy their own line in the flat
// section sequence.
var blockTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "ul": true, "ol": true, "blockquote": true, "pre": true,
	"table": true, "hr": true, DiffAdded: true, DiffDeleted: true,
}

// markTags maps inline HTML elements to their canonical schema spelling.
var markTags = map[string]string{
	"strong": "strong", "b": "strong",
	"em": "em", "i": "em",
	"s": "s", "strike": "s", "del": "s",
	"u": "u",
	"code": "code",
	"a":   "a",
	"sup": "sup",
	"sub": "sub",
}

// keptAttrs lists the attributes the schema preserves per element.
var keptAttrs = map[string][]string{
	"img":       {"src", "alt", "title", "href", "loading", DiffAdded},
	"a":         {"href", "title"},
	"td":        {"colspan", "rowspan"},
	"table":     {"data-id", DiffAdded},
	"ol":        {"start"},
	DiffDeleted: {"data-mdast"},
}

// --- DOM helpers over x/net/html nodes ---

func newElem(name string, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: name, Attr: attrs}
}

func newText(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func isElem(n *html.Node, name string) bool {
	return n != nil && n.Type == html.ElementNode && n.Data == name
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func classList(n *html.Node) []string {
	return strings.Fields(attrVal(n, "class"))
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range classList(n) {
		if c == class {
			return true
		}
	}
	return false
}

// childElems returns the direct element children of n.
func childElems(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// children snapshots the direct children so mutation during iteration is safe.
func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// detachChildren removes and returns every child of n.
func detachChildren(n *html.Node) []*html.Node {
	kids := children(n)
	for _, c := range kids {
		n.RemoveChild(c)
	}
	return kids
}

// replaceWithChildren splices n's children into n's place.
func replaceWithChildren(n *html.Node) {
	parent := n.Parent
	for _, c := range detachChildren(n) {
		parent.InsertBefore(c, n)
	}
	parent.RemoveChild(n)
}

// replaceWith swaps n for the given nodes.
func replaceWith(n *html.Node, nodes ...*html.Node) {
	parent := n.Parent
	for _, r := range nodes {
		parent.InsertBefore(r, n)
	}
	parent.RemoveChild(n)
}

// findFirst locates the first descendant element with the given name.
func findFirst(n *html.Node, name string) *html.Node {
	if isElem(n, name) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, name); found != nil {
			return found
		}
	}
	return nil
}

// walk visits every node depth-first. Visiting a snapshot of children makes
// it safe for visitors to detach the visited node.
func walk(n *html.Node, visit func(*html.Node)) {
	for _, c := range children(n) {
		walk(c, visit)
	}
	visit(n)
}

// textContent concatenates all descendant text.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return sb.String()
}

// isWhitespaceText reports a text node carrying only whitespace.
func isWhitespaceText(n *html.Node) bool {
	return n.Type == html.TextNode && strings.TrimSpace(n.Data) == ""
}

// --- Block CSS class names ---

// ToBlockCSSClassNames derives the class list for a block <div> from a
// block-name header like "columns (contained, middle)". The name and each
// parenthesized option are slugged independently.
func ToBlockCSSClassNames(headerText string) []string {
	text := strings.ToLower(strings.TrimSpace(headerText))
	if text == "" {
		return nil
	}
	name := text
	var options []string
	if open := strings.Index(text, "("); open >= 0 {
		name = text[:open]
		rest := strings.TrimSuffix(strings.TrimSpace(text[open+1:]), ")")
		for _, opt := range strings.Split(rest, ",") {
			if slug := slugify(opt); slug != "" {
				options = append(options, slug)
			}
		}
	}
	classes := []string{}
	if slug := slugify(name); slug != "" {
		classes = append(classes, slug)
	}
	return append(classes, options...)
}

// slugify lowercases and collapses non-alphanumeric runs to single dashes.
func slugify(s string) string {
	var sb strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			sb.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			sb.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

// blockNameFromClasses is the inverse: class list to header text.
func blockNameFromClasses(classes []string) string {
	if len(classes) == 0 {
		return ""
	}
	if len(classes) == 1 {
		return classes[0]
	}
	return classes[0] + " (" + strings.Join(classes[1:], ", ") + ")"
}
