package converter

import (
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/da-live/collab/internal/v1/crdt"
)

// RenderHTML serializes the document's content fragment and metadata back
// into the canonical authored HTML form.
func RenderHTML(doc *crdt.Doc) string {
	return Serialize(doc.Fragment(SlotContent), doc.MapEntries(SlotMetadata))
}

// Serialize runs the schema→HTML pipeline over detached nodes.
func Serialize(nodes []*crdt.Node, metadata map[string]string) string {
	// A scratch container gives every node a parent so splicing transforms
	// work uniformly.
	scratch := newElem("scratch")
	for _, n := range nodesToHTML(nodes) {
		scratch.AppendChild(n)
	}
	unwrapDiffWrappers(scratch)
	convertTablesToBlocks(scratch)
	sections := joinSections(detachChildren(scratch))

	main := newElem("main")
	for _, section := range sections {
		main.AppendChild(section)
	}
	if len(metadata) > 0 {
		main.AppendChild(metadataDiv(metadata))
	}

	body := newElem("body")
	body.AppendChild(newElem("header"))
	body.AppendChild(main)
	body.AppendChild(newElem("footer"))

	prepareForEmission(body)
	return renderNode(body)
}

// nodesToHTML converts schema nodes into a detached HTML sequence.
func nodesToHTML(nodes []*crdt.Node) []*html.Node {
	var out []*html.Node
	for _, n := range nodes {
		if n.Type == crdt.TextNode {
			out = append(out, newText(n.Text))
			continue
		}
		el := newElem(n.Name)
		keys := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			setAttr(el, k, n.Attrs[k])
		}
		for _, c := range nodesToHTML(n.Children) {
			el.AppendChild(c)
		}
		out = append(out, el)
	}
	return out
}

// unwrapDiffWrappers inlines <da-diff-added> children (marking each element
// child with the da-diff-added attribute) and strips contenteditable from
// deletion wrappers. Legacy da-loc-* wrappers pass through the same way.
func unwrapDiffWrappers(root *html.Node) {
	walk(root, func(n *html.Node) {
		if isElem(n, DiffAdded) {
			for _, c := range children(n) {
				if c.Type == html.ElementNode && !hasAttr(c, DiffAdded) {
					setAttr(c, DiffAdded, "")
				}
			}
			replaceWithChildren(n)
			return
		}
		if isElem(n, DiffDeleted) || isElem(n, legacyDiffAdded) || isElem(n, legacyDiffDelete) {
			removeAttr(n, "contenteditable")
		}
	})
}

// convertTablesToBlocks reverses the block conversion for every table under
// root. The walk is bottom-up, so tables nested in cells convert first.
func convertTablesToBlocks(root *html.Node) {
	walk(root, func(n *html.Node) {
		if isElem(n, "table") {
			replaceWith(n, tableToBlock(n))
		}
	})
}

// tableToBlock rebuilds the block <div> from a table: the header row names
// the block, subsequent rows become cell-div rows. Inferred colspans are
// dropped; they are re-derived on the next parse.
func tableToBlock(table *html.Node) *html.Node {
	var rows []*html.Node
	for _, child := range childElems(table) {
		switch child.Data {
		case "tr":
			rows = append(rows, child)
		case "thead", "tbody", "tfoot":
			rows = append(rows, childElems(child)...)
		}
	}

	block := newElem("div")
	if len(rows) > 0 {
		headerCells := childElems(rows[0])
		if len(headerCells) > 0 {
			classes := ToBlockCSSClassNames(textContent(headerCells[0]))
			if len(classes) > 0 {
				setAttr(block, "class", strings.Join(classes, " "))
			}
		}
		rows = rows[1:]
	}
	if dataID := attrVal(table, "data-id"); dataID != "" {
		setAttr(block, "data-id", dataID)
	}
	if hasAttr(table, DiffAdded) {
		setAttr(block, DiffAdded, "")
	}

	for _, tr := range rows {
		rowDiv := newElem("div")
		for _, cell := range childElems(tr) {
			cellDiv := newElem("div")
			for _, c := range detachChildren(cell) {
				cellDiv.AppendChild(c)
			}
			rowDiv.AppendChild(cellDiv)
		}
		block.AppendChild(rowDiv)
	}
	return block
}

// joinSections splits the flat sequence at <hr> boundaries into sibling
// section divs. Spacer paragraphs inserted around dividers vanish because
// empty paragraphs are never emitted.
func joinSections(nodes []*html.Node) []*html.Node {
	sections := []*html.Node{newElem("div")}
	current := sections[0]
	for _, n := range nodes {
		if isElem(n, "hr") {
			current = newElem("div")
			sections = append(sections, current)
			continue
		}
		current.AppendChild(n)
	}
	return sections
}

func metadataDiv(metadata map[string]string) *html.Node {
	div := newElem("div", html.Attribute{Key: "class", Val: "da-metadata"})
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row := newElem("div")
		keyCell := newElem("div")
		keyCell.AppendChild(newText(k))
		valCell := newElem("div")
		valCell.AppendChild(newText(metadata[k]))
		row.AppendChild(keyCell)
		row.AppendChild(valCell)
		div.AppendChild(row)
	}
	return div
}

// prepareForEmission applies the final structural emission rules:
//   - <li> holding exactly one <p> renders its inline children directly
//   - <p> whose non-whitespace children are all images dissolves
//   - <img> expands to <picture> with two sources; an href becomes a
//     wrapping <a>
func prepareForEmission(root *html.Node) {
	walk(root, func(n *html.Node) {
		if !isElem(n, "li") {
			return
		}
		elems := childElems(n)
		if len(elems) == 1 && isElem(elems[0], "p") && onlyChild(n, elems[0]) {
			replaceWithChildren(elems[0])
		}
	})

	walk(root, func(n *html.Node) {
		if !isElem(n, "p") {
			return
		}
		hasImg := false
		for _, c := range children(n) {
			switch {
			case isElem(c, "img"):
				hasImg = true
			case isWhitespaceText(c):
			default:
				return
			}
		}
		if hasImg {
			replaceWithChildren(n)
		}
	})

	walk(root, func(n *html.Node) {
		if isElem(n, "img") && attrVal(n, "src") != "" {
			replaceWith(n, expandImage(n))
		}
	})
}

// onlyChild reports whether el is n's only non-whitespace child.
func onlyChild(n, el *html.Node) bool {
	for _, c := range children(n) {
		if c != el && !isWhitespaceText(c) {
			return false
		}
	}
	return true
}

// expandImage builds the canonical picture markup, hoisting href/title back
// onto a wrapping anchor when present.
func expandImage(img *html.Node) *html.Node {
	src := attrVal(img, "src")

	out := newElem("img", html.Attribute{Key: "src", Val: src})
	if alt := attrVal(img, "alt"); alt != "" {
		setAttr(out, "alt", alt)
	}
	if title := attrVal(img, "title"); title != "" {
		setAttr(out, "title", title)
	}
	loading := attrVal(img, "loading")
	if loading == "" {
		loading = "lazy"
	}
	setAttr(out, "loading", loading)

	picture := newElem("picture")
	picture.AppendChild(newElem("source", html.Attribute{Key: "srcset", Val: src}))
	picture.AppendChild(newElem("source",
		html.Attribute{Key: "srcset", Val: src},
		html.Attribute{Key: "media", Val: "(min-width: 600px)"}))
	picture.AppendChild(out)

	href := attrVal(img, "href")
	if href == "" {
		return picture
	}
	anchor := newElem("a", html.Attribute{Key: "href", Val: href})
	if title := attrVal(img, "title"); title != "" {
		setAttr(anchor, "title", title)
	}
	if hasAttr(img, DiffAdded) {
		setAttr(anchor, DiffAdded, "")
	}
	anchor.AppendChild(picture)
	return anchor
}
