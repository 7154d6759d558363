package converter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/da-live/collab/internal/v1/crdt"
)

// ToTree runs the HTML→schema pipeline and returns the structured content
// nodes plus the document metadata map.
func ToTree(source string) ([]*crdt.Node, map[string]string, error) {
	if strings.TrimSpace(source) == "" {
		source = EmptyBodyHTML
	}

	root, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}

	renameLegacyDiffTags(root)

	scope := findFirst(root, "main")
	if scope == nil {
		if scope = findFirst(root, "body"); scope == nil {
			scope = root
		}
	}

	metadata := extractMetadata(scope)
	wrapDiffAddedAttributes(scope)
	hoistLinkedImages(scope)
	stripComments(scope)
	convertBlocksToTables(scope)
	convertSectionBreakParagraphs(scope)
	flat := splitSections(scope)

	return parseBlocks(flat), metadata, nil
}

// ApplyHTML parses source and writes the result into the document's
// content fragment and metadata map in a single transaction.
func ApplyHTML(doc *crdt.Doc, source string, origin any) error {
	nodes, metadata, err := ToTree(source)
	if err != nil {
		return err
	}
	doc.Transact(origin, func(t *crdt.Txn) {
		WriteNodes(t, crdt.ParentRef{Slot: SlotContent}, nodes)
		writeMetadata(t, metadata)
	})
	return nil
}

// RebuildFromHTML clears the content fragment and every map slot, then
// re-applies source. The whole rebuild is one transaction so clients see a
// single update.
func RebuildFromHTML(doc *crdt.Doc, source string, origin any) error {
	nodes, metadata, err := ToTree(source)
	if err != nil {
		return err
	}
	doc.Transact(origin, func(t *crdt.Txn) {
		t.ClearFragment(SlotContent)
		t.MapClear(SlotMetadata)
		t.MapClear(SlotError)
		WriteNodes(t, crdt.ParentRef{Slot: SlotContent}, nodes)
		writeMetadata(t, metadata)
	})
	return nil
}

// WriteNodes appends a detached node tree under parent.
func WriteNodes(t *crdt.Txn, parent crdt.ParentRef, nodes []*crdt.Node) {
	var after crdt.ID
	for _, n := range nodes {
		if n.Type == crdt.TextNode {
			after = t.InsertText(parent, after, n.Text)
			continue
		}
		id := t.InsertElement(parent, after, n.Name, n.Attrs)
		WriteNodes(t, crdt.ParentRef{Item: id}, n.Children)
		after = id
	}
}

func writeMetadata(t *crdt.Txn, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.MapSet(SlotMetadata, k, metadata[k])
	}
}

// --- Pipeline steps ---

func renameLegacyDiffTags(root *html.Node) {
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch n.Data {
		case legacyDiffAdded:
			n.Data = DiffAdded
		case legacyDiffDelete:
			n.Data = DiffDeleted
		}
	})
}

// extractMetadata removes a <div class="da-metadata"> found at the top
// level of the scope (or directly inside a section div) and parses its rows
// as key/value pairs.
func extractMetadata(scope *html.Node) map[string]string {
	metadata := make(map[string]string)

	var metaDiv *html.Node
	for _, section := range childElems(scope) {
		if !isElem(section, "div") {
			continue
		}
		if hasClass(section, "da-metadata") {
			metaDiv = section
			break
		}
		for _, child := range childElems(section) {
			if isElem(child, "div") && hasClass(child, "da-metadata") {
				metaDiv = child
				break
			}
		}
		if metaDiv != nil {
			break
		}
	}
	if metaDiv == nil {
		return metadata
	}

	for _, row := range childElems(metaDiv) {
		cells := childElems(row)
		if len(cells) < 2 {
			continue
		}
		key := strings.TrimSpace(textContent(cells[0]))
		value := strings.TrimSpace(textContent(cells[1]))
		if key != "" {
			metadata[key] = value
		}
	}
	metaDiv.Parent.RemoveChild(metaDiv)
	return metadata
}

// wrapDiffAddedAttributes wraps elements carrying a da-diff-added attribute
// in a synthesized <da-diff-added> element. An element opening a block
// group pulls the whole sibling run through the matching end marker into
// one wrapper.
func wrapDiffAddedAttributes(scope *html.Node) {
	var targets []*html.Node
	walk(scope, func(n *html.Node) {
		if n.Type == html.ElementNode && hasAttr(n, DiffAdded) && n.Data != "img" {
			targets = append(targets, n)
		}
	})

	for _, n := range targets {
		if n.Parent == nil || isElem(n.Parent, DiffAdded) {
			continue
		}
		run := []*html.Node{n}
		if hasClass(n, "block-group-start") {
			for sib := n.NextSibling; sib != nil; sib = sib.NextSibling {
				if sib.Type != html.ElementNode && !isWhitespaceText(sib) {
					continue
				}
				run = append(run, sib)
				if sib.Type == html.ElementNode && hasClass(sib, "block-group-end") {
					break
				}
			}
		}

		parent := n.Parent
		wrapper := newElem(DiffAdded)
		parent.InsertBefore(wrapper, n)
		for _, member := range run {
			parent.RemoveChild(member)
			wrapper.AppendChild(member)
		}
	}
}

// hoistLinkedImages rewrites <a> elements wrapping a picture or image:
// href, title and da-diff-added move onto the <img> and the anchor itself
// is replaced by its children.
func hoistLinkedImages(scope *html.Node) {
	var anchors []*html.Node
	walk(scope, func(n *html.Node) {
		if isElem(n, "a") && (findFirst(n, "picture") != nil || findFirst(n, "img") != nil) {
			anchors = append(anchors, n)
		}
	})
	for _, a := range anchors {
		img := findFirst(a, "img")
		if img == nil {
			continue
		}
		if href := attrVal(a, "href"); href != "" {
			setAttr(img, "href", href)
		}
		if title := attrVal(a, "title"); title != "" {
			setAttr(img, "title", title)
		}
		if hasAttr(a, DiffAdded) {
			setAttr(img, DiffAdded, "")
		}
		replaceWithChildren(a)
	}
}

func stripComments(scope *html.Node) {
	walk(scope, func(n *html.Node) {
		if n.Type == html.CommentNode {
			n.Parent.RemoveChild(n)
		}
	})
}

// convertBlocksToTables rewrites classed <div> blocks inside each section
// into tables whose first row names the block. Diff wrappers are descended
// into so a freshly-added block still converts.
func convertBlocksToTables(scope *html.Node) {
	for _, section := range childElems(scope) {
		if isElem(section, "div") {
			convertBlocksWithin(section)
		}
	}
}

func convertBlocksWithin(container *html.Node) {
	for _, child := range childElems(container) {
		switch {
		case isElem(child, "div") && attrVal(child, "class") != "":
			blockToTable(child)
		case isElem(child, DiffAdded) || isElem(child, DiffDeleted):
			convertBlocksWithin(child)
		}
	}
}

// blockToTable converts one block div. Rows with fewer cells than the
// widest row stretch their final cell's colspan to fill the remainder.
func blockToTable(block *html.Node) {
	classes := classList(block)
	rows := childElems(block)

	maxCols := 1
	type rowSpec struct{ cells []*html.Node }
	specs := make([]rowSpec, 0, len(rows))
	for _, row := range rows {
		cells := childElems(row)
		if len(cells) == 0 {
			// A row without cell divs is itself a single cell.
			cells = []*html.Node{row}
		}
		if len(cells) > maxCols {
			maxCols = len(cells)
		}
		specs = append(specs, rowSpec{cells: cells})
	}

	table := newElem("table")
	if dataID := attrVal(block, "data-id"); dataID != "" {
		setAttr(table, "data-id", dataID)
	}
	if hasAttr(block, DiffAdded) {
		setAttr(table, DiffAdded, "")
	}

	header := newElem("tr")
	headerCell := newElem("td")
	if maxCols > 1 {
		setAttr(headerCell, "colspan", strconv.Itoa(maxCols))
	}
	headerCell.AppendChild(newText(blockNameFromClasses(classes)))
	header.AppendChild(headerCell)
	table.AppendChild(header)

	for _, spec := range specs {
		tr := newElem("tr")
		for i, cell := range spec.cells {
			td := newElem("td")
			if i == len(spec.cells)-1 {
				if span := maxCols - len(spec.cells) + 1; span > 1 {
					setAttr(td, "colspan", strconv.Itoa(span))
				}
			}
			for _, c := range detachChildren(cell) {
				td.AppendChild(c)
			}
			tr.AppendChild(td)
		}
		table.AppendChild(tr)
	}

	// Empty paragraph spacers keep cursor positions available around the
	// block while editing.
	replaceWith(block, newElem("p"), table, newElem("p"))
}

// convertSectionBreakParagraphs turns <p>---</p> into <hr>.
func convertSectionBreakParagraphs(scope *html.Node) {
	walk(scope, func(n *html.Node) {
		if !isElem(n, "p") {
			return
		}
		only := n.FirstChild
		if only != nil && only.NextSibling == nil && only.Type == html.TextNode &&
			strings.TrimSpace(only.Data) == "---" {
			replaceWith(n, newElem("hr"))
		}
	})
}

// splitSections flattens the top-level section divs into one sequence with
// <hr> (flanked by empty paragraph spacers) between sections.
func splitSections(scope *html.Node) []*html.Node {
	var flat []*html.Node
	first := true
	for _, child := range children(scope) {
		if !isElem(child, "div") {
			if child.Type == html.ElementNode || !isWhitespaceText(child) {
				// Loose non-div content belongs to the current section.
				flat = append(flat, child)
			}
			continue
		}
		if !first {
			flat = append(flat, newElem("p"), newElem("hr"), newElem("p"))
		}
		first = false
		flat = append(flat, detachChildren(child)...)
	}
	return flat
}

// --- Schema-guided parsing ---

// parseBlocks converts a flat HTML sequence into schema nodes. Loose inline
// content is wrapped into a paragraph.
func parseBlocks(nodes []*html.Node) []*crdt.Node {
	var out []*crdt.Node
	var inlineRun []*html.Node

	flush := func() {
		if len(inlineRun) == 0 {
			return
		}
		if content := parseInline(inlineRun); len(content) > 0 {
			out = append(out, crdt.NewElement("p", nil, content...))
		}
		inlineRun = nil
	}

	for _, n := range nodes {
		if n.Type == html.TextNode {
			if !isWhitespaceText(n) {
				inlineRun = append(inlineRun, n)
			}
			continue
		}
		if n.Type != html.ElementNode {
			continue
		}
		if block := parseBlock(n); block != nil {
			flush()
			out = append(out, block...)
			continue
		}
		inlineRun = append(inlineRun, n)
	}
	flush()
	return out
}

// parseBlock returns the schema nodes for a block-level element, or nil if
// the element is inline.
func parseBlock(n *html.Node) []*crdt.Node {
	switch n.Data {
	case "p":
		return []*crdt.Node{crdt.NewElement("p", nodeAttrs(n), parseInline(children(n))...)}
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return []*crdt.Node{crdt.NewElement(n.Data, nodeAttrs(n), parseInline(children(n))...)}
	case "ul", "ol":
		return []*crdt.Node{parseList(n)}
	case "blockquote":
		return []*crdt.Node{crdt.NewElement("blockquote", nodeAttrs(n), parseBlocks(children(n))...)}
	case "pre":
		return []*crdt.Node{crdt.NewElement("pre", nodeAttrs(n), crdt.NewText(preText(n)))}
	case "hr":
		return []*crdt.Node{crdt.NewElement("hr", nil)}
	case "table":
		return []*crdt.Node{parseTable(n)}
	case "picture":
		if img := findFirst(n, "img"); img != nil {
			return []*crdt.Node{crdt.NewElement("img", nodeAttrs(img))}
		}
		return []*crdt.Node{}
	case "img":
		return []*crdt.Node{crdt.NewElement("img", nodeAttrs(n))}
	case DiffAdded:
		return []*crdt.Node{crdt.NewElement(DiffAdded, nil, parseBlocks(children(n))...)}
	case DiffDeleted:
		return []*crdt.Node{crdt.NewElement(DiffDeleted, nodeAttrs(n), parseBlocks(children(n))...)}
	case "div":
		// Classless leftover wrappers dissolve into their children.
		return parseBlocks(children(n))
	case "header", "footer", "script", "style":
		return []*crdt.Node{}
	default:
		return nil
	}
}

func parseList(n *html.Node) *crdt.Node {
	list := crdt.NewElement(n.Data, nodeAttrs(n))
	for _, li := range childElems(n) {
		if !isElem(li, "li") {
			continue
		}
		item := crdt.NewElement("li", nil, parseListItemContent(li)...)
		list.Children = append(list.Children, item)
	}
	return list
}

// parseListItemContent normalizes an item: inline content becomes a leading
// paragraph; nested lists and other blocks follow.
func parseListItemContent(li *html.Node) []*crdt.Node {
	return parseBlocks(children(li))
}

func parseTable(n *html.Node) *crdt.Node {
	table := crdt.NewElement("table", nodeAttrs(n))
	var rows []*html.Node
	for _, child := range childElems(n) {
		switch child.Data {
		case "tr":
			rows = append(rows, child)
		case "thead", "tbody", "tfoot":
			rows = append(rows, childElems(child)...)
		}
	}
	for _, tr := range rows {
		if !isElem(tr, "tr") {
			continue
		}
		row := crdt.NewElement("tr", nil)
		for _, cell := range childElems(tr) {
			if cell.Data != "td" && cell.Data != "th" {
				continue
			}
			row.Children = append(row.Children,
				crdt.NewElement("td", nodeAttrs(cell), parseBlocks(children(cell))...))
		}
		table.Children = append(table.Children, row)
	}
	return table
}

func parseInline(nodes []*html.Node) []*crdt.Node {
	var out []*crdt.Node
	for _, n := range nodes {
		switch {
		case n.Type == html.TextNode:
			if n.Data != "" {
				out = append(out, crdt.NewText(n.Data))
			}
		case n.Type != html.ElementNode:
			// skip
		case n.Data == "br":
			out = append(out, crdt.NewElement("br", nil))
		case n.Data == "img":
			out = append(out, crdt.NewElement("img", nodeAttrs(n)))
		case n.Data == "picture":
			if img := findFirst(n, "img"); img != nil {
				out = append(out, crdt.NewElement("img", nodeAttrs(img)))
			}
		default:
			if mark, ok := markTags[n.Data]; ok {
				out = append(out, crdt.NewElement(mark, nodeAttrs(n), parseInline(children(n))...))
			} else {
				// Unknown inline elements dissolve.
				out = append(out, parseInline(children(n))...)
			}
		}
	}
	return out
}

// nodeAttrs keeps the schema-recognized attributes for an element. The
// da-diff-added marker is preserved on every element so regional edits
// survive the roundtrip.
func nodeAttrs(n *html.Node) map[string]string {
	var attrs map[string]string
	put := func(key, val string) {
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[key] = val
	}
	kept := keptAttrs[n.Data]
	if mark, ok := markTags[n.Data]; ok {
		kept = keptAttrs[mark]
	}
	for _, key := range kept {
		if hasAttr(n, key) {
			put(key, attrVal(n, key))
		}
	}
	if hasAttr(n, DiffAdded) {
		put(DiffAdded, attrVal(n, DiffAdded))
	}
	return attrs
}

// preText extracts code text, unwrapping a nested <code> element.
func preText(n *html.Node) string {
	if code := findFirst(n, "code"); code != nil {
		return textContent(code)
	}
	return textContent(n)
}
