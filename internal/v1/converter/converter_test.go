package converter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/da-live/collab/internal/v1/crdt"
)

// roundtrip parses and re-serializes once.
func roundtrip(t *testing.T, source string) string {
	t.Helper()
	nodes, metadata, err := ToTree(source)
	require.NoError(t, err)
	return Serialize(nodes, metadata)
}

// assertStable checks the serializer fixed point: serializing what we
// parsed, then parsing and serializing again, must not change a byte.
func assertStable(t *testing.T, source string) string {
	t.Helper()
	out := roundtrip(t, source)
	assert.Equal(t, out, roundtrip(t, out), "second roundtrip diverged")
	return out
}

func body(inner string) string {
	return "<body><header></header><main>" + inner + "</main><footer></footer></body>"
}

func TestEmptyInputYieldsCanonicalBody(t *testing.T) {
	assert.Equal(t, EmptyBodyHTML, roundtrip(t, ""))
	assert.Equal(t, EmptyBodyHTML, roundtrip(t, "   \n  "))
	assert.Equal(t, EmptyBodyHTML, roundtrip(t, EmptyBodyHTML))
}

func TestSimpleContentRoundtrip(t *testing.T) {
	in := body(`<div><h1>Title</h1><p>Hello <strong>world</strong> and <em>friends</em>.</p></div>`)
	assert.Equal(t, in, assertStable(t, in))
}

func TestMarksNormalize(t *testing.T) {
	out := assertStable(t, body(`<div><p><b>bold</b> <i>it</i> <strike>old</strike></p></div>`))
	assert.Contains(t, out, "<strong>bold</strong>")
	assert.Contains(t, out, "<em>it</em>")
	assert.Contains(t, out, "<s>old</s>")
}

func TestRegionalEditRoundtrip(t *testing.T) {
	in := body(`<div><p da-diff-added="">New</p><da-diff-deleted data-mdast="ignore"><p>Old</p></da-diff-deleted></div>`)
	assert.Equal(t, in, assertStable(t, in))
}

func TestLegacyDiffTagsRewritten(t *testing.T) {
	in := body(`<div><da-loc-added><p>X</p></da-loc-added><da-loc-deleted><p>Y</p></da-loc-deleted></div>`)
	out := assertStable(t, in)
	assert.Contains(t, out, `<p da-diff-added="">X</p>`)
	assert.Contains(t, out, `<da-diff-deleted><p>Y</p></da-diff-deleted>`)
	assert.NotContains(t, out, "da-loc-")
}

func TestBlockToTableRoundtrip(t *testing.T) {
	in := body(`<div><div class="marquee light"><div><div><p>One</p></div></div><div><div><p>Two</p></div></div></div></div>`)
	assert.Equal(t, in, assertStable(t, in))
}

func TestBlockColspanInference(t *testing.T) {
	// Second row has one cell against a widest row of two; its cell spans.
	in := body(`<div><div class="columns"><div><div><p>A</p></div><div><p>B</p></div></div><div><div><p>C</p></div></div></div></div>`)
	assert.Equal(t, in, assertStable(t, in))

	nodes, _, err := ToTree(in)
	require.NoError(t, err)
	var table *crdt.Node
	for _, n := range nodes {
		if n.Type == crdt.ElementNode && n.Name == "table" {
			table = n
		}
	}
	require.NotNil(t, table)
	header := table.Children[0]
	assert.Equal(t, "2", header.Children[0].Attrs["colspan"])
	lastRow := table.Children[len(table.Children)-1]
	assert.Equal(t, "2", lastRow.Children[0].Attrs["colspan"])
}

func TestSectionSplitAndJoin(t *testing.T) {
	in := body(`<div><p>One</p></div><div><p>Two</p></div>`)
	assert.Equal(t, in, assertStable(t, in))
}

func TestSectionBreakParagraph(t *testing.T) {
	in := body(`<div><p>A</p><p>---</p><p>B</p></div>`)
	out := assertStable(t, in)
	assert.Equal(t, body(`<div><p>A</p></div><div><p>B</p></div>`), out)
}

func TestMetadataRoundtrip(t *testing.T) {
	in := body(`<div><p>Hi</p></div><div class="da-metadata"><div><div>template</div><div>blog</div></div><div><div>title</div><div>My Doc</div></div></div>`)
	assert.Equal(t, in, assertStable(t, in))

	_, metadata, err := ToTree(in)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"template": "blog", "title": "My Doc"}, metadata)
}

func TestImageExpandsToPicture(t *testing.T) {
	in := body(`<div><p><img src="/a.png" alt="A"></p></div>`)
	out := assertStable(t, in)
	assert.Equal(t, body(`<div><picture><source srcset="/a.png"><source srcset="/a.png" media="(min-width: 600px)"><img src="/a.png" alt="A" loading="lazy"></picture></div>`), out)
}

func TestLinkedImageHoisting(t *testing.T) {
	in := body(`<div><p><a href="/l" title="T"><img src="/a.png"></a></p></div>`)
	out := assertStable(t, in)
	assert.Contains(t, out, `href="/l"`)
	assert.Contains(t, out, `<picture>`)
	// The anchor wraps the whole picture again on the way out.
	assert.True(t, strings.Index(out, "<a ") < strings.Index(out, "<picture>"))
}

func TestListRoundtrip(t *testing.T) {
	in := body(`<div><ul><li>One</li><li><p>Two</p><ul><li>Nested</li></ul></li></ul><ol start="3"><li>Third</li></ol></div>`)
	assert.Equal(t, in, assertStable(t, in))
}

func TestBlockquoteAndPre(t *testing.T) {
	in := body(`<div><blockquote><p>Quoted</p></blockquote><pre><code>x = 1</code></pre></div>`)
	out := assertStable(t, in)
	assert.Contains(t, out, "<blockquote><p>Quoted</p></blockquote>")
	assert.Contains(t, out, "<pre>x = 1</pre>")
}

func TestLineBreakSelfCloses(t *testing.T) {
	in := body(`<div><p>a<br/>b</p></div>`)
	assert.Equal(t, in, assertStable(t, in))
}

func TestCommentsStripped(t *testing.T) {
	in := body(`<div><p>keep</p><!-- secret note --></div>`)
	out := assertStable(t, in)
	assert.NotContains(t, out, "secret")
}

func TestTextEscaping(t *testing.T) {
	in := body(`<div><p>a &amp; b &lt;tag&gt;</p></div>`)
	assert.Equal(t, in, assertStable(t, in))
}

func TestMissingMainStillParses(t *testing.T) {
	nodes, _, err := ToTree(`<div><p>loose</p></div>`)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
}

func TestToBlockCSSClassNames(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"marquee (light)", []string{"marquee", "light"}},
		{"columns (contained, middle)", []string{"columns", "contained", "middle"}},
		{"Cards", []string{"cards"}},
		{"Hero Banner", []string{"hero-banner"}},
		{"  spaced  (  a , b )", []string{"spaced", "a", "b"}},
		{"", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ToBlockCSSClassNames(tc.in), tc.in)
	}
}

func TestBlockNameFromClasses(t *testing.T) {
	assert.Equal(t, "marquee (light)", blockNameFromClasses([]string{"marquee", "light"}))
	assert.Equal(t, "cards", blockNameFromClasses([]string{"cards"}))
	assert.Equal(t, "", blockNameFromClasses(nil))
}

func TestApplyAndRenderThroughDoc(t *testing.T) {
	doc := crdt.NewDoc("doc")
	in := body(`<div><p>Hello</p></div><div class="da-metadata"><div><div>title</div><div>T</div></div></div>`)
	require.NoError(t, ApplyHTML(doc, in, nil))

	assert.Equal(t, in, RenderHTML(doc))
	title, ok := doc.MapGet(SlotMetadata, "title")
	require.True(t, ok)
	assert.Equal(t, "T", title)
}

func TestRebuildReplacesEverything(t *testing.T) {
	doc := crdt.NewDoc("doc")
	require.NoError(t, ApplyHTML(doc, body(`<div><p>old</p></div>`), nil))
	doc.Transact(nil, func(tx *crdt.Txn) {
		tx.MapSet(SlotError, "message", "stale")
	})

	updates := 0
	doc.OnUpdate(func(update []byte, origin any) { updates++ })

	next := body(`<div><p>new</p></div>`)
	require.NoError(t, RebuildFromHTML(doc, next, nil))
	assert.Equal(t, 1, updates, "rebuild must be a single transaction")
	assert.Equal(t, next, RenderHTML(doc))
	assert.Empty(t, doc.MapEntries(SlotError))
}
