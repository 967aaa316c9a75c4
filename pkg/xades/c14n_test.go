package xades

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseRoot(t *testing.T, xml string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(xml))
	return doc.Root()
}

func TestCanonicalizeSortsAttributes(t *testing.T) {
	root := parseRoot(t, `<a zeta="2" alpha="1" xmlns:ds="http://www.w3.org/2000/09/xmldsig#"/>`)
	got := string(Canonicalize(root))
	assert.Equal(t, `<a xmlns:ds="http://www.w3.org/2000/09/xmldsig#" alpha="1" zeta="2"></a>`, got)
}

func TestCanonicalizeExplicitEndTags(t *testing.T) {
	root := parseRoot(t, `<a><b/></a>`)
	assert.Equal(t, `<a><b></b></a>`, string(Canonicalize(root)))
}

func TestCanonicalizeEscaping(t *testing.T) {
	root := parseRoot(t, `<a attr="x&amp;y&quot;z">1 &lt; 2 &amp; 3 &gt; 2</a>`)
	got := string(Canonicalize(root))
	assert.Equal(t, `<a attr="x&amp;y&quot;z">1 &lt; 2 &amp; 3 &gt; 2</a>`, got)
}

func TestCanonicalizeKeepsWhitespace(t *testing.T) {
	root := parseRoot(t, "<a>\n  <b>v</b>\n</a>")
	assert.Equal(t, "<a>\n  <b>v</b>\n</a>", string(Canonicalize(root)))
}

func TestCanonicalizeDropsComments(t *testing.T) {
	root := parseRoot(t, `<a><!-- hidden --><b>v</b></a>`)
	assert.Equal(t, `<a><b>v</b></a>`, string(Canonicalize(root)))
}
