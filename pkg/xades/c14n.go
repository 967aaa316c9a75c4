package xades

import (
	"bytes"
	"sort"
	"strings"

	"github.com/beevik/etree"
)

// Canonicalize serializes el per Canonical XML 1.0 (20010315): no XML
// declaration, sorted attributes with namespace declarations first, explicit
// end tags and c14n character escaping. Comments and processing
// instructions inside the subtree are dropped.
func Canonicalize(el *etree.Element) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, el)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, el *etree.Element) {
	buf.WriteByte('<')
	buf.WriteString(el.FullTag())

	attrs := append([]etree.Attr(nil), el.Attr...)
	sort.Slice(attrs, func(i, j int) bool {
		ni, nj := attrs[i], attrs[j]
		iNS := isNamespaceDecl(ni)
		jNS := isNamespaceDecl(nj)
		if iNS != jNS {
			return iNS
		}
		if ni.Space != nj.Space {
			return ni.Space < nj.Space
		}
		return ni.Key < nj.Key
	})
	for _, a := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.FullKey())
		buf.WriteString(`="`)
		buf.WriteString(escapeAttr(a.Value))
		buf.WriteByte('"')
	}
	buf.WriteByte('>')

	for _, token := range el.Child {
		switch t := token.(type) {
		case *etree.Element:
			writeCanonical(buf, t)
		case *etree.CharData:
			buf.WriteString(escapeText(t.Data))
		}
	}

	buf.WriteString("</")
	buf.WriteString(el.FullTag())
	buf.WriteByte('>')
}

func isNamespaceDecl(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}

var textEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\r", "&#xD;",
)

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	`"`, "&quot;",
	"\t", "&#x9;",
	"\n", "&#xA;",
	"\r", "&#xD;",
)

func escapeText(s string) string { return textEscaper.Replace(s) }

func escapeAttr(s string) string { return attrEscaper.Replace(s) }
