package vast

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/openvast/unwrap-server/errortypes"
)

// AdKind reports whether a document's single Ad is playable or redirecting.
type AdKind int

const (
	// KindInLine is a terminal document carrying the playable creative.
	KindInLine AdKind = iota
	// KindWrapper is a redirecting document naming another tag via VASTAdTagURI.
	KindWrapper
)

// Document is a parsed VAST tree holding exactly one Ad, which is either an
// InLine or a Wrapper. The shape invariant is established once at parse time
// so the merge logic never re-checks it.
type Document struct {
	doc  *etree.Document
	ad   *etree.Element
	unit *etree.Element
	kind AdKind
}

// Parse reads VAST XML and verifies the single-Ad invariant. CDATA-wrapped
// text is preserved by the underlying tree; callers read it through Text().
func Parse(data []byte) (*Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.PreserveCData = true
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, &errortypes.Protocol{Message: fmt.Sprintf("Error parsing VAST XML. '%v'", err)}
	}

	root := doc.SelectElement("VAST")
	if root == nil {
		return nil, &errortypes.Protocol{Message: "VAST root element not found"}
	}

	ads := root.SelectElements("Ad")
	if len(ads) != 1 {
		return nil, &errortypes.Protocol{Message: fmt.Sprintf("expected exactly one Ad element, found %d", len(ads))}
	}
	ad := ads[0]

	inline := ad.SelectElement("InLine")
	wrapper := ad.SelectElement("Wrapper")
	switch {
	case inline != nil && wrapper == nil:
		return &Document{doc: doc, ad: ad, unit: inline, kind: KindInLine}, nil
	case wrapper != nil && inline == nil:
		return &Document{doc: doc, ad: ad, unit: wrapper, kind: KindWrapper}, nil
	default:
		return nil, &errortypes.Protocol{Message: "Ad must contain exactly one of InLine or Wrapper"}
	}
}

// Kind returns whether the document is InLine or Wrapper.
func (d *Document) Kind() AdKind {
	return d.kind
}

// IsInLine is true for terminal documents.
func (d *Document) IsInLine() bool {
	return d.kind == KindInLine
}

// AdID returns the id attribute of the Ad element, or "".
func (d *Document) AdID() string {
	return d.ad.SelectAttrValue("id", "")
}

// AdTagURI returns the redirect target of a Wrapper document, or "" when the
// element is absent or empty.
func (d *Document) AdTagURI() string {
	if d.kind != KindWrapper {
		return ""
	}
	uri := d.unit.SelectElement("VASTAdTagURI")
	if uri == nil {
		return ""
	}
	return strings.TrimSpace(uri.Text())
}

// WriteBytes serializes the document.
func (d *Document) WriteBytes() ([]byte, error) {
	return d.doc.WriteToBytes()
}

// Impressions returns the Ad-level Impression elements in document order.
func (d *Document) Impressions() []*etree.Element {
	return d.unit.SelectElements("Impression")
}

// Errors returns the Ad-level Error pixel elements in document order.
func (d *Document) Errors() []*etree.Element {
	return d.unit.SelectElements("Error")
}

// TrackingEvents returns every Tracking element under the Ad's linear
// creatives in document order.
func (d *Document) TrackingEvents() []*etree.Element {
	return d.unit.FindElements("Creatives/Creative/Linear/TrackingEvents/Tracking")
}

// ClickTrackings returns every ClickTracking element under the Ad's linear
// creatives in document order.
func (d *Document) ClickTrackings() []*etree.Element {
	return d.unit.FindElements("Creatives/Creative/Linear/VideoClicks/ClickTracking")
}

// Verifications returns the AdVerifications/Verification entries.
func (d *Document) Verifications() []*etree.Element {
	return d.unit.FindElements("AdVerifications/Verification")
}

// Linears returns the Linear creatives of the Ad, the containers tracking
// events and click trackers merge into.
func (d *Document) Linears() []*etree.Element {
	return d.unit.FindElements("Creatives/Creative/Linear")
}

// ViewableImpressionGroup returns the pixels of one viewability sub-group
// (Viewable, NotViewable or ViewUndetermined).
func (d *Document) ViewableImpressionGroup(group string) []*etree.Element {
	vi := d.unit.SelectElement("ViewableImpression")
	if vi == nil {
		return nil
	}
	return vi.SelectElements(group)
}

// elementText is the de-duplication URL key: the trimmed text content, with
// CDATA wrapping already stripped by the tree.
func elementText(e *etree.Element) string {
	return strings.TrimSpace(e.Text())
}

// canonical serializes a single element, used as the structural identity key
// for entries that are more than a bare URL.
func canonical(e *etree.Element) string {
	doc := etree.NewDocument()
	doc.SetRoot(e.Copy())
	s, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return s
}
