package vast

import (
	"github.com/beevik/etree"

	"github.com/openvast/unwrap-server/errortypes"
)

// MergeOptions controls the parts of the merge that are operator-tunable.
type MergeOptions struct {
	// DedupImpressions drops wrapper Impression URLs already present on the
	// inline side. Off by default: duplicate impressions stay visible so
	// discrepancies between levels can be audited.
	DedupImpressions bool
	// TagWrapperOrigin marks impressions copied from a wrapper with an id
	// attribute so debug sessions can tell the levels apart.
	TagWrapperOrigin bool
}

var viewableGroups = []string{"Viewable", "NotViewable", "ViewUndetermined"}

// MergeWrapper folds one wrapper level's tracking surface into the inline
// document. Every rule is a pure set-union with stable first-occurrence
// order; nothing already on the inline side is ever removed.
//
// Ordering per field: Impression, TrackingEvents, AdVerifications and
// ViewableImpression keep inline entries first and append the wrapper's;
// ClickTracking and Error place the wrapper's entries first. The
// wrapper-first click order mirrors how players fire the outermost
// tracker before the creative's own, and is covered by a dedicated test.
func (d *Document) MergeWrapper(w *Document, opts MergeOptions) error {
	if d.kind != KindInLine {
		return &errortypes.Protocol{Message: "merge target must be an InLine document"}
	}
	if w.kind != KindWrapper {
		return &errortypes.Protocol{Message: "merge source must be a Wrapper document"}
	}

	d.mergeImpressions(w, opts)
	d.mergeErrors(w)
	d.mergeTrackingEvents(w)
	d.mergeClickTrackings(w)
	d.mergeVerifications(w)
	d.mergeViewableImpressions(w)
	return nil
}

// MergeImpressions appends only src's Impression pixels into the inline
// document, the lightweight path used when a bid's markup is already inline
// but a derived endpoint contributes additional impressions. Returns the
// number of pixels appended.
func (d *Document) MergeImpressions(src *Document, opts MergeOptions) (int, error) {
	if d.kind != KindInLine {
		return 0, &errortypes.Protocol{Message: "merge target must be an InLine document"}
	}
	return d.mergeImpressions(src, opts), nil
}

func (d *Document) mergeImpressions(w *Document, opts MergeOptions) int {
	seen := make(map[string]struct{})
	if opts.DedupImpressions {
		for _, imp := range d.Impressions() {
			seen[elementText(imp)] = struct{}{}
		}
	}

	merged := 0
	for _, imp := range w.Impressions() {
		if opts.DedupImpressions {
			key := elementText(imp)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
		}
		cp := imp.Copy()
		if opts.TagWrapperOrigin && cp.SelectAttr("id") == nil {
			cp.CreateAttr("id", "wrapper")
		}
		d.unit.AddChild(cp)
		merged++
	}
	return merged
}

func (d *Document) mergeErrors(w *Document) {
	seen := make(map[string]struct{})
	for _, e := range d.Errors() {
		seen[errorKey(e)] = struct{}{}
	}

	// Wrapper error pixels go ahead of the inline's own.
	at := firstChildIndex(d.unit, "Error")
	for _, e := range w.Errors() {
		key := errorKey(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if at < 0 {
			d.unit.AddChild(e.Copy())
			continue
		}
		d.unit.InsertChildAt(at, e.Copy())
		at++
	}
}

func errorKey(e *etree.Element) string {
	if url := elementText(e); url != "" {
		return url
	}
	return canonical(e)
}

func (d *Document) mergeTrackingEvents(w *Document) {
	wrapperTrackings := w.TrackingEvents()
	if len(wrapperTrackings) == 0 {
		return
	}

	for _, linear := range d.Linears() {
		te := linear.SelectElement("TrackingEvents")
		if te == nil {
			te = linear.CreateElement("TrackingEvents")
		}

		seen := make(map[string]struct{})
		for _, t := range te.SelectElements("Tracking") {
			seen[trackingKey(t)] = struct{}{}
		}

		for _, t := range wrapperTrackings {
			key := trackingKey(t)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			te.AddChild(t.Copy())
		}
	}
}

func trackingKey(t *etree.Element) string {
	return t.SelectAttrValue("event", "") + "|" + elementText(t)
}

func (d *Document) mergeClickTrackings(w *Document) {
	wrapperClicks := w.ClickTrackings()
	if len(wrapperClicks) == 0 {
		return
	}

	for _, linear := range d.Linears() {
		vc := linear.SelectElement("VideoClicks")
		if vc == nil {
			vc = linear.CreateElement("VideoClicks")
		}

		seen := make(map[string]struct{})
		for _, c := range vc.SelectElements("ClickTracking") {
			seen[elementText(c)] = struct{}{}
		}

		// Wrapper click trackers fire first, so they land ahead of the
		// inline's own entries.
		at := firstChildIndex(vc, "ClickTracking")
		for _, c := range wrapperClicks {
			key := elementText(c)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if at < 0 {
				vc.AddChild(c.Copy())
				continue
			}
			vc.InsertChildAt(at, c.Copy())
			at++
		}
	}
}

func (d *Document) mergeVerifications(w *Document) {
	wrapperVerifications := w.Verifications()
	if len(wrapperVerifications) == 0 {
		return
	}

	av := d.unit.SelectElement("AdVerifications")
	if av == nil {
		av = d.unit.CreateElement("AdVerifications")
	}

	// Verification entries carry nested resources, so identity is the whole
	// entry rather than a single URL.
	seen := make(map[string]struct{})
	for _, v := range av.SelectElements("Verification") {
		seen[canonical(v)] = struct{}{}
	}

	for _, v := range wrapperVerifications {
		key := canonical(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		av.AddChild(v.Copy())
	}
}

func (d *Document) mergeViewableImpressions(w *Document) {
	vi := d.unit.SelectElement("ViewableImpression")

	for _, group := range viewableGroups {
		seen := make(map[string]struct{})

		if vi != nil {
			for _, e := range vi.SelectElements(group) {
				if url := elementText(e); url != "" {
					seen[url] = struct{}{}
				} else {
					vi.RemoveChild(e)
				}
			}
		}

		for _, e := range w.ViewableImpressionGroup(group) {
			url := elementText(e)
			if url == "" {
				continue
			}
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			if vi == nil {
				vi = d.unit.CreateElement("ViewableImpression")
			}
			vi.AddChild(e.Copy())
		}
	}

	// A container left with no pixel groups is dropped entirely.
	if vi != nil && len(vi.ChildElements()) == 0 {
		d.unit.RemoveChild(vi)
	}
}

func firstChildIndex(parent *etree.Element, tag string) int {
	for i, tok := range parent.Child {
		if el, ok := tok.(*etree.Element); ok && el.Tag == tag {
			return i
		}
	}
	return -1
}
