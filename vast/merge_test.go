package vast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, xml string) *Document {
	t.Helper()
	doc, err := Parse([]byte(xml))
	require.NoError(t, err)
	return doc
}

func inlineWithTracking(t *testing.T) *Document {
	return mustParse(t, `<VAST version="3.0">
  <Ad id="in">
    <InLine>
      <Impression><![CDATA[https://in.example.com/x]]></Impression>
      <Creatives>
        <Creative>
          <Linear>
            <TrackingEvents>
              <Tracking event="start"><![CDATA[https://t.example.com/A]]></Tracking>
              <Tracking event="complete"><![CDATA[https://t.example.com/B]]></Tracking>
            </TrackingEvents>
            <VideoClicks>
              <ClickTracking><![CDATA[https://c.example.com/inline]]></ClickTracking>
            </VideoClicks>
          </Linear>
        </Creative>
      </Creatives>
    </InLine>
  </Ad>
</VAST>`)
}

func wrapperWithTracking(t *testing.T) *Document {
	return mustParse(t, `<VAST version="3.0">
  <Ad id="wrap">
    <Wrapper>
      <VASTAdTagURI><![CDATA[https://tags.example.com/next]]></VASTAdTagURI>
      <Impression><![CDATA[https://in.example.com/x]]></Impression>
      <Impression><![CDATA[https://wrap.example.com/y]]></Impression>
      <Creatives>
        <Creative>
          <Linear>
            <TrackingEvents>
              <Tracking event="complete"><![CDATA[https://t.example.com/B]]></Tracking>
              <Tracking event="midpoint"><![CDATA[https://t.example.com/C]]></Tracking>
            </TrackingEvents>
            <VideoClicks>
              <ClickTracking><![CDATA[https://c.example.com/wrapper]]></ClickTracking>
              <ClickTracking><![CDATA[https://c.example.com/inline]]></ClickTracking>
            </VideoClicks>
          </Linear>
        </Creative>
      </Creatives>
    </Wrapper>
  </Ad>
</VAST>`)
}

func trackingValues(d *Document) []string {
	var out []string
	for _, e := range d.TrackingEvents() {
		out = append(out, e.SelectAttrValue("event", "")+" "+elementText(e))
	}
	return out
}

func impressionValues(d *Document) []string {
	var out []string
	for _, e := range d.Impressions() {
		out = append(out, elementText(e))
	}
	return out
}

func TestMergeTrackingEventsOrderAndDedup(t *testing.T) {
	inline := inlineWithTracking(t)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))

	// Inline [A,B] + wrapper [B,C] yields [A,B,C], keyed by event+URL,
	// independent of the impression dedup toggle.
	assert.Equal(t, []string{
		"start https://t.example.com/A",
		"complete https://t.example.com/B",
		"midpoint https://t.example.com/C",
	}, trackingValues(inline))
}

func TestMergeTrackingEventsIndependentOfImpressionToggle(t *testing.T) {
	inline := inlineWithTracking(t)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{DedupImpressions: true}))
	assert.Len(t, inline.TrackingEvents(), 3)
}

func TestMergeImpressionsToggleOff(t *testing.T) {
	inline := inlineWithTracking(t)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{DedupImpressions: false}))

	// Inline [x] + wrapper [x,y] with the toggle off retains the duplicate.
	assert.Equal(t, []string{
		"https://in.example.com/x",
		"https://in.example.com/x",
		"https://wrap.example.com/y",
	}, impressionValues(inline))
}

func TestMergeImpressionsToggleOn(t *testing.T) {
	inline := inlineWithTracking(t)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{DedupImpressions: true}))

	assert.Equal(t, []string{
		"https://in.example.com/x",
		"https://wrap.example.com/y",
	}, impressionValues(inline))
}

func TestMergeImpressionOriginTag(t *testing.T) {
	inline := inlineWithTracking(t)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{TagWrapperOrigin: true}))

	imps := inline.Impressions()
	require.Len(t, imps, 3)
	assert.Equal(t, "", imps[0].SelectAttrValue("id", ""))
	assert.Equal(t, "wrapper", imps[1].SelectAttrValue("id", ""))
	assert.Equal(t, "wrapper", imps[2].SelectAttrValue("id", ""))
}

func TestMergeClickTrackingWrapperFirst(t *testing.T) {
	inline := inlineWithTracking(t)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))

	var clicks []string
	for _, c := range inline.ClickTrackings() {
		clicks = append(clicks, elementText(c))
	}

	// Wrapper trackers land before the inline's own; the duplicate inline
	// URL carried by the wrapper is dropped, never the inline entry.
	assert.Equal(t, []string{
		"https://c.example.com/wrapper",
		"https://c.example.com/inline",
	}, clicks)
}

func TestMergeErrorsWrapperFirst(t *testing.T) {
	inline := mustParse(t, `<VAST><Ad id="in"><InLine>
    <Error><![CDATA[https://err.example.com/inline]]></Error>
  </InLine></Ad></VAST>`)
	wrapper := mustParse(t, `<VAST><Ad id="w"><Wrapper>
    <VASTAdTagURI>https://tags.example.com/n</VASTAdTagURI>
    <Error><![CDATA[https://err.example.com/wrapper]]></Error>
    <Error><![CDATA[https://err.example.com/inline]]></Error>
  </Wrapper></Ad></VAST>`)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))

	var errs []string
	for _, e := range inline.Errors() {
		errs = append(errs, elementText(e))
	}
	assert.Equal(t, []string{
		"https://err.example.com/wrapper",
		"https://err.example.com/inline",
	}, errs)
}

func TestMergeVerificationsStructuralDedup(t *testing.T) {
	inline := mustParse(t, `<VAST><Ad id="in"><InLine>
    <AdVerifications>
      <Verification vendor="moat"><JavaScriptResource><![CDATA[https://v.example.com/a.js]]></JavaScriptResource></Verification>
    </AdVerifications>
  </InLine></Ad></VAST>`)
	wrapper := mustParse(t, `<VAST><Ad id="w"><Wrapper>
    <VASTAdTagURI>https://tags.example.com/n</VASTAdTagURI>
    <AdVerifications>
      <Verification vendor="moat"><JavaScriptResource><![CDATA[https://v.example.com/a.js]]></JavaScriptResource></Verification>
      <Verification vendor="ias"><JavaScriptResource><![CDATA[https://v.example.com/b.js]]></JavaScriptResource></Verification>
    </AdVerifications>
  </Wrapper></Ad></VAST>`)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))

	verifications := inline.Verifications()
	require.Len(t, verifications, 2)
	assert.Equal(t, "moat", verifications[0].SelectAttrValue("vendor", ""))
	assert.Equal(t, "ias", verifications[1].SelectAttrValue("vendor", ""))
}

func TestMergeVerificationsCreatesContainer(t *testing.T) {
	inline := mustParse(t, `<VAST><Ad id="in"><InLine><AdSystem>x</AdSystem></InLine></Ad></VAST>`)
	wrapper := mustParse(t, `<VAST><Ad id="w"><Wrapper>
    <VASTAdTagURI>https://tags.example.com/n</VASTAdTagURI>
    <AdVerifications>
      <Verification vendor="ias"><JavaScriptResource><![CDATA[https://v.example.com/b.js]]></JavaScriptResource></Verification>
    </AdVerifications>
  </Wrapper></Ad></VAST>`)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))
	assert.Len(t, inline.Verifications(), 1)
}

func TestMergeViewableImpressions(t *testing.T) {
	inline := mustParse(t, `<VAST><Ad id="in"><InLine>
    <ViewableImpression>
      <Viewable><![CDATA[https://vi.example.com/1]]></Viewable>
      <ViewUndetermined></ViewUndetermined>
    </ViewableImpression>
  </InLine></Ad></VAST>`)
	wrapper := mustParse(t, `<VAST><Ad id="w"><Wrapper>
    <VASTAdTagURI>https://tags.example.com/n</VASTAdTagURI>
    <ViewableImpression>
      <Viewable><![CDATA[https://vi.example.com/1]]></Viewable>
      <Viewable><![CDATA[https://vi.example.com/2]]></Viewable>
      <NotViewable><![CDATA[https://vi.example.com/nv]]></NotViewable>
    </ViewableImpression>
  </Wrapper></Ad></VAST>`)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))

	viewable := inline.ViewableImpressionGroup("Viewable")
	require.Len(t, viewable, 2)
	assert.Equal(t, "https://vi.example.com/1", elementText(viewable[0]))
	assert.Equal(t, "https://vi.example.com/2", elementText(viewable[1]))

	assert.Len(t, inline.ViewableImpressionGroup("NotViewable"), 1)

	// The empty ViewUndetermined sub-group is dropped after the merge.
	assert.Empty(t, inline.ViewableImpressionGroup("ViewUndetermined"))
}

func TestMergeViewableImpressionContainerDroppedWhenEmpty(t *testing.T) {
	inline := mustParse(t, `<VAST><Ad id="in"><InLine>
    <ViewableImpression>
      <Viewable></Viewable>
    </ViewableImpression>
  </InLine></Ad></VAST>`)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))

	out, err := inline.WriteBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "ViewableImpression")
}

func TestMergeDirectionEnforced(t *testing.T) {
	inline := inlineWithTracking(t)
	wrapper := wrapperWithTracking(t)

	assert.Error(t, wrapper.MergeWrapper(inline, MergeOptions{}))
	assert.Error(t, inline.MergeWrapper(inline, MergeOptions{}))
}

func TestMergeWithoutLinearLeavesDocumentIntact(t *testing.T) {
	inline := mustParse(t, `<VAST><Ad id="in"><InLine><AdSystem>x</AdSystem></InLine></Ad></VAST>`)
	wrapper := wrapperWithTracking(t)

	require.NoError(t, inline.MergeWrapper(wrapper, MergeOptions{}))

	// Tracking events and clicks need a Linear creative to attach to; a
	// document without one still receives the ad-level surface.
	assert.Len(t, inline.Impressions(), 2)
	assert.Empty(t, inline.TrackingEvents())
}
