package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/buger/jsonparser"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvast/unwrap-server/config"
	"github.com/openvast/unwrap-server/fetch"
	"github.com/openvast/unwrap-server/resolve"
)

type permissiveValidator struct{}

func (permissiveValidator) ValidateEndpoint(_ context.Context, rawURL string) (*url.URL, error) {
	return url.Parse(rawURL)
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	cfg := &config.Configuration{
		Unwrap: config.Unwrap{
			MaxDepth:     8,
			TimeoutMS:    2500,
			CacheTTLMS:   60000,
			MaxBodyBytes: 1 << 20,
			MaxRedirects: 3,
		},
	}
	fetcher := fetch.NewFetcher(&cfg.Unwrap, permissiveValidator{})
	resolver := resolve.New(fetcher, resolve.NewCache(time.Minute), &cfg.Unwrap, false)
	return New(resolver, cfg, nil)
}

func inlineXML(imps ...string) string {
	body := ""
	for _, imp := range imps {
		body += fmt.Sprintf("<Impression><![CDATA[%s]]></Impression>", imp)
	}
	return fmt.Sprintf(`<VAST version="3.0"><Ad id="in"><InLine>%s</InLine></Ad></VAST>`, body)
}

func wrapperXML(next, imp string) string {
	return fmt.Sprintf(`<VAST version="3.0"><Ad id="w"><Wrapper><VASTAdTagURI><![CDATA[%s]]></VASTAdTagURI><Impression><![CDATA[%s]]></Impression></Wrapper></Ad></VAST>`, next, imp)
}

func responseBody(t *testing.T, bids ...openrtb2.Bid) []byte {
	t.Helper()
	out, err := json.Marshal(openrtb2.BidResponse{
		ID:      "resp-1",
		SeatBid: []openrtb2.SeatBid{{Seat: "seat-1", Bid: bids}},
	})
	require.NoError(t, err)
	return out
}

func parseBids(t *testing.T, body []byte) []openrtb2.Bid {
	t.Helper()
	var resp openrtb2.BidResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.SeatBid, 1)
	return resp.SeatBid[0].Bid
}

func unwrapAnnotation(t *testing.T, bid openrtb2.Bid) Annotation {
	t.Helper()
	raw, _, _, err := jsonparser.Get(bid.Ext, "unwrap")
	require.NoError(t, err, "bid %s missing ext.unwrap", bid.ID)
	var ann Annotation
	require.NoError(t, json.Unmarshal(raw, &ann))
	return ann
}

func TestProcessResponseUnwrapsWrapperBid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, inlineXML("https://i.example.com/terminal"))
	}))
	defer server.Close()

	p := newTestProcessor(t)
	body := responseBody(t,
		openrtb2.Bid{ID: "vast-bid", AdM: wrapperXML(server.URL, "https://i.example.com/wrapper")},
		openrtb2.Bid{ID: "banner-bid", AdM: "<div>banner</div>"},
	)

	out, err := p.ProcessResponse(context.Background(), body)
	require.NoError(t, err)

	bids := parseBids(t, out)
	require.Len(t, bids, 2)

	ann := unwrapAnnotation(t, bids[0])
	assert.Equal(t, 1, ann.Depth)
	assert.False(t, ann.Cached)
	assert.Empty(t, ann.Reason)
	assert.Contains(t, bids[0].AdM, "https://i.example.com/terminal")
	assert.Contains(t, bids[0].AdM, "https://i.example.com/wrapper")

	// The non-VAST sibling is untouched and unannotated.
	assert.Equal(t, "<div>banner</div>", bids[1].AdM)
	assert.Empty(t, bids[1].Ext)
}

func TestProcessResponsePerBidFailureIsolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, inlineXML("https://i.example.com/terminal"))
	}))
	defer server.Close()

	brokenWrapper := `<VAST version="3.0"><Ad id="w"><Wrapper><Impression>x</Impression></Wrapper></Ad></VAST>`

	p := newTestProcessor(t)
	body := responseBody(t,
		openrtb2.Bid{ID: "broken", AdM: brokenWrapper},
		openrtb2.Bid{ID: "good", AdM: wrapperXML(server.URL, "https://i.example.com/wrapper")},
	)

	out, err := p.ProcessResponse(context.Background(), body)
	require.NoError(t, err)

	bids := parseBids(t, out)
	assert.Equal(t, "protocol", unwrapAnnotation(t, bids[0]).Reason)
	// The broken bid keeps its original markup.
	assert.Equal(t, brokenWrapper, bids[0].AdM)

	good := unwrapAnnotation(t, bids[1])
	assert.Equal(t, 1, good.Depth)
	assert.Empty(t, good.Reason)
}

func TestProcessResponseInlineWithDerivedEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, inlineXML("https://i.example.com/derived-1", "https://i.example.com/derived-2"))
	}))
	defer server.Close()

	p := newTestProcessor(t)
	nurl := "https://ssp.example.com/win?price=1.5&vast_url=" + url.QueryEscape(server.URL+"/tag")
	body := responseBody(t, openrtb2.Bid{
		ID:   "inline-bid",
		AdM:  inlineXML("https://i.example.com/native"),
		NURL: nurl,
	})

	out, err := p.ProcessResponse(context.Background(), body)
	require.NoError(t, err)

	bids := parseBids(t, out)
	ann := unwrapAnnotation(t, bids[0])
	require.NotNil(t, ann.MergedImps)
	assert.Equal(t, 2, *ann.MergedImps)
	assert.Empty(t, ann.Reason)
	assert.Contains(t, bids[0].AdM, "https://i.example.com/native")
	assert.Contains(t, bids[0].AdM, "https://i.example.com/derived-1")
	assert.Contains(t, bids[0].AdM, "https://i.example.com/derived-2")
}

func TestProcessResponseDeriveFailed(t *testing.T) {
	p := newTestProcessor(t)
	body := responseBody(t, openrtb2.Bid{
		ID:   "inline-bid",
		AdM:  inlineXML("https://i.example.com/native"),
		NURL: "https://ssp.example.com/win?price=1.5",
	})

	out, err := p.ProcessResponse(context.Background(), body)
	require.NoError(t, err)

	bids := parseBids(t, out)
	assert.Equal(t, ReasonDeriveFailed, unwrapAnnotation(t, bids[0]).Reason)
}

func TestProcessResponseDerivedFetchFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := newTestProcessor(t)
	nurl := "https://ssp.example.com/win?vast_url=" + url.QueryEscape(server.URL+"/tag")
	body := responseBody(t, openrtb2.Bid{
		ID:   "inline-bid",
		AdM:  inlineXML("https://i.example.com/native"),
		NURL: nurl,
	})

	out, err := p.ProcessResponse(context.Background(), body)
	require.NoError(t, err)

	bids := parseBids(t, out)
	assert.Equal(t, ReasonFetchFailed, unwrapAnnotation(t, bids[0]).Reason)
}

func TestProcessResponseNoMarkupMatch(t *testing.T) {
	p := newTestProcessor(t)
	body := responseBody(t, openrtb2.Bid{
		ID:   "empty-adm",
		NURL: "https://ssp.example.com/win?vast_url=https%3A%2F%2Ftags.example.com%2Ftag",
	})

	out, err := p.ProcessResponse(context.Background(), body)
	require.NoError(t, err)

	bids := parseBids(t, out)
	assert.Equal(t, ReasonNoMarkupMatch, unwrapAnnotation(t, bids[0]).Reason)
}

func TestProcessResponsePreservesExistingExt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, inlineXML("https://i.example.com/terminal"))
	}))
	defer server.Close()

	p := newTestProcessor(t)
	body := responseBody(t, openrtb2.Bid{
		ID:  "vast-bid",
		AdM: wrapperXML(server.URL, "https://i.example.com/wrapper"),
		Ext: json.RawMessage(`{"origbidcpm":1.25}`),
	})

	out, err := p.ProcessResponse(context.Background(), body)
	require.NoError(t, err)

	bids := parseBids(t, out)
	cpm, err := jsonparser.GetFloat(bids[0].Ext, "origbidcpm")
	require.NoError(t, err)
	assert.Equal(t, 1.25, cpm)

	_, _, _, err = jsonparser.Get(bids[0].Ext, "unwrap")
	assert.NoError(t, err)
}

func TestProcessResponseNonJSONPassedBack(t *testing.T) {
	p := newTestProcessor(t)
	body := []byte("<html>not json</html>")

	out, err := p.ProcessResponse(context.Background(), body)
	assert.Error(t, err)
	assert.Equal(t, body, out)
}

func TestDeriveEndpoint(t *testing.T) {
	testCases := []struct {
		description string
		nurl        string
		expected    string
		ok          bool
	}{
		{"empty", "", "", false},
		{"no params", "https://ssp.example.com/win", "", false},
		{"unrelated params", "https://ssp.example.com/win?price=1.0", "", false},
		{"vast_url", "https://ssp.example.com/win?vast_url=https%3A%2F%2Ftags.example.com%2Ft", "https://tags.example.com/t", true},
		{"adtagurl", "https://ssp.example.com/win?adtagurl=https%3A%2F%2Ftags.example.com%2Fa", "https://tags.example.com/a", true},
		{"tag", "https://ssp.example.com/win?tag=http%3A%2F%2Ftags.example.com%2Fb", "http://tags.example.com/b", true},
		{"relative value rejected", "https://ssp.example.com/win?tag=%2Fpath%2Fonly", "", false},
	}

	for _, test := range testCases {
		got, ok := deriveEndpoint(test.nurl)
		assert.Equal(t, test.ok, ok, test.description)
		assert.Equal(t, test.expected, got, test.description)
	}
}
