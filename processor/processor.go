// Package processor walks a bid response and resolves the wrapper markup of
// every bid, annotating outcomes without ever failing the whole response.
package processor

import (
	"context"
	"encoding/json"

	"github.com/buger/jsonparser"
	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/openvast/unwrap-server/config"
	"github.com/openvast/unwrap-server/errortypes"
	"github.com/openvast/unwrap-server/metrics"
	"github.com/openvast/unwrap-server/resolve"
	"github.com/openvast/unwrap-server/vast"
)

// Failure reasons reported in a bid's ext.unwrap annotation.
const (
	ReasonDeriveFailed  = "derive_failed"
	ReasonFetchFailed   = "fetch_failed"
	ReasonNoMarkupMatch = "no_markup_match"
)

// Annotation is written to ext.unwrap on every processed bid.
type Annotation struct {
	Depth      int    `json:"depth"`
	Cached     bool   `json:"cached"`
	MergedImps *int   `json:"mergedImps,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Processor resolves wrapper markup across every bid in a response.
type Processor struct {
	resolver  *resolve.Resolver
	metrics   *metrics.Engine
	mergeOpts vast.MergeOptions
}

// New builds a Processor. me may be nil.
func New(resolver *resolve.Resolver, cfg *config.Configuration, me *metrics.Engine) *Processor {
	return &Processor{
		resolver: resolver,
		metrics:  me,
		mergeOpts: vast.MergeOptions{
			DedupImpressions: cfg.Unwrap.DedupImpressions,
			TagWrapperOrigin: cfg.Debug,
		},
	}
}

// ProcessResponse unwraps the markup of every bid in a JSON bid response.
// Bids are visited strictly in document order so the output is byte-stable.
// When body is not a bid response the original bytes come back with the
// parse error, letting the caller pass the upstream payload through
// verbatim.
func (p *Processor) ProcessResponse(ctx context.Context, body []byte) ([]byte, error) {
	var resp openrtb2.BidResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return body, err
	}

	for si := range resp.SeatBid {
		for bi := range resp.SeatBid[si].Bid {
			bid := &resp.SeatBid[si].Bid[bi]
			ann, annotated := p.processBid(ctx, bid)
			if !annotated {
				p.metrics.RecordBidOutcome("skipped")
				continue
			}
			bid.Ext = annotateExt(bid.Ext, ann)
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return body, err
	}
	return out, nil
}

// processBid handles one bid. The second return is false when the bid
// carries nothing to unwrap and gets no annotation. Failures never
// propagate; they become the bid's reason annotation.
func (p *Processor) processBid(ctx context.Context, bid *openrtb2.Bid) (Annotation, bool) {
	doc, err := vast.Parse([]byte(bid.AdM))
	if err != nil {
		if _, ok := deriveEndpoint(bid.NURL); ok {
			// A wrapper endpoint was derivable but there is no inline
			// markup to merge its impressions into.
			p.metrics.RecordBidOutcome("error")
			return Annotation{Reason: ReasonNoMarkupMatch}, true
		}
		return Annotation{}, false
	}

	if !doc.IsInLine() {
		result, err := p.resolver.ResolveDocument(ctx, doc)
		if err != nil {
			glog.Warningf("bid %s: wrapper resolution failed: %v", bid.ID, err)
			p.metrics.RecordResolution(reasonForError(err), false, 0)
			p.metrics.RecordBidOutcome("error")
			return Annotation{Reason: reasonForError(err)}, true
		}
		bid.AdM = string(result.XML)
		p.metrics.RecordResolution("ok", result.CacheHit, result.Depth)
		p.metrics.RecordBidOutcome("unwrapped")
		return Annotation{Depth: result.Depth, Cached: result.CacheHit}, true
	}

	// Already inline: a notification URL may still name a wrapper endpoint
	// whose impressions belong on this markup.
	if bid.NURL == "" {
		return Annotation{}, false
	}
	derived, ok := deriveEndpoint(bid.NURL)
	if !ok {
		p.metrics.RecordBidOutcome("error")
		return Annotation{Reason: ReasonDeriveFailed}, true
	}

	result, err := p.resolver.Resolve(ctx, derived)
	if err != nil {
		glog.Warningf("bid %s: derived endpoint fetch failed: %v", bid.ID, err)
		p.metrics.RecordBidOutcome("error")
		return Annotation{Reason: ReasonFetchFailed}, true
	}
	resolved, err := vast.Parse(result.XML)
	if err != nil {
		p.metrics.RecordBidOutcome("error")
		return Annotation{Reason: ReasonFetchFailed}, true
	}

	merged, err := doc.MergeImpressions(resolved, p.mergeOpts)
	if err != nil {
		p.metrics.RecordBidOutcome("error")
		return Annotation{Reason: ReasonNoMarkupMatch}, true
	}
	xml, err := doc.WriteBytes()
	if err != nil {
		p.metrics.RecordBidOutcome("error")
		return Annotation{Reason: ReasonNoMarkupMatch}, true
	}

	bid.AdM = string(xml)
	p.metrics.RecordBidOutcome("imps_merged")
	return Annotation{Depth: result.Depth, Cached: result.CacheHit, MergedImps: &merged}, true
}

// annotateExt sets ext.unwrap without disturbing whatever else the bidder
// put in ext.
func annotateExt(ext json.RawMessage, ann Annotation) json.RawMessage {
	data, err := json.Marshal(ann)
	if err != nil {
		return ext
	}
	if len(ext) == 0 {
		ext = json.RawMessage(`{}`)
	}
	out, err := jsonparser.Set(ext, data, "unwrap")
	if err != nil {
		glog.Warningf("failed to annotate bid ext: %v", err)
		return ext
	}
	return out
}

func reasonForError(err error) string {
	switch errortypes.ReadCode(err) {
	case errortypes.TimeoutErrorCode:
		return "timeout"
	case errortypes.SecurityErrorCode:
		return "security"
	case errortypes.NetworkErrorCode:
		return "network"
	case errortypes.PayloadTooLargeErrorCode:
		return "payload_too_large"
	case errortypes.ProtocolErrorCode:
		return "protocol"
	case errortypes.DepthExceededErrorCode:
		return "depth_exceeded"
	case errortypes.BadEndpointErrorCode:
		return "bad_endpoint"
	default:
		return "error"
	}
}
