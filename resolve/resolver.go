// Package resolve follows a bounded chain of VAST wrapper documents down to
// an inline document and folds every level's tracking surface into it.
package resolve

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/openvast/unwrap-server/config"
	"github.com/openvast/unwrap-server/errortypes"
	"github.com/openvast/unwrap-server/fetch"
	"github.com/openvast/unwrap-server/vast"
)

// Result is the outcome of one resolution.
type Result struct {
	// XML is the serialized terminal inline document with every wrapper
	// level's trackers merged in.
	XML []byte
	// Depth is the number of wrapper hops followed. Zero for an already
	// inline document and for cache hits.
	Depth int
	// CacheHit reports whether the result was served from cache.
	CacheHit bool
}

// Resolver drives the wrapper chain state machine.
type Resolver struct {
	fetcher   *fetch.Fetcher
	cache     *Cache
	maxDepth  int
	timeout   time.Duration
	mergeOpts vast.MergeOptions
}

// New builds a Resolver from the unwrap configuration.
func New(fetcher *fetch.Fetcher, cache *Cache, cfg *config.Unwrap, debug bool) *Resolver {
	return &Resolver{
		fetcher:  fetcher,
		cache:    cache,
		maxDepth: cfg.MaxDepth,
		timeout:  cfg.ResolveTimeout(),
		mergeOpts: vast.MergeOptions{
			DedupImpressions: cfg.DedupImpressions,
			TagWrapperOrigin: debug,
		},
	}
}

// Resolve fetches rawURL and follows its wrapper chain to completion. The
// cache key is the URL itself; a hit skips every network operation.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Result, error) {
	if xml, ok := r.cache.Get(rawURL); ok {
		return &Result{XML: xml, Depth: 0, CacheHit: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	doc, err := r.fetchDocument(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	result, err := r.resolveChain(ctx, doc)
	if err != nil {
		return nil, err
	}

	r.cache.Set(rawURL, result.XML)
	return result, nil
}

// ResolveDocument follows the wrapper chain of an already-parsed document,
// the path taken for ad markup carried inside a bid. The cache key is the
// embedded ad identifier when one is present; without it the result is not
// cacheable.
func (r *Resolver) ResolveDocument(ctx context.Context, doc *vast.Document) (*Result, error) {
	key := doc.AdID()
	if xml, ok := r.cache.Get(key); ok {
		return &Result{XML: xml, Depth: 0, CacheHit: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.resolveChain(ctx, doc)
	if err != nil {
		return nil, err
	}

	r.cache.Set(key, result.XML)
	return result, nil
}

// resolveChain is the depth-bounded loop. It iterates with an explicit
// ordered accumulator rather than recursing, so the depth bound and cleanup
// stay in one frame no matter how pathological the chain is.
func (r *Resolver) resolveChain(ctx context.Context, doc *vast.Document) (*Result, error) {
	var chain []*vast.Document
	hops := 0

	for !doc.IsInLine() {
		if hops >= r.maxDepth {
			return nil, &errortypes.DepthExceeded{Message: fmt.Sprintf(
				"no inline document within %d wrapper hops", r.maxDepth)}
		}

		uri := doc.AdTagURI()
		if uri == "" {
			return nil, &errortypes.Protocol{Message: "wrapper missing redirect target (VASTAdTagURI)"}
		}

		chain = append(chain, doc)
		hops++

		next, err := r.fetchDocument(ctx, uri)
		if err != nil {
			return nil, err
		}
		doc = next
	}

	// Fold the chain innermost-first so each wrapper's surface is unioned
	// progressively into the one terminal document.
	for i := len(chain) - 1; i >= 0; i-- {
		if err := doc.MergeWrapper(chain[i], r.mergeOpts); err != nil {
			return nil, err
		}
	}

	xml, err := doc.WriteBytes()
	if err != nil {
		return nil, &errortypes.Protocol{Message: fmt.Sprintf("failed to serialize resolved document: %v", err)}
	}

	if glog.V(2) {
		glog.Infof("resolved wrapper chain: %d hops, %d bytes", hops, len(xml))
	}
	return &Result{XML: xml, Depth: hops, CacheHit: false}, nil
}

func (r *Resolver) fetchDocument(ctx context.Context, rawURL string) (*vast.Document, error) {
	resp, err := r.fetcher.Fetch(ctx, rawURL, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, &errortypes.Protocol{Message: fmt.Sprintf(
			"ad tag %s answered status %d", rawURL, resp.StatusCode)}
	}
	return vast.Parse(resp.Body)
}
