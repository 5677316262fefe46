// Package fetch performs the outbound HTTP exchanges. Redirects are followed
// manually so every hop is re-validated against the endpoint policy before a
// connection is attempted, one deadline spans the whole hop sequence, and
// body reads are bounded.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/context/ctxhttp"

	"github.com/openvast/unwrap-server/config"
	"github.com/openvast/unwrap-server/errortypes"
)

// EndpointValidator revalidates every URL, including each redirect target,
// before the fetcher contacts it.
type EndpointValidator interface {
	ValidateEndpoint(ctx context.Context, rawURL string) (*url.URL, error)
}

// Response is the outcome of a completed fetch.
type Response struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	FinalURL   string
}

// Fetcher issues requests without automatic redirect following.
type Fetcher struct {
	Client       *http.Client
	Validator    EndpointValidator
	MaxRedirects int
	MaxBodyBytes int64
}

// NewFetcher builds a Fetcher whose client never follows redirects on its
// own; the hop loop in Fetch owns that decision.
func NewFetcher(cfg *config.Unwrap, validator EndpointValidator) *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Validator:    validator,
		MaxRedirects: cfg.MaxRedirects,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Fetch validates rawURL and performs the exchange, following up to
// MaxRedirects 3xx hops. A nil body issues a GET, otherwise a POST. The
// deadline carried by ctx governs the entire sequence; it is never reset
// between hops.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, body []byte, header http.Header) (*Response, error) {
	current, err := f.Validator.ValidateEndpoint(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	redirects := 0
	for {
		resp, err := f.do(ctx, current, body, header)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode < 300 || resp.StatusCode > 399 {
			return f.readBody(ctx, resp, current)
		}

		location := resp.Header.Get("Location")
		resp.Body.Close()
		if location == "" {
			return nil, &errortypes.Protocol{Message: fmt.Sprintf("redirect from %s missing Location header", current)}
		}

		next, err := url.Parse(location)
		if err != nil {
			return nil, &errortypes.Protocol{Message: fmt.Sprintf("redirect from %s has malformed Location %q", current, location)}
		}
		target := current.ResolveReference(next)

		redirects++
		if redirects > f.MaxRedirects {
			return nil, &errortypes.Protocol{Message: fmt.Sprintf("stopped after %d redirects fetching %s", f.MaxRedirects, rawURL)}
		}

		// The target gets the full validation sequence again: scheme,
		// credentials, allowlist and DNS address safety. A public first hop
		// never launders a private final hop.
		if _, err := f.Validator.ValidateEndpoint(ctx, target.String()); err != nil {
			return nil, err
		}

		if glog.V(2) {
			glog.Infof("following redirect %d: %s -> %s", redirects, current, target)
		}
		current = target
	}
}

func (f *Fetcher) do(ctx context.Context, u *url.URL, body []byte, header http.Header) (*http.Response, error) {
	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, u.String(), reader)
	if err != nil {
		return nil, &errortypes.Network{Message: fmt.Sprintf("failed to build request for %s: %v", u, err)}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := ctxhttp.Do(ctx, f.Client, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &errortypes.Timeout{Message: fmt.Sprintf("deadline elapsed fetching %s", u)}
		}
		return nil, &errortypes.Network{Message: fmt.Sprintf("request to %s failed: %v", u, err)}
	}
	if glog.V(2) {
		glog.Infof("fetched %s: status %d in %v", u, resp.StatusCode, time.Since(start))
	}
	return resp, nil
}

// readBody enforces the size ceiling twice over: a declared Content-Length
// beyond the ceiling is rejected before any body byte is read, and the
// streaming read is capped so an undeclared oversize body is aborted the
// instant the ceiling is crossed, closing the underlying connection.
func (f *Fetcher) readBody(ctx context.Context, resp *http.Response, u *url.URL) (*Response, error) {
	defer resp.Body.Close()

	if resp.ContentLength > f.MaxBodyBytes {
		return nil, &errortypes.PayloadTooLarge{Message: fmt.Sprintf(
			"response from %s declares %d bytes, limit is %d", u, resp.ContentLength, f.MaxBodyBytes)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBodyBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &errortypes.Timeout{Message: fmt.Sprintf("deadline elapsed reading body from %s", u)}
		}
		return nil, &errortypes.Network{Message: fmt.Sprintf("failed reading body from %s: %v", u, err)}
	}
	if int64(len(data)) > f.MaxBodyBytes {
		return nil, &errortypes.PayloadTooLarge{Message: fmt.Sprintf(
			"response from %s exceeded the %d byte limit mid-transfer", u, f.MaxBodyBytes)}
	}

	return &Response{
		Body:       data,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		FinalURL:   u.String(),
	}, nil
}
