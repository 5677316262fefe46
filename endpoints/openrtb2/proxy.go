// Package openrtb2 implements the /openrtb2 proxy endpoint: the inbound bid
// request is forwarded to an operator-selected upstream exchange and the bid
// response comes back with every bid's wrapper markup resolved.
package openrtb2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"

	"github.com/openvast/unwrap-server/config"
	"github.com/openvast/unwrap-server/errortypes"
	"github.com/openvast/unwrap-server/fetch"
	"github.com/openvast/unwrap-server/metrics"
	"github.com/openvast/unwrap-server/processor"
)

// Headers naming the upstream bid endpoint, in priority order. The base64
// form exists for clients whose header pipelines mangle raw URLs.
const (
	EndpointHeaderB64 = "X-Ssp-Endpoint-B64"
	EndpointHeader    = "X-Ssp-Endpoint"
)

// NewEndpoint wires the proxy handler.
func NewEndpoint(cfg *config.Configuration, validator fetch.EndpointValidator, fetcher *fetch.Fetcher, proc *processor.Processor, me *metrics.Engine) (httprouter.Handle, error) {
	if cfg == nil || validator == nil || fetcher == nil || proc == nil {
		return nil, errors.New("NewEndpoint requires non-nil arguments.")
	}
	return httprouter.Handle((&endpointDeps{cfg, validator, fetcher, proc, me}).Proxy), nil
}

type endpointDeps struct {
	cfg       *config.Configuration
	validator fetch.EndpointValidator
	fetcher   *fetch.Fetcher
	proc      *processor.Processor
	metrics   *metrics.Engine
}

func (deps *endpointDeps) Proxy(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	endpoint, err := deps.selectUpstream(r)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, "Invalid upstream endpoint: %s\n", err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, deps.cfg.Unwrap.MaxBodyBytes+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Failed to read request body: %s\n", err.Error())
		return
	}
	if int64(len(body)) > deps.cfg.Unwrap.MaxBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		fmt.Fprintf(w, "Request body exceeds %d bytes\n", deps.cfg.Unwrap.MaxBodyBytes)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deps.cfg.Upstream.Timeout())
	defer cancel()

	hdr := http.Header{}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	hdr.Set("Content-Type", contentType)

	resp, err := deps.fetcher.Fetch(ctx, endpoint, body, hdr)
	if err != nil {
		status := http.StatusBadGateway
		if errortypes.ReadCode(err) == errortypes.TimeoutErrorCode {
			status = http.StatusGatewayTimeout
		}
		glog.Warningf("upstream exchange %s failed: %v", endpoint, err)
		w.WriteHeader(status)
		fmt.Fprintf(w, "Upstream exchange failed: %s\n", err.Error())
		return
	}
	deps.metrics.RecordUpstreamStatus(resp.StatusCode)

	out := resp.Body
	respType := resp.Header.Get("Content-Type")
	if strings.Contains(respType, "application/json") {
		processed, perr := deps.proc.ProcessResponse(r.Context(), resp.Body)
		if perr != nil {
			// Malformed JSON passes through verbatim rather than failing
			// the exchange.
			if glog.V(2) {
				glog.Infof("passing upstream response through unprocessed: %v", perr)
			}
		} else {
			out = processed
		}
	}

	if respType != "" {
		w.Header().Set("Content-Type", respType)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(out)
}

// selectUpstream picks the upstream bid endpoint: base64 header, then raw
// header, then (outside production, gated on debug) a query parameter, then
// the operator default. The winner still has to pass full validation.
func (deps *endpointDeps) selectUpstream(r *http.Request) (string, error) {
	var candidate string
	switch {
	case r.Header.Get(EndpointHeaderB64) != "":
		decoded, err := base64.StdEncoding.DecodeString(r.Header.Get(EndpointHeaderB64))
		if err != nil {
			return "", &errortypes.BadEndpoint{Message: fmt.Sprintf("header %s is not valid base64", EndpointHeaderB64)}
		}
		candidate = string(decoded)
	case r.Header.Get(EndpointHeader) != "":
		candidate = r.Header.Get(EndpointHeader)
	case deps.cfg.Debug && r.URL.Query().Get("endpoint") != "":
		candidate = r.URL.Query().Get("endpoint")
	default:
		candidate = deps.cfg.Upstream.DefaultEndpoint
	}

	if candidate == "" {
		return "", &errortypes.BadEndpoint{Message: "no upstream endpoint supplied or configured"}
	}

	validated, err := deps.validator.ValidateEndpoint(r.Context(), candidate)
	if err != nil {
		return "", err
	}
	return validated.String(), nil
}
