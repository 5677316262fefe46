// Package router assembles the HTTP surface: it builds the shared fetch and
// resolution machinery once and mounts the handlers onto one httprouter mux.
package router

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/openvast/unwrap-server/config"
	"github.com/openvast/unwrap-server/endpoints"
	endpointsOpenrtb2 "github.com/openvast/unwrap-server/endpoints/openrtb2"
	"github.com/openvast/unwrap-server/fetch"
	"github.com/openvast/unwrap-server/metrics"
	"github.com/openvast/unwrap-server/processor"
	"github.com/openvast/unwrap-server/resolve"
	"github.com/openvast/unwrap-server/validate"
)

// Router is the assembled request mux plus the instrumentation it reports to.
type Router struct {
	*httprouter.Router
	Metrics *metrics.Engine
}

// New wires every component from cfg and registers the endpoints.
func New(cfg *config.Configuration) (*Router, error) {
	r := &Router{
		Router:  httprouter.New(),
		Metrics: metrics.NewEngine(),
	}

	validator := validate.New(cfg)
	fetcher := fetch.NewFetcher(&cfg.Unwrap, validator)
	cache := resolve.NewCache(cfg.Unwrap.CacheTTL())
	resolver := resolve.New(fetcher, cache, &cfg.Unwrap, cfg.Debug)
	proc := processor.New(resolver, cfg, r.Metrics)

	proxyHandler, err := endpointsOpenrtb2.NewEndpoint(cfg, validator, fetcher, proc, r.Metrics)
	if err != nil {
		return nil, err
	}

	r.POST("/openrtb2", proxyHandler)
	r.GET("/unwrap", endpoints.NewUnwrapEndpoint(resolver, r.Metrics))
	r.GET("/status", endpoints.NewStatusEndpoint(cfg.StatusResponse))

	return r, nil
}

// NoCache stamps responses uncacheable.
type NoCache struct {
	Handler http.Handler
}

func (m NoCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	m.Handler.ServeHTTP(w, r)
}

// SupportCORS wraps the handler with a policy that echoes the caller's origin
// rather than using a wildcard, since wildcard origins cannot be combined
// with credentialed requests.
//
// For more info, see:
//
// - https://github.com/rs/cors/issues/55
// - https://developer.mozilla.org/en-US/docs/Web/HTTP/CORS/Errors/CORSNotSupportingCredentials
func SupportCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept"}})
	return c.Handler(handler)
}
