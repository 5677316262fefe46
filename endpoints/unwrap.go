package endpoints

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"

	"github.com/openvast/unwrap-server/metrics"
	"github.com/openvast/unwrap-server/resolve"
)

// NewUnwrapEndpoint resolves a single ad tag URL passed as ?url= and returns
// the merged inline XML. Resolution depth and cache status are reported in
// response headers.
func NewUnwrapEndpoint(resolver *resolve.Resolver, me *metrics.Engine) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		tagURL := r.URL.Query().Get("url")
		if tagURL == "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "missing required query parameter: url")
			return
		}

		result, err := resolver.Resolve(r.Context(), tagURL)
		if err != nil {
			if glog.V(2) {
				glog.Infof("unwrap of %s failed: %v", tagURL, err)
			}
			me.RecordResolution(reasonLabel(err), false, 0)
			w.WriteHeader(StatusForError(err))
			fmt.Fprint(w, err.Error())
			return
		}

		me.RecordResolution("ok", result.CacheHit, result.Depth)

		w.Header().Set("Content-Type", "application/xml")
		w.Header().Set("X-Unwrap-Depth", strconv.Itoa(result.Depth))
		if result.CacheHit {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		w.Write(result.XML)
	}
}
