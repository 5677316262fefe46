package processor

import (
	"net/url"
	"strings"
)

// Query parameters a win-notice URL may use to carry the originating ad tag.
var tagParams = []string{"vast_url", "adtagurl", "tag"}

// deriveEndpoint reconstructs a wrapper endpoint from the parameters embedded
// in a bid's notification URL. The derived value must itself be an absolute
// http(s) URL; endpoint policy is enforced later by the validator, not here.
func deriveEndpoint(nurl string) (string, bool) {
	if nurl == "" {
		return "", false
	}
	u, err := url.Parse(nurl)
	if err != nil {
		return "", false
	}

	q := u.Query()
	for _, p := range tagParams {
		v := q.Get(p)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			return v, true
		}
	}
	return "", false
}
