package endpoints

import (
	"net/http"

	"github.com/openvast/unwrap-server/errortypes"
)

// StatusForError maps the error taxonomy onto HTTP statuses for the
// resolution endpoints. Security rejections are distinguishable from plain
// bad input, and upstream trouble from our own.
func StatusForError(err error) int {
	switch errortypes.ReadCode(err) {
	case errortypes.BadEndpointErrorCode, errortypes.ProtocolErrorCode, errortypes.DepthExceededErrorCode:
		return http.StatusBadRequest
	case errortypes.SecurityErrorCode:
		return http.StatusForbidden
	case errortypes.TimeoutErrorCode:
		return http.StatusGatewayTimeout
	case errortypes.NetworkErrorCode, errortypes.PayloadTooLargeErrorCode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reasonLabel is the metrics label for a failed resolution.
func reasonLabel(err error) string {
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
