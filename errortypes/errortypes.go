package errortypes

// Timeout should be used to flag that an upstream exchange or a wrapper hop
// failed to return a response before the governing deadline elapsed.
type Timeout struct {
	Message string
}

func (err *Timeout) Error() string {
	return err.Message
}

func (err *Timeout) Code() int {
	return TimeoutErrorCode
}

func (err *Timeout) Severity() Severity {
	return SeverityFatal
}

// BadEndpoint should be used when a candidate upstream URL fails syntactic or
// policy validation: wrong scheme, embedded credentials, or a host which is
// not on the configured allowlist. No network call is made for these.
type BadEndpoint struct {
	Message string
}

func (err *BadEndpoint) Error() string {
	return err.Message
}

func (err *BadEndpoint) Code() int {
	return BadEndpointErrorCode
}

func (err *BadEndpoint) Severity() Severity {
	return SeverityFatal
}

// Security should be used when a hostname resolves to a forbidden address
// range, is an IP literal, or a redirect targets an unsafe destination.
// These are reported distinctly from generic network failures.
type Security struct {
	Message string
}

func (err *Security) Error() string {
	return err.Message
}

func (err *Security) Code() int {
	return SecurityErrorCode
}

func (err *Security) Severity() Severity {
	return SeverityFatal
}

// Network should be used for DNS resolution failures and connection failures.
type Network struct {
	Message string
}

func (err *Network) Error() string {
	return err.Message
}

func (err *Network) Code() int {
	return NetworkErrorCode
}

func (err *Network) Severity() Severity {
	return SeverityFatal
}

// PayloadTooLarge should be used when a response declares or streams a body
// beyond the configured ceiling. The declared-length pre-check and the
// streaming counter both raise this type.
type PayloadTooLarge struct {
	Message string
}

func (err *PayloadTooLarge) Error() string {
	return err.Message
}

func (err *PayloadTooLarge) Code() int {
	return PayloadTooLargeErrorCode
}

func (err *PayloadTooLarge) Severity() Severity {
	return SeverityFatal
}

// Protocol should be used for malformed VAST exchanges: a redirect without a
// Location header, a wrapper without a VASTAdTagURI, or a document carrying
// neither an InLine nor a Wrapper ad.
type Protocol struct {
	Message string
}

func (err *Protocol) Error() string {
	return err.Message
}

func (err *Protocol) Code() int {
	return ProtocolErrorCode
}

func (err *Protocol) Severity() Severity {
	return SeverityFatal
}

// DepthExceeded should be used when a wrapper chain reaches the configured
// depth bound without ever producing an InLine document. It is deliberately
// distinct from Protocol so operators can tell a too-deep chain apart from a
// malformed one.
type DepthExceeded struct {
	Message string
}

func (err *DepthExceeded) Error() string {
	return err.Message
}

func (err *DepthExceeded) Code() int {
	return DepthExceededErrorCode
}

func (err *DepthExceeded) Severity() Severity {
	return SeverityFatal
}
