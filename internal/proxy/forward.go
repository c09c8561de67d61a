package proxy

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
)

// Forwarder sends a request verbatim to the upstream target and copies
// the response back. Non-2xx upstream statuses are valid outcomes, not
// errors.
type Forwarder struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// NewForwarder builds the upstream HTTP client. timeout bounds every
// forwarded request end to end.
func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Forwarder{
		client: &fasthttp.Client{
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
			MaxIdleConnDuration:      90 * time.Second,
			NoDefaultUserAgentHeader: true,
		},
		timeout: timeout,
	}
}

// Forward proxies the incoming request to targetURL + original path and
// query. On success the upstream response is written into ctx and the
// status and body are returned for the learning fan-out. The returned
// body is a copy that outlives the fasthttp response.
func (f *Forwarder) Forward(ctx *fasthttp.RequestCtx, targetURL string) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	ctx.Request.CopyTo(req)
	req.SetRequestURI(targetURL + string(ctx.RequestURI()))

	if err := f.client.DoTimeout(req, resp, f.timeout); err != nil {
		return 0, nil, err
	}

	resp.CopyTo(&ctx.Response)
	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}

// isNetworkError classifies upstream failures that should trigger mock
// failover rather than a 502: the upstream is unreachable, timing out,
// or dropping connections. Anything else (malformed response, protocol
// violation from a reachable server) surfaces as bad-gateway.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
