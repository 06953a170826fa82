package image

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns a client that fails fast on connection setup but
// waits long for synthesis. connect bounds dialing and the TLS handshake;
// read bounds the wait for response headers and the body.
func NewHTTPClient(connect, read time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.TLSHandshakeTimeout = connect
	tr.ResponseHeaderTimeout = read
	return &http.Client{Transport: tr, Timeout: connect + read}
}
