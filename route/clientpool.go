// Package route decides which runtime container answers a capability
// call and owns the HTTP plumbing shared by proxying and readiness
// probing.
package route

import (
	"net"
	"net/http"
	"time"
)

// NewClient builds the process-wide HTTP client. One instance serves
// both the capability proxy and the readiness prober so connections to
// runtime containers get pooled.
//
// There is no overall request timeout: capability calls can legitimately
// run for minutes (user code), so deadlines come from the request
// context. Dial and TLS handshakes are bounded.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
