// Package httpc builds HTTP clients with explicit timeouts for
// talking to the motor daemon. http.DefaultClient has no timeout and
// would hang the control loop on a wedged daemon.
package httpc

import (
	"net"
	"net/http"
	"time"
)

const (
	connectTimeout = 2 * time.Second
	keepAlive      = 30 * time.Second
)

// NewClient returns a client whose overall request timeout is the
// given duration. The daemon sits on the local network, so the
// connect timeout is short.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: keepAlive,
			}).DialContext,
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
