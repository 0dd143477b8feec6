package providers

import (
	"net/http"
	"time"
)

// NewHTTPClient returns the client handed to provider SDKs. The timeout
// bounds the wait for response headers only, so long-lived streams are not
// cut off; non-streaming calls are bounded by the caller's context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = ProviderTimeout
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = timeout

	return &http.Client{Transport: tr}
}
