package fetcher

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_removeHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":   {"X-Trace, keep-alive"},
		"X-Trace":      {"abc"},
		"Upgrade":      {"websocket"},
		"Content-Type": {"text/html"},
	}
	removeHopHeaders(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/html"}}, h)
}
