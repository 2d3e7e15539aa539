package fetcher

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// NewH3Transport returns a transport that talks HTTP/3 to the origin.
// tlsConfig may be nil.
func NewH3Transport(tlsConfig *tls.Config) *http3.Transport {
	if tlsConfig == nil {
		tlsConfig = new(tls.Config)
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	return &http3.Transport{
		TLSClientConfig: tlsConfig,
		QUICConfig: &quic.Config{
			HandshakeIdleTimeout: 5 * time.Second,
			MaxIdleTimeout:       90 * time.Second,
			KeepAlivePeriod:      30 * time.Second,
		},
	}
}
