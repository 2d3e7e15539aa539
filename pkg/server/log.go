package server

import (
	"log"

	"go.uber.org/zap"
)

// newStdLogger routes net/http server errors, such as TLS handshake
// failures, to zap at debug level.
func newStdLogger(l *zap.Logger) *log.Logger {
	stdLog, err := zap.NewStdLogAt(l.Named("http"), zap.DebugLevel)
	if err != nil {
		return zap.NewStdLog(l)
	}
	return stdLog
}
