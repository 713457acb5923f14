package capture

import (
	"github.com/exaviz/poewatch/internal/hostio"
	"go.uber.org/zap"
)

// New returns the capturer for the named backend. An empty name selects
// tcpdump.
func New(backend string, runner hostio.Runner, logger *zap.Logger) (Capturer, error) {
	switch backend {
	case "", BackendTcpdump:
		return NewTcpdumpCapturer(runner, logger.Named("tcpdump")), nil
	case BackendPcap:
		return NewPcapCapturer(logger.Named("pcap")), nil
	default:
		return nil, &UnsupportedBackendError{Name: backend}
	}
}
