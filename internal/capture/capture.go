// Package capture performs short passive packet captures on a PoE port
// interface so that devices using non-IP discovery protocols can still be
// identified.
package capture

import (
	"context"
	"fmt"
	"time"
)

// Defaults for a discovery capture.
const (
	DefaultPacketCount = 20
	DefaultTimeout     = 10 * time.Second
)

// Request bounds one capture.
type Request struct {
	Interface   string
	PacketCount int
	Timeout     time.Duration
}

func (r Request) withDefaults() Request {
	if r.PacketCount <= 0 {
		r.PacketCount = DefaultPacketCount
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	return r
}

// Result holds what a capture saw. Text is searched for vendor signatures.
// Frames holds raw link-layer frames when the backend exposes them.
type Result struct {
	Text   []byte
	Frames [][]byte
}

// Empty reports whether nothing was captured.
func (r Result) Empty() bool {
	return len(r.Text) == 0 && len(r.Frames) == 0
}

// Capturer captures traffic from one interface. Timing out is not an error:
// the capture returns whatever was seen before the deadline.
type Capturer interface {
	Capture(ctx context.Context, req Request) (Result, error)
}

// Backend names accepted by New.
const (
	BackendTcpdump = "tcpdump"
	BackendPcap    = "pcap"
)

// UnsupportedBackendError is returned by New for unknown backend names.
type UnsupportedBackendError struct {
	Name string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported capture backend %q", e.Name)
}
