package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

const (
	pcapSnapLen     = 1600
	pcapReadTimeout = 500 * time.Millisecond
)

// PcapCapturer captures in-process through libpcap.
type PcapCapturer struct {
	logger *zap.Logger
	open   func(iface string) (packetHandle, error)
}

// packetHandle is the subset of *pcap.Handle the capturer uses.
type packetHandle interface {
	gopacket.PacketDataSource
	Close()
}

// NewPcapCapturer creates a capturer backed by libpcap.
func NewPcapCapturer(logger *zap.Logger) *PcapCapturer {
	return &PcapCapturer{logger: logger, open: openLive}
}

func openLive(iface string) (packetHandle, error) {
	h, err := pcap.OpenLive(iface, pcapSnapLen, true, pcapReadTimeout)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Capture implements Capturer. It stops after PacketCount frames, at the
// timeout, or when ctx is done, whichever comes first.
func (c *PcapCapturer) Capture(ctx context.Context, req Request) (Result, error) {
	req = req.withDefaults()
	handle, err := c.open(req.Interface)
	if err != nil {
		return Result{}, fmt.Errorf("pcap open %s: %w", req.Interface, err)
	}
	defer handle.Close()

	deadline := time.Now().Add(req.Timeout)
	var res Result
	for len(res.Frames) < req.PacketCount {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}
		data, _, err := handle.ReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case err != nil:
			c.logger.Debug("pcap read stopped", zap.String("interface", req.Interface), zap.Error(err))
			return res, nil
		}
		frame := append([]byte(nil), data...)
		res.Frames = append(res.Frames, frame)
		res.Text = append(res.Text, frame...)
	}
	return res, nil
}
