package capture

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/exaviz/poewatch/internal/hostio"
	"go.uber.org/zap"
)

// exitTimedOut is the status timeout(1) returns when it kills its child.
const exitTimedOut = 124

// TcpdumpCapturer runs `sudo timeout N tcpdump -XX` and returns its hex dump.
type TcpdumpCapturer struct {
	runner hostio.Runner
	logger *zap.Logger
}

// NewTcpdumpCapturer creates a capturer that runs tcpdump through runner.
func NewTcpdumpCapturer(runner hostio.Runner, logger *zap.Logger) *TcpdumpCapturer {
	return &TcpdumpCapturer{runner: runner, logger: logger}
}

// Capture implements Capturer. Exit status 0 (packet count reached) and 124
// (timeout elapsed) both count as success.
func (c *TcpdumpCapturer) Capture(ctx context.Context, req Request) (Result, error) {
	req = req.withDefaults()
	secs := int(req.Timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}

	cmd := hostio.Command{
		Args: []string{
			"sudo", "timeout", strconv.Itoa(secs),
			"tcpdump", "-i", req.Interface,
			"-c", strconv.Itoa(req.PacketCount),
			"-XX", "-n",
		},
		// timeout(1) owns the deadline; this guard only catches a wedged sudo.
		Timeout: req.Timeout + 5*time.Second,
	}

	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return Result{}, fmt.Errorf("tcpdump on %s: %w", req.Interface, err)
	}
	if res.TimedOut {
		c.logger.Debug("tcpdump guard deadline hit", zap.String("interface", req.Interface))
		return Result{Text: res.Stdout}, nil
	}
	if res.ExitCode != 0 && res.ExitCode != exitTimedOut {
		return Result{}, fmt.Errorf("tcpdump on %s exited with status %d: %s",
			req.Interface, res.ExitCode, res.Stderr)
	}
	return Result{Text: res.Stdout}, nil
}
