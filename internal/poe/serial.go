package poe

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrNoSerialDevice is returned when none of the ESP32 device paths exist.
var ErrNoSerialDevice = errors.New("no ESP32 serial device found")

// SerialReading is one port line from the ESP32 PoE monitor firmware:
//
//	1-2: power-on 3 15 48.500 325/800 35.2 overcurrent
//	G-P: STATE    C POWER VOLTS mA/LIMIT TEMP ERRORMSG
//
// Group and Port are the firmware's own coordinates; translating them to
// Linux interface numbers is the caller's job (see LogicalToSerial).
type SerialReading struct {
	Key                SerialKey
	State              TPS23861State
	Class              string
	ReportedWatts      float64 // firmware POWER field, not used for draw
	Volts              float64
	CurrentMilliamps   int
	LimitMilliamps     int
	TemperatureCelsius float64
	ErrorMessage       string
	PowerWatts         float64
}

// ParseSerialLine parses a single ESP32 status line. Non-port lines, such
// as the per-PSE "0: 48.250 1250" summary, return false.
func ParseSerialLine(line string) (SerialReading, bool) {
	pl, ok := tokenizePortLine(line)
	if !ok || len(pl.tail) < 1 {
		return SerialReading{}, false
	}
	if pl.group != int(PSEGroupA) && pl.group != int(PSEGroupB) {
		return SerialReading{}, false
	}

	reported, ok1 := parseField(pl.power)
	volts, ok2 := parseField(pl.volts)
	ma, ok3 := parseField(pl.current)
	limit, ok4 := parseField(pl.limit)
	temp, ok5 := parseField(pl.tail[0])
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return SerialReading{}, false
	}

	return SerialReading{
		Key:                SerialKey{Group: PSEGroup(pl.group), Port: pl.port},
		State:              ParseTPS23861State(pl.state),
		Class:              pl.class,
		ReportedWatts:      reported,
		Volts:              round(volts, 2),
		CurrentMilliamps:   int(ma),
		LimitMilliamps:     int(limit),
		TemperatureCelsius: round(temp, 1),
		ErrorMessage:       strings.Join(pl.tail[1:], " "),
		PowerWatts:         PowerWatts(volts, ma/1000),
	}, true
}

// ParseSerialStream parses a captured window of the serial stream. The
// firmware repeats every port about once a second; the last line seen for a
// port wins.
func ParseSerialStream(text string) map[SerialKey]SerialReading {
	out := make(map[SerialKey]SerialReading)
	for _, line := range strings.Split(text, "\n") {
		if r, ok := ParseSerialLine(line); ok {
			out[r.Key] = r
		}
	}
	return out
}

// DefaultSerialDevices are tried in order: the udev symlink, then the UART.
var DefaultSerialDevices = []string{"/dev/pse", "/dev/ttyAMA3"}

const (
	serialBaud          = "115200"
	defaultSerialWindow = 3 * time.Second
)

// SerialSource captures the ESP32 telemetry stream. It is the only code
// that opens the serial device during a poll cycle.
type SerialSource struct {
	fs       afero.Fs
	runner   hostio.Runner
	devices  []string
	window   time.Duration
	hostRoot string
	logger   *zap.Logger
}

// NewSerialSource creates a SerialSource that tries devices in order.
func NewSerialSource(fs afero.Fs, runner hostio.Runner, devices []string, window time.Duration, logger *zap.Logger) *SerialSource {
	if len(devices) == 0 {
		devices = DefaultSerialDevices
	}
	if window <= 0 {
		window = defaultSerialWindow
	}
	return &SerialSource{fs: fs, runner: runner, devices: devices, window: window, logger: logger}
}

// WithHostRoot makes commands address devices under root, matching a
// filesystem rooted at the same directory.
func (s *SerialSource) WithHostRoot(root string) *SerialSource {
	s.hostRoot = root
	return s
}

// Device returns the first serial device path that exists.
func (s *SerialSource) Device() (string, error) {
	for _, dev := range s.devices {
		if hostio.Exists(s.fs, dev) {
			return dev, nil
		}
	}
	return "", ErrNoSerialDevice
}

// Capture reads the stream for the capture window and returns the latest
// reading per port. Every failure degrades to an empty map so callers fall
// back to estimated telemetry.
func (s *SerialSource) Capture(ctx context.Context) map[SerialKey]SerialReading {
	for _, dev := range s.devices {
		if !hostio.Exists(s.fs, dev) {
			continue
		}
		readings, err := s.captureDevice(ctx, dev)
		if err != nil {
			s.logger.Debug("serial capture failed", zap.String("device", dev), zap.Error(err))
			continue
		}
		if len(readings) > 0 {
			s.logger.Debug("serial capture complete",
				zap.String("device", dev),
				zap.Int("ports", len(readings)),
			)
			return readings
		}
	}
	return map[SerialKey]SerialReading{}
}

func (s *SerialSource) captureDevice(ctx context.Context, dev string) (map[SerialKey]SerialReading, error) {
	if err := s.configure(ctx, dev); err != nil {
		return nil, err
	}
	out, err := s.readWindow(ctx, dev)
	if err != nil {
		return nil, err
	}
	return ParseSerialStream(out), nil
}

// readWindow returns whatever the device emits during the capture window.
func (s *SerialSource) readWindow(ctx context.Context, dev string) (string, error) {
	secs := int(s.window / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := s.runner.Run(ctx, hostio.Command{
		Args:    []string{"timeout", strconv.Itoa(secs), "cat", hostio.HostPath(s.hostRoot, dev)},
		Timeout: s.window + 2*time.Second,
	})
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// configure sets 115200 baud raw mode without echo.
func (s *SerialSource) configure(ctx context.Context, dev string) error {
	_, err := s.runner.Run(ctx, hostio.Command{
		Args:    []string{"stty", "-F", hostio.HostPath(s.hostRoot, dev), serialBaud, "raw", "-echo"},
		Timeout: 2 * time.Second,
	})
	return err
}

// Send writes one command line to the ESP32.
func (s *SerialSource) Send(ctx context.Context, command string) error {
	dev, err := s.Device()
	if err != nil {
		return err
	}
	res, err := s.runner.Run(ctx, hostio.Command{
		Args:    []string{"sudo", "tee", hostio.HostPath(s.hostRoot, dev)},
		Stdin:   command + "\n",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &CommandError{Command: command, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return nil
}

// Query sends command and returns what the firmware prints during the
// capture window.
func (s *SerialSource) Query(ctx context.Context, command string) (string, error) {
	dev, err := s.Device()
	if err != nil {
		return "", err
	}
	if err := s.configure(ctx, dev); err != nil {
		return "", err
	}
	if err := s.Send(ctx, command); err != nil {
		return "", err
	}
	return s.readWindow(ctx, dev)
}
