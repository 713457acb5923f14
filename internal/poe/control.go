package poe

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/exaviz/poewatch/pkg/models"
)

// Action is an imperative port operation.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionReset   Action = "reset"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionEnable, ActionDisable, ActionReset:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// PortRef addresses one port for a control action.
type PortRef struct {
	System models.PortSystem
	Group  int // add-on PSE id; unused for onboard ports
	Port   int
}

func (r PortRef) key() string {
	if r.System == models.PortSystemOnboard {
		return "onboard/" + strconv.Itoa(r.Port)
	}
	return "pse" + strconv.Itoa(r.Group) + "/" + strconv.Itoa(r.Port)
}

// CommandSender writes a command line to the ESP32. *SerialSource
// implements it.
type CommandSender interface {
	Send(ctx context.Context, command string) error
}

// ControllerConfig tunes the control sequences.
type ControllerConfig struct {
	SysClassNet string
	ProcRoot    string
	// HostRoot prefixes files written by external commands. It must match
	// the root of the Controller's filesystem.
	HostRoot string
	// SettleDelay is how long the ESP32 needs after a reset to re-init
	// and run a detection cycle.
	SettleDelay time.Duration
	// PowerCycleDelay is the off time during a reset.
	PowerCycleDelay time.Duration
	// MinInterval is the minimum time between actions on one port.
	MinInterval time.Duration
}

// Control sequence defaults.
const (
	DefaultSettleDelay     = 8 * time.Second
	DefaultPowerCycleDelay = 3 * time.Second
	DefaultActionInterval  = 5 * time.Second
)

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.SysClassNet == "" {
		c.SysClassNet = DefaultSysClassNet
	}
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.PowerCycleDelay <= 0 {
		c.PowerCycleDelay = DefaultPowerCycleDelay
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultActionInterval
	}
	return c
}

// Controller executes enable, disable and reset on onboard and add-on
// ports.
type Controller struct {
	fs     afero.Fs
	runner hostio.Runner
	esp32  CommandSender
	cfg    ControllerConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewController creates a Controller. esp32 may be nil on boards without
// onboard ports.
func NewController(fs afero.Fs, runner hostio.Runner, esp32 CommandSender, cfg ControllerConfig, logger *zap.Logger) *Controller {
	return &Controller{
		fs:       fs,
		runner:   runner,
		esp32:    esp32,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sleep:    sleepContext,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Apply runs action on ref. Actions on the same port closer together than
// MinInterval are rejected with ErrRateLimited.
func (c *Controller) Apply(ctx context.Context, ref PortRef, action Action) error {
	if !c.limiter(ref.key()).Allow() {
		return fmt.Errorf("%w: %s", ErrRateLimited, ref.key())
	}

	c.logger.Info("port action",
		zap.String("port", ref.key()),
		zap.String("action", string(action)),
	)

	var err error
	switch ref.System {
	case models.PortSystemOnboard:
		err = c.applyOnboard(ctx, ref.Port, action)
	case models.PortSystemAddon:
		err = c.applyAddon(ctx, ref.Group, ref.Port, action)
	default:
		err = fmt.Errorf("%w: system %q", ErrUnknownSet, ref.System)
	}
	if err != nil {
		c.logger.Error("port action failed",
			zap.String("port", ref.key()),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
	return err
}

func (c *Controller) limiter(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.cfg.MinInterval), 1)
		c.limiters[key] = l
	}
	return l
}

// applyOnboard drives the TPS23861 through the ESP32 and the DSA interface
// through ip link. Power is cut before the link goes down and restored
// after it comes up.
func (c *Controller) applyOnboard(ctx context.Context, port int, action Action) error {
	iface := "poe" + strconv.Itoa(port)
	key := LogicalToSerial(port)
	pse := strconv.Itoa(int(key.Group)) + " " + strconv.Itoa(key.Port)

	switch action {
	case ActionDisable:
		errESP := c.sendESP32(ctx, "disable-port "+pse)
		return errors.Join(errESP, c.ipLink(ctx, iface, "down"))

	case ActionEnable:
		if err := c.ipLink(ctx, iface, "up"); err != nil {
			return err
		}
		return c.enableOnboard(ctx, pse)

	case ActionReset:
		errESP := c.sendESP32(ctx, "disable-port "+pse)
		if err := c.ipLink(ctx, iface, "down"); err != nil {
			return errors.Join(errESP, err)
		}
		if err := c.sleep(ctx, c.cfg.PowerCycleDelay); err != nil {
			return err
		}
		if err := c.ipLink(ctx, iface, "up"); err != nil {
			return errors.Join(errESP, err)
		}
		return errors.Join(errESP, c.enableOnboard(ctx, pse))
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// enableOnboard sends enable-port followed by a full ESP32 reset. The
// firmware does not re-arm detection on enable-port alone, so the port
// would stay in "detecting" until the reset re-initializes the PSE.
func (c *Controller) enableOnboard(ctx context.Context, pse string) error {
	errEnable := c.sendESP32(ctx, "enable-port "+pse)
	if err := c.sendESP32(ctx, "reset"); err != nil {
		return errors.Join(errEnable, err)
	}
	c.logger.Debug("waiting for ESP32 to settle", zap.Duration("delay", c.cfg.SettleDelay))
	return errors.Join(errEnable, c.sleep(ctx, c.cfg.SettleDelay))
}

func (c *Controller) applyAddon(ctx context.Context, group, port int, action Action) error {
	switch action {
	case ActionEnable:
		return c.ipLink(ctx, c.addonControlInterface(group, port), "up")
	case ActionDisable:
		return c.ipLink(ctx, c.addonControlInterface(group, port), "down")
	case ActionReset:
		resetFile := path.Join(c.cfg.ProcRoot, "pse"+strconv.Itoa(group), "port"+strconv.Itoa(port), "reset")
		if !hostio.Exists(c.fs, resetFile) {
			return fmt.Errorf("reset file not found: %s", resetFile)
		}
		if err := c.tee(ctx, resetFile, "0"); err != nil {
			return err
		}
		if err := c.sleep(ctx, c.cfg.PowerCycleDelay); err != nil {
			return err
		}
		return c.tee(ctx, resetFile, "1")
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// addonControlInterface picks the interface name the driver actually
// created, defaulting to the flat name.
func (c *Controller) addonControlInterface(group, port int) string {
	for _, name := range addonInterfaceCandidates(group, port) {
		if hostio.IsDir(c.fs, path.Join(c.cfg.SysClassNet, name)) {
			return name
		}
	}
	return AddonInterface(group, port)
}

func (c *Controller) sendESP32(ctx context.Context, command string) error {
	if c.esp32 == nil {
		return ErrNoSerialDevice
	}
	if err := c.esp32.Send(ctx, command); err != nil {
		c.logger.Warn("ESP32 command failed", zap.String("command", command), zap.Error(err))
		return fmt.Errorf("esp32 %q: %w", command, err)
	}
	return nil
}

func (c *Controller) ipLink(ctx context.Context, iface, state string) error {
	return c.run(ctx, hostio.Command{
		Args:    []string{"sudo", "ip", "link", "set", iface, state},
		Timeout: 10 * time.Second,
	})
}

func (c *Controller) tee(ctx context.Context, file, value string) error {
	return c.run(ctx, hostio.Command{
		Args:    []string{"sudo", "tee", hostio.HostPath(c.cfg.HostRoot, file)},
		Stdin:   value + "\n",
		Timeout: 5 * time.Second,
	})
}

func (c *Controller) run(ctx context.Context, cmd hostio.Command) error {
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if res.TimedOut {
		return fmt.Errorf("%s: timed out", cmd)
	}
	if res.ExitCode != 0 {
		return &CommandError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
