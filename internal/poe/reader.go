package poe

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/exaviz/poewatch/pkg/models"
)

// DeviceDiscoverer identifies the device attached to an interface.
type DeviceDiscoverer interface {
	Discover(ctx context.Context, iface string, link LinkActivity) *models.ConnectedDevice
}

// ReaderConfig locates the kernel interfaces a Reader consumes.
type ReaderConfig struct {
	ProcPSEPath     string
	SysClassNet     string
	ProcPSEMaxLines int
	ProcPSETimeout  time.Duration
}

// Defaults for ReaderConfig.
const (
	DefaultProcPSEPath     = "/proc/pse"
	DefaultSysClassNet     = "/sys/class/net"
	DefaultProcPSEMaxLines = 30
	DefaultProcPSETimeout  = 5 * time.Second
)

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.ProcPSEPath == "" {
		c.ProcPSEPath = DefaultProcPSEPath
	}
	if c.SysClassNet == "" {
		c.SysClassNet = DefaultSysClassNet
	}
	if c.ProcPSEMaxLines <= 0 {
		c.ProcPSEMaxLines = DefaultProcPSEMaxLines
	}
	if c.ProcPSETimeout <= 0 {
		c.ProcPSETimeout = DefaultProcPSETimeout
	}
	return c
}

// Reader produces one PortStatus per call. It keeps no state between
// calls; identical inputs yield identical records.
type Reader struct {
	fs         afero.Fs
	discoverer DeviceDiscoverer
	cfg        ReaderConfig
	logger     *zap.Logger
}

// NewReader creates a Reader. discoverer may be nil to skip device
// discovery.
func NewReader(fs afero.Fs, discoverer DeviceDiscoverer, cfg ReaderConfig, logger *zap.Logger) *Reader {
	return &Reader{fs: fs, discoverer: discoverer, cfg: cfg.withDefaults(), logger: logger}
}

// linkInfo is the sysfs view of one network interface.
type linkInfo struct {
	operstate string
	adminUp   bool
	speedMbps *int
	rxBytes   *uint64
	txBytes   *uint64
}

func (l linkInfo) activity() LinkActivity {
	a := LinkActivity{Up: l.operstate == "up"}
	if l.rxBytes != nil {
		a.RxBytes = *l.rxBytes
	}
	if l.txBytes != nil {
		a.TxBytes = *l.txBytes
	}
	return a
}

func (r *Reader) ifaceDir(iface string) string {
	return path.Join(r.cfg.SysClassNet, iface)
}

func (r *Reader) hasInterface(iface string) bool {
	return hostio.IsDir(r.fs, r.ifaceDir(iface))
}

// readLink reads operstate, admin state, speed and byte counters. Missing
// attributes are left unset rather than failing the read.
func (r *Reader) readLink(iface string) linkInfo {
	dir := r.ifaceDir(iface)
	var l linkInfo

	l.operstate = "unknown"
	if s, err := hostio.ReadTrimmed(r.fs, path.Join(dir, "operstate")); err == nil && s != "" {
		l.operstate = s
	}

	if s, err := hostio.ReadTrimmed(r.fs, path.Join(dir, "flags")); err == nil {
		if flags, perr := strconv.ParseUint(s, 0, 32); perr == nil {
			l.adminUp = flags&unix.IFF_UP != 0
		} else {
			l.adminUp = l.operstate == "up" || l.operstate == "lowerlayerdown"
		}
	} else {
		l.adminUp = l.operstate == "up" || l.operstate == "lowerlayerdown"
	}

	if l.operstate == "up" {
		if v, err := hostio.ReadInt(r.fs, path.Join(dir, "speed")); err == nil && v >= 0 {
			speed := int(v)
			l.speedMbps = &speed
		}
	}

	l.rxBytes = r.readCounter(path.Join(dir, "statistics", "rx_bytes"))
	l.txBytes = r.readCounter(path.Join(dir, "statistics", "tx_bytes"))
	return l
}

func (r *Reader) readCounter(p string) *uint64 {
	v, err := hostio.ReadInt(r.fs, p)
	if err != nil || v < 0 {
		return nil
	}
	u := uint64(v)
	return &u
}

// readProcPSE returns the head of the /proc/pse stream without blocking
// the caller past the configured timeout.
func (r *Reader) readProcPSE(ctx context.Context) ([]string, error) {
	lines, err := hostio.ReadFileHeadTimeout(ctx, r.fs, r.cfg.ProcPSEPath, r.cfg.ProcPSEMaxLines, r.cfg.ProcPSETimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read %s: %w", r.cfg.ProcPSEPath, err)
	}
	return lines, nil
}

func (r *Reader) discover(ctx context.Context, iface string, link LinkActivity) *models.ConnectedDevice {
	if r.discoverer == nil {
		return nil
	}
	return r.discoverer.Discover(ctx, iface, link)
}
