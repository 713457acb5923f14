package poe

import (
	"context"
	"net"
	"regexp"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/capture"
	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/exaviz/poewatch/internal/oui"
	"github.com/exaviz/poewatch/pkg/models"
)

// VendorLookup resolves a MAC address to a vendor name. It never fails;
// unknown prefixes resolve to oui.Unknown.
type VendorLookup interface {
	Lookup(mac string) string
}

// HostnameResolver resolves an IP address to a hostname, or nil.
type HostnameResolver interface {
	LookupHostname(ctx context.Context, ip string) *string
}

// Pinger checks whether an address answers ICMP echo.
type Pinger interface {
	Ping(ctx context.Context, ip string) (alive bool, rtt time.Duration)
}

// Neighbor is one usable entry from the kernel neighbor table.
type Neighbor struct {
	IP    string
	MAC   string
	State string
}

var (
	neighborIPv4 = regexp.MustCompile(`(?i)(\d+\.\d+\.\d+\.\d+)\s+lladdr\s+([\da-f:]+)\s+(REACHABLE|STALE|DELAY)`)
	neighborIPv6 = regexp.MustCompile(`(?i)([\da-f:]+)\s+lladdr\s+([\da-f:]+)\s+(REACHABLE|STALE|DELAY|PROBE|INCOMPLETE|FAILED)`)
)

// ParseNeighbor extracts the first usable entry from `ip neigh show dev X`
// output. IPv4 entries are preferred over IPv6.
func ParseNeighbor(output string) (Neighbor, bool) {
	if m := neighborIPv4.FindStringSubmatch(output); m != nil {
		return Neighbor{IP: m[1], MAC: m[2], State: strings.ToUpper(m[3])}, true
	}
	if m := neighborIPv6.FindStringSubmatch(output); m != nil && strings.Count(m[1], ":") >= 2 {
		return Neighbor{IP: m[1], MAC: m[2], State: strings.ToUpper(m[3])}, true
	}
	return Neighbor{}, false
}

// LinkActivity is the link state the probe triggers depend on.
type LinkActivity struct {
	Up      bool
	RxBytes uint64
	TxBytes uint64
}

// ambiguousVendorPrefix is the OUI owner shared by Bosch cameras, whose
// identity only shows in their proprietary discovery broadcasts.
const ambiguousVendorPrefix = "VCS Video Communication Systems"

// DiscoveryConfig tunes the enricher.
type DiscoveryConfig struct {
	MinTrafficBytes uint64
	CapturePackets  int
	CaptureTimeout  time.Duration
	NeighborTimeout time.Duration
}

// Discoverer identifies the device connected to a port.
type Discoverer struct {
	runner     hostio.Runner
	vendors    VendorLookup
	hostnames  HostnameResolver
	capturer   capture.Capturer
	signatures SignatureSet
	pinger     Pinger
	cfg        DiscoveryConfig
	logger     *zap.Logger
}

// DiscovererOption customizes a Discoverer.
type DiscovererOption func(*Discoverer)

// WithPinger enables ICMP reachability checks of discovered devices.
func WithPinger(p Pinger) DiscovererOption {
	return func(d *Discoverer) { d.pinger = p }
}

// WithSignatures replaces the built-in signature set.
func WithSignatures(s SignatureSet) DiscovererOption {
	return func(d *Discoverer) { d.signatures = s }
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(
	runner hostio.Runner,
	vendors VendorLookup,
	hostnames HostnameResolver,
	capturer capture.Capturer,
	cfg DiscoveryConfig,
	logger *zap.Logger,
	opts ...DiscovererOption,
) *Discoverer {
	if cfg.MinTrafficBytes == 0 {
		cfg.MinTrafficBytes = 1000
	}
	if cfg.NeighborTimeout <= 0 {
		cfg.NeighborTimeout = 5 * time.Second
	}
	d := &Discoverer{
		runner:     runner,
		vendors:    vendors,
		hostnames:  hostnames,
		capturer:   capturer,
		signatures: DefaultSignatures(),
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover returns the connected device on iface, or nil when nothing can
// be identified. Lookup failures and capture timeouts are never errors.
func (d *Discoverer) Discover(ctx context.Context, iface string, link LinkActivity) *models.ConnectedDevice {
	var dev *models.ConnectedDevice
	nb, found := d.lookupNeighbor(ctx, iface)
	if found {
		dev = d.fromNeighbor(ctx, iface, nb)
	}

	if d.shouldProbe(found, dev, link) {
		dev = d.probe(ctx, iface, dev)
	}

	if dev != nil && d.pinger != nil && net.ParseIP(dev.IP) != nil {
		alive, rtt := d.pinger.Ping(ctx, dev.IP)
		dev.Reachable = &alive
		if alive {
			dev.RTT = &rtt
		}
	}
	return dev
}

func (d *Discoverer) lookupNeighbor(ctx context.Context, iface string) (Neighbor, bool) {
	res, err := d.runner.Run(ctx, hostio.Command{
		Args:    []string{"ip", "neigh", "show", "dev", iface},
		Timeout: d.cfg.NeighborTimeout,
	})
	if err != nil || res.ExitCode != 0 {
		d.logger.Debug("neighbor lookup failed",
			zap.String("interface", iface),
			zap.Int("exit_code", res.ExitCode),
			zap.Error(err),
		)
		return Neighbor{}, false
	}
	return ParseNeighbor(string(res.Stdout))
}

func (d *Discoverer) fromNeighbor(ctx context.Context, iface string, nb Neighbor) *models.ConnectedDevice {
	vendor := d.vendors.Lookup(nb.MAC)
	dev := &models.ConnectedDevice{
		Name:            "Device on " + iface,
		IP:              nb.IP,
		MAC:             nb.MAC,
		Manufacturer:    vendor,
		DeviceType:      oui.ClassifyByManufacturer(vendor),
		DetectionMethod: "neighbor table",
		NeighborState:   nb.State,
	}
	if d.hostnames != nil {
		dev.Hostname = d.hostnames.LookupHostname(ctx, nb.IP)
	}
	if dev.Hostname != nil {
		dev.Name = *dev.Hostname
	}
	return dev
}

// shouldProbe applies the two capture triggers: traffic without a neighbor
// entry, or a neighbor whose vendor does not identify the device.
func (d *Discoverer) shouldProbe(found bool, dev *models.ConnectedDevice, link LinkActivity) bool {
	if d.capturer == nil {
		return false
	}
	if !found {
		return link.Up && (link.RxBytes > d.cfg.MinTrafficBytes || link.TxBytes > d.cfg.MinTrafficBytes)
	}
	if strings.HasPrefix(dev.Manufacturer, ambiguousVendorPrefix) {
		return true
	}
	return dev.Manufacturer == oui.Unknown && link.Up
}

func (d *Discoverer) probe(ctx context.Context, iface string, dev *models.ConnectedDevice) *models.ConnectedDevice {
	res, err := d.capturer.Capture(ctx, capture.Request{
		Interface:   iface,
		PacketCount: d.cfg.CapturePackets,
		Timeout:     d.cfg.CaptureTimeout,
	})
	if err != nil {
		d.logger.Debug("packet capture failed", zap.String("interface", iface), zap.Error(err))
		return dev
	}
	if res.Empty() {
		return dev
	}

	if m, ok := d.signatures.Match(res.Text); ok {
		d.logger.Info("device identified from capture",
			zap.String("interface", iface),
			zap.String("signature", m.Signature),
			zap.String("model", m.Model),
		)
		if dev == nil {
			dev = &models.ConnectedDevice{
				IP:  models.NotApplicableProprietary,
				MAC: models.NotApplicableProprietary,
			}
		}
		dev.Name = m.Model + " on " + iface
		dev.Manufacturer = m.Manufacturer
		dev.Model = m.Model
		dev.DeviceType = m.DeviceType
		dev.DetectionMethod = m.DetectionMethod
		return dev
	}

	lldp, ok := capture.FirstLLDP(res.Frames)
	if !ok {
		return dev
	}
	return applyLLDP(iface, dev, lldp)
}

func applyLLDP(iface string, dev *models.ConnectedDevice, nb capture.Neighbor) *models.ConnectedDevice {
	if dev == nil {
		dev = &models.ConnectedDevice{
			Name:            "Device on " + iface,
			IP:              models.NotApplicableProprietary,
			MAC:             nb.ChassisID,
			Manufacturer:    oui.Unknown,
			DeviceType:      oui.DeviceTypeUnknown,
			DetectionMethod: "LLDP",
		}
	}
	if nb.SystemName != "" && dev.Hostname == nil {
		name := nb.SystemName
		dev.Hostname = &name
		dev.Name = name
	}
	if dev.Model == "" {
		dev.Model = nb.SystemDescription
	}
	return dev
}

// DNSResolver resolves hostnames by reverse DNS with a per-lookup timeout.
type DNSResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewDNSResolver creates a resolver using the system resolver.
func NewDNSResolver(timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DNSResolver{resolver: net.DefaultResolver, timeout: timeout}
}

// LookupHostname returns the first PTR name for ip, or nil.
func (r *DNSResolver) LookupHostname(ctx context.Context, ip string) *string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names, err := r.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return nil
	}
	name := strings.TrimSuffix(names[0], ".")
	if name == "" || name == ip {
		return nil
	}
	return &name
}

// ICMPPinger sends a single echo request per check.
type ICMPPinger struct {
	timeout    time.Duration
	privileged bool
}

// NewICMPPinger creates a pinger. Unprivileged mode needs
// net.ipv4.ping_group_range to include the agent's group.
func NewICMPPinger(timeout time.Duration, privileged bool) *ICMPPinger {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ICMPPinger{timeout: timeout, privileged: privileged}
}

// Ping reports whether ip answered and the round-trip time.
func (p *ICMPPinger) Ping(ctx context.Context, ip string) (bool, time.Duration) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false, 0
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, 0
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return false, 0
	}
	return true, stats.AvgRtt
}
