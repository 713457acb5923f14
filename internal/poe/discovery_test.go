package poe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/capture"
	"github.com/exaviz/poewatch/internal/hostio/hostiotest"
	"github.com/exaviz/poewatch/internal/oui"
	"github.com/exaviz/poewatch/pkg/models"
)

type fakeCapturer struct {
	mu       sync.Mutex
	result   capture.Result
	err      error
	requests []capture.Request
}

func (c *fakeCapturer) Capture(_ context.Context, req capture.Request) (capture.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.result, c.err
}

func (c *fakeCapturer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeResolver map[string]string

func (r fakeResolver) LookupHostname(_ context.Context, ip string) *string {
	name, ok := r[ip]
	if !ok {
		return nil
	}
	return &name
}

type fakePinger struct {
	alive bool
	rtt   time.Duration
	pings []string
}

func (p *fakePinger) Ping(_ context.Context, ip string) (bool, time.Duration) {
	p.pings = append(p.pings, ip)
	return p.alive, p.rtt
}

// lldpTestFrame builds an Ethernet LLDP frame with a MAC chassis ID and a
// system name TLV.
func lldpTestFrame(sysName string) []byte {
	f := []byte{
		0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e,
		0x00, 0x04, 0x20, 0x11, 0x22, 0x33,
		0x88, 0xcc,
		0x02, 0x07, 0x04, 0x00, 0x04, 0x20, 0x11, 0x22, 0x33,
		0x04, 0x05, 0x05, 'e', 't', 'h', '0',
		0x06, 0x02, 0x00, 0x78,
	}
	f = append(f, 0x0a, byte(len(sysName)))
	f = append(f, sysName...)
	return append(f, 0x00, 0x00)
}

const (
	neighGeoVision = "192.168.1.100 lladdr 00:13:e2:1f:bc:b9 REACHABLE\n"
	neighVCS       = "192.168.1.101 lladdr 00:07:5f:aa:bb:cc STALE\n"
	neighUnknown   = "192.168.1.102 lladdr 02:aa:bb:cc:dd:ee DELAY\n"
	boschBroadcast = "\x00\x07\x5f\x01Bosch\x00FLEXIDOME IP 5000i\x00\x02fw 7.80"
)

func newTestDiscoverer(runner *hostiotest.Runner, c capture.Capturer, opts ...DiscovererOption) *Discoverer {
	return NewDiscoverer(runner, oui.NewTable(), fakeResolver{}, c, DiscoveryConfig{}, zap.NewNop(), opts...)
}

func TestParseNeighbor(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Neighbor
		wantOK bool
	}{
		{"ipv4 reachable", neighGeoVision, Neighbor{"192.168.1.100", "00:13:e2:1f:bc:b9", "REACHABLE"}, true},
		{"ipv4 lowercase state", "10.0.0.5 lladdr 00:13:e2:00:00:01 stale", Neighbor{"10.0.0.5", "00:13:e2:00:00:01", "STALE"}, true},
		{"failed ipv4 skipped", "10.0.0.5 FAILED\n", Neighbor{}, false},
		{
			"ipv4 preferred over ipv6",
			"fe80::1 lladdr 00:13:e2:00:00:02 REACHABLE\n10.0.0.6 lladdr 00:13:e2:00:00:03 DELAY\n",
			Neighbor{"10.0.0.6", "00:13:e2:00:00:03", "DELAY"},
			true,
		},
		{"ipv6 only", "fe80::1 lladdr 00:13:e2:00:00:02 PROBE\n", Neighbor{"fe80::1", "00:13:e2:00:00:02", "PROBE"}, true},
		{"empty", "", Neighbor{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseNeighbor(tt.output)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseNeighbor() = %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDiscover_Neighbor(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe2", neighGeoVision)
	c := &fakeCapturer{}
	d := NewDiscoverer(runner, oui.NewTable(), fakeResolver{"192.168.1.100": "cam-lobby"}, c, DiscoveryConfig{}, zap.NewNop())

	dev := d.Discover(context.Background(), "poe2", LinkActivity{Up: true, RxBytes: 50000})
	if dev == nil {
		t.Fatal("Discover returned nil")
	}
	if dev.IP != "192.168.1.100" || dev.MAC != "00:13:e2:1f:bc:b9" {
		t.Errorf("identity = %s/%s", dev.IP, dev.MAC)
	}
	if dev.Manufacturer != "GeoVision (Camera)" || dev.DeviceType != oui.DeviceTypeCamera {
		t.Errorf("vendor = %q type %q", dev.Manufacturer, dev.DeviceType)
	}
	if dev.Hostname == nil || *dev.Hostname != "cam-lobby" || dev.Name != "cam-lobby" {
		t.Errorf("hostname = %v name %q", dev.Hostname, dev.Name)
	}
	if dev.DetectionMethod != "neighbor table" || dev.NeighborState != "REACHABLE" {
		t.Errorf("method %q state %q", dev.DetectionMethod, dev.NeighborState)
	}
	if c.count() != 0 {
		t.Error("captured traffic for an identified vendor")
	}
}

func TestDiscover_NeighborNoHostname(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe2", neighGeoVision)
	d := newTestDiscoverer(runner, nil)

	dev := d.Discover(context.Background(), "poe2", LinkActivity{Up: true})
	if dev == nil {
		t.Fatal("Discover returned nil")
	}
	if dev.Hostname != nil || dev.Name != "Device on poe2" {
		t.Errorf("hostname %v name %q", dev.Hostname, dev.Name)
	}
}

func TestDiscover_NothingFound(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe3", "")
	c := &fakeCapturer{result: capture.Result{Text: []byte(boschBroadcast)}}
	d := newTestDiscoverer(runner, c)

	if dev := d.Discover(context.Background(), "poe3", LinkActivity{Up: true, RxBytes: 999, TxBytes: 10}); dev != nil {
		t.Errorf("Discover = %+v, want nil below the traffic threshold", dev)
	}
	if dev := d.Discover(context.Background(), "poe3", LinkActivity{Up: false, RxBytes: 1 << 20}); dev != nil {
		t.Errorf("Discover = %+v, want nil on a down link", dev)
	}
	if c.count() != 0 {
		t.Errorf("captured %d times, want 0", c.count())
	}
}

func TestDiscover_BoschWithoutNeighbor(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe2", "")
	c := &fakeCapturer{result: capture.Result{Text: []byte(boschBroadcast)}}
	d := newTestDiscoverer(runner, c)

	dev := d.Discover(context.Background(), "poe2", LinkActivity{Up: true, RxBytes: 4096})
	if dev == nil {
		t.Fatal("Discover returned nil")
	}
	if dev.IP != models.NotApplicableProprietary || dev.MAC != models.NotApplicableProprietary {
		t.Errorf("identity = %q/%q, want N/A markers", dev.IP, dev.MAC)
	}
	if dev.Manufacturer != "Bosch Security Systems" || dev.DeviceType != "Camera" {
		t.Errorf("vendor %q type %q", dev.Manufacturer, dev.DeviceType)
	}
	if dev.Model != "FLEXIDOME IP 5000i" || dev.Name != "FLEXIDOME IP 5000i on poe2" {
		t.Errorf("model %q name %q", dev.Model, dev.Name)
	}
	if dev.DetectionMethod != "Bosch proprietary protocol" {
		t.Errorf("method %q", dev.DetectionMethod)
	}
	if c.count() != 1 || c.requests[0].Interface != "poe2" {
		t.Errorf("capture requests = %+v", c.requests)
	}
}

func TestDiscover_AmbiguousVendorProbes(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe1", neighVCS)
	c := &fakeCapturer{result: capture.Result{Text: []byte(boschBroadcast)}}
	d := newTestDiscoverer(runner, c)

	// The link is down: the ambiguous vendor alone triggers the probe.
	dev := d.Discover(context.Background(), "poe1", LinkActivity{})
	if dev == nil {
		t.Fatal("Discover returned nil")
	}
	if dev.IP != "192.168.1.101" || dev.MAC != "00:07:5f:aa:bb:cc" {
		t.Errorf("neighbor identity lost: %s/%s", dev.IP, dev.MAC)
	}
	if dev.Manufacturer != "Bosch Security Systems" || dev.Model != "FLEXIDOME IP 5000i" {
		t.Errorf("manufacturer %q model %q", dev.Manufacturer, dev.Model)
	}
}

func TestDiscover_UnknownVendorProbesOnlyWhenUp(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe1", neighUnknown)
	c := &fakeCapturer{}
	d := newTestDiscoverer(runner, c)

	dev := d.Discover(context.Background(), "poe1", LinkActivity{})
	if dev == nil || dev.Manufacturer != oui.Unknown {
		t.Fatalf("Discover = %+v", dev)
	}
	if c.count() != 0 {
		t.Error("probed an unknown vendor on a down link")
	}

	d.Discover(context.Background(), "poe1", LinkActivity{Up: true})
	if c.count() != 1 {
		t.Errorf("captured %d times, want 1", c.count())
	}
}

func TestDiscover_CaptureFailureKeepsNeighbor(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe1", neighVCS)
	c := &fakeCapturer{err: errors.New("tcpdump: permission denied")}
	d := newTestDiscoverer(runner, c)

	dev := d.Discover(context.Background(), "poe1", LinkActivity{Up: true})
	if dev == nil {
		t.Fatal("Discover returned nil")
	}
	if dev.Manufacturer != "VCS Video Communication Systems (Camera)" || dev.DetectionMethod != "neighbor table" {
		t.Errorf("device = %+v", dev)
	}
}

func TestDiscover_LLDP(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe4", "")
	c := &fakeCapturer{result: capture.Result{Frames: [][]byte{lldpTestFrame("ap-roof")}}}
	d := newTestDiscoverer(runner, c)

	dev := d.Discover(context.Background(), "poe4", LinkActivity{Up: true, TxBytes: 2000})
	if dev == nil {
		t.Fatal("Discover returned nil")
	}
	if dev.MAC != "00:04:20:11:22:33" || dev.IP != models.NotApplicableProprietary {
		t.Errorf("identity = %q/%q", dev.IP, dev.MAC)
	}
	if dev.Hostname == nil || *dev.Hostname != "ap-roof" || dev.Name != "ap-roof" {
		t.Errorf("hostname %v name %q", dev.Hostname, dev.Name)
	}
	if dev.DetectionMethod != "LLDP" {
		t.Errorf("method %q", dev.DetectionMethod)
	}
}

func TestDiscover_LookupFailure(t *testing.T) {
	runner := hostiotest.NewRunner() // ip exits 127
	d := newTestDiscoverer(runner, nil)
	if dev := d.Discover(context.Background(), "poe0", LinkActivity{Up: true, RxBytes: 1 << 20}); dev != nil {
		t.Errorf("Discover = %+v, want nil", dev)
	}
}

func TestDiscover_Ping(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe2", neighGeoVision)
	p := &fakePinger{alive: true, rtt: 3 * time.Millisecond}
	d := newTestDiscoverer(runner, nil, WithPinger(p))

	dev := d.Discover(context.Background(), "poe2", LinkActivity{Up: true})
	if dev == nil || dev.Reachable == nil || !*dev.Reachable {
		t.Fatalf("Reachable not set: %+v", dev)
	}
	if dev.RTT == nil || *dev.RTT != 3*time.Millisecond {
		t.Errorf("RTT = %v", dev.RTT)
	}
	if len(p.pings) != 1 || p.pings[0] != "192.168.1.100" {
		t.Errorf("pings = %v", p.pings)
	}
}

func TestDiscover_NoPingForProprietaryDevice(t *testing.T) {
	runner := hostiotest.NewRunner().On("ip neigh show dev poe2", "")
	c := &fakeCapturer{result: capture.Result{Text: []byte(boschBroadcast)}}
	p := &fakePinger{alive: true}
	d := newTestDiscoverer(runner, c, WithPinger(p))

	dev := d.Discover(context.Background(), "poe2", LinkActivity{Up: true, RxBytes: 4096})
	if dev == nil {
		t.Fatal("Discover returned nil")
	}
	if len(p.pings) != 0 || dev.Reachable != nil {
		t.Errorf("pinged a device without an IP: %v", p.pings)
	}
}
