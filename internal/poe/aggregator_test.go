package poe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/exaviz/poewatch/pkg/models"
)

type fakePortReader struct {
	addon   func(group, port int) (models.PortStatus, error)
	network func(iface string, telemetry map[SerialKey]SerialReading) (models.PortStatus, error)

	inflight atomic.Int32
	peak     atomic.Int32
}

func (r *fakePortReader) enter() func() {
	n := r.inflight.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { r.inflight.Add(-1) }
}

func (r *fakePortReader) ReadAddonPort(_ context.Context, group, port int) (models.PortStatus, error) {
	defer r.enter()()
	return r.addon(group, port)
}

func (r *fakePortReader) ReadNetworkPort(_ context.Context, iface string, telemetry map[SerialKey]SerialReading) (models.PortStatus, error) {
	defer r.enter()()
	return r.network(iface, telemetry)
}

type countingTelemetry struct {
	mu       sync.Mutex
	calls    int
	readings map[SerialKey]SerialReading
}

func (c *countingTelemetry) Capture(context.Context) map[SerialKey]SerialReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.readings
}

func okAddon(group, port int) (models.PortStatus, error) {
	return models.PortStatus{
		Port:      port,
		System:    models.PortSystemAddon,
		Available: true,
		State:     "power-on",
	}, nil
}

func TestReadAllAddonPorts(t *testing.T) {
	a := NewAggregator(&fakePortReader{addon: okAddon}, nil, 0, zap.NewNop())
	got := a.ReadAllAddonPorts(context.Background(), 0, 8)
	if len(got) != 8 {
		t.Fatalf("len = %d, want 8", len(got))
	}
	for i, st := range got {
		if st.Port != i {
			t.Errorf("result %d has port %d", i, st.Port)
		}
	}
}

func TestReadAllAddonPorts_FailureIsolation(t *testing.T) {
	tests := []struct {
		name      string
		fail      func() (models.PortStatus, error)
		wantError string
	}{
		{
			name:      "error",
			fail:      func() (models.PortStatus, error) { return models.PortStatus{}, errors.New("read /proc/pse: i/o error") },
			wantError: "read /proc/pse: i/o error",
		},
		{
			name:      "panic",
			fail:      func() (models.PortStatus, error) { panic("index out of range") },
			wantError: "port read panicked: index out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakePortReader{addon: func(group, port int) (models.PortStatus, error) {
				if port == 3 {
					return tt.fail()
				}
				return okAddon(group, port)
			}}
			got := NewAggregator(r, nil, 0, zap.NewNop()).ReadAllAddonPorts(context.Background(), 1, 5)
			if len(got) != 5 {
				t.Fatalf("len = %d, want 5", len(got))
			}
			for i, st := range got {
				if i == 3 {
					if st.State != models.StateError || st.Port != 3 || st.Error != tt.wantError {
						t.Errorf("port 3 = %+v", st)
					}
					continue
				}
				if st.State != "power-on" || !st.Available {
					t.Errorf("port %d affected by port 3: %+v", i, st)
				}
			}
		})
	}
}

func TestReadAllAddonPorts_ConcurrencyLimit(t *testing.T) {
	r := &fakePortReader{addon: func(group, port int) (models.PortStatus, error) {
		time.Sleep(10 * time.Millisecond)
		return okAddon(group, port)
	}}
	NewAggregator(r, nil, 2, zap.NewNop()).ReadAllAddonPorts(context.Background(), 0, 8)
	if p := r.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestReadAllOnboardPorts(t *testing.T) {
	key := LogicalToSerial(1)
	tel := &countingTelemetry{readings: map[SerialKey]SerialReading{key: {Key: key, Class: "2"}}}

	var seen sync.Map
	r := &fakePortReader{network: func(iface string, telemetry map[SerialKey]SerialReading) (models.PortStatus, error) {
		seen.Store(iface, len(telemetry))
		n, _ := OnboardPortNumber(iface)
		if iface == "poe2" {
			panic("boom")
		}
		return models.PortStatus{Port: n, Interface: iface, System: models.PortSystemOnboard, Available: true}, nil
	}}

	ifaces := []string{"poe0", "poe1", "poe2", "poe3"}
	got := NewAggregator(r, tel, 0, zap.NewNop()).ReadAllOnboardPorts(context.Background(), ifaces)

	if tel.calls != 1 {
		t.Errorf("telemetry captured %d times, want 1", tel.calls)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i, iface := range ifaces {
		if got[i].Interface != iface {
			t.Errorf("result %d interface = %q, want %q", i, got[i].Interface, iface)
		}
		n, ok := seen.Load(iface)
		if !ok || n.(int) != 1 {
			t.Errorf("%s read with telemetry size %v", iface, n)
		}
	}
	if got[2].State != models.StateError || got[2].Port != 2 || !strings.Contains(got[2].Error, "boom") {
		t.Errorf("poe2 = %+v", got[2])
	}
	if !got[3].Available {
		t.Error("poe3 affected by the poe2 panic")
	}
}

func TestReadAllOnboardPorts_NoTelemetrySource(t *testing.T) {
	r := &fakePortReader{network: func(iface string, telemetry map[SerialKey]SerialReading) (models.PortStatus, error) {
		if telemetry == nil {
			t.Error("reader got a nil telemetry map")
		}
		return models.PortStatus{Interface: iface}, nil
	}}
	got := NewAggregator(r, nil, 0, zap.NewNop()).ReadAllOnboardPorts(context.Background(), []string{"poe0"})
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
}
