package poe

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/pkg/models"
)

func writeProcPSE(t *testing.T, fs afero.Fs, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, DefaultProcPSEPath, []byte(content), 0o444); err != nil {
		t.Fatalf("write /proc/pse: %v", err)
	}
}

func TestReadAddonPort(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProcPSE(t, fs, procPSESample)
	writeIface(t, fs, "poe0", upLink())
	d := &fakeDiscoverer{}
	r := newTestReader(fs, d)

	st, err := r.ReadAddonPort(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ReadAddonPort: %v", err)
	}
	want := models.PortStatus{
		Port:                0,
		Interface:           "poe0",
		System:              models.PortSystemAddon,
		Available:           true,
		HardwareState:       "power-on",
		State:               "power-on",
		AdminEnabled:        true,
		PowerWatts:          2.85,
		AllocatedPowerWatts: 15.4,
		VoltageVolts:        47.94,
		CurrentMilliamps:    59,
		TemperatureCelsius:  33.1,
		PoEClass:            "0",
	}
	if st != want {
		t.Errorf("ReadAddonPort =\n%+v\nwant\n%+v", st, want)
	}
	if _, ok := d.called("poe0"); !ok {
		t.Error("discovery did not run for an existing interface")
	}
}

func TestReadAddonPort_States(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProcPSE(t, fs, procPSESample)
	r := newTestReader(fs, nil)

	tests := []struct {
		group, port int
		wantState   string
		wantEnabled bool
		wantDisplay models.DisplayState
	}{
		{0, 1, "backoff", true, models.DisplayEmpty},
		{0, 2, "start detection", true, models.DisplayEmpty},
		{0, 3, "disabled", false, models.DisplayDisabled},
		{1, 0, "power-on", true, models.DisplayActive},
	}
	for _, tt := range tests {
		st, err := r.ReadAddonPort(context.Background(), tt.group, tt.port)
		if err != nil {
			t.Fatalf("ReadAddonPort(%d, %d): %v", tt.group, tt.port, err)
		}
		if st.State != tt.wantState || st.AdminEnabled != tt.wantEnabled {
			t.Errorf("%d-%d: State = %q AdminEnabled = %v", tt.group, tt.port, st.State, st.AdminEnabled)
		}
		if got := DisplayStateOf(st.State); got != tt.wantDisplay {
			t.Errorf("%d-%d: display = %q, want %q", tt.group, tt.port, got, tt.wantDisplay)
		}
		if st.Interface != "" {
			t.Errorf("%d-%d: Interface = %q without a sysfs entry", tt.group, tt.port, st.Interface)
		}
	}
}

func TestReadAddonPort_Missing(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeProcPSE(t, fs, procPSESample)
	writeIface(t, fs, "poe1-5", nil)
	d := &fakeDiscoverer{}
	r := newTestReader(fs, d)

	st, err := r.ReadAddonPort(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("ReadAddonPort: %v", err)
	}
	if st.Available || st.State != models.StateUnavailable {
		t.Errorf("State = %q Available = %v, want unavailable", st.State, st.Available)
	}
	if st.Interface != "poe1-5" {
		t.Errorf("Interface = %q, want the legacy name", st.Interface)
	}
	if st.PoEClass != models.UnknownClass || st.AllocatedPowerWatts != 15.4 {
		t.Errorf("class %q allocated %v", st.PoEClass, st.AllocatedPowerWatts)
	}
	if _, ok := d.called("poe1-5"); ok {
		t.Error("discovery ran for an unavailable port")
	}
}

func TestReadAddonPort_NoProcPSE(t *testing.T) {
	r := newTestReader(afero.NewMemMapFs(), nil)
	if _, err := r.ReadAddonPort(context.Background(), 0, 0); err == nil {
		t.Error("expected an error when /proc/pse is missing")
	}
}

func TestReadAddonPort_EndlessStream(t *testing.T) {
	sfs := &streamFs{
		Fs:   afero.NewMemMapFs(),
		path: DefaultProcPSEPath,
		open: func() afero.File {
			return &repeatingFile{line: []byte("0-4: power-on 0 15.50 47.9375 0.05950/0.80000 33.1250/150.0000\n")}
		},
	}
	r := NewReader(sfs, nil, ReaderConfig{ProcPSEMaxLines: 10, ProcPSETimeout: 5 * time.Second}, zap.NewNop())

	done := make(chan struct{})
	var (
		st  models.PortStatus
		err error
	)
	go func() {
		defer close(done)
		st, err = r.ReadAddonPort(context.Background(), 0, 4)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ReadAddonPort did not return on an endless stream")
	}
	if err != nil {
		t.Fatalf("ReadAddonPort: %v", err)
	}
	if st.State != "power-on" || st.PowerWatts != 2.85 {
		t.Errorf("port = %+v", st)
	}
}

func TestReadAddonPort_StalledStream(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	sfs := &streamFs{
		Fs:   afero.NewMemMapFs(),
		path: DefaultProcPSEPath,
		open: func() afero.File { return &blockingFile{release: release} },
	}
	r := NewReader(sfs, nil, ReaderConfig{ProcPSETimeout: 50 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	_, err := r.ReadAddonPort(context.Background(), 0, 0)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want a timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %s to time out", elapsed)
	}
}

func TestReadAddonPort_StalledStreamReleased(t *testing.T) {
	var closes, reading atomic.Int32
	sfs := &streamFs{
		Fs:   afero.NewMemMapFs(),
		path: DefaultProcPSEPath,
		open: func() afero.File { return newStallingFile(&closes, &reading) },
	}
	r := NewReader(sfs, nil, ReaderConfig{ProcPSETimeout: 20 * time.Millisecond}, zap.NewNop())

	const reads = 20
	for i := 0; i < reads; i++ {
		if _, err := r.ReadAddonPort(context.Background(), 0, i%8); err == nil {
			t.Fatal("expected a timeout")
		}
	}
	if got := closes.Load(); got != reads {
		t.Errorf("files closed = %d, want %d", got, reads)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reading.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := reading.Load(); n != 0 {
		t.Errorf("%d reads still blocked after timeout", n)
	}
}

func TestReadAddonPort_Cancelled(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	sfs := &streamFs{
		Fs:   afero.NewMemMapFs(),
		path: DefaultProcPSEPath,
		open: func() afero.File { return &blockingFile{release: release} },
	}
	r := NewReader(sfs, nil, ReaderConfig{ProcPSETimeout: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.ReadAddonPort(ctx, 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
