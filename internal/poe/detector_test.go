package poe

import (
	"path"
	"slices"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/pkg/models"
)

func newTestDetector(fs afero.Fs) *Detector {
	return NewDetector(fs, DefaultDetectorPaths(), zap.NewNop())
}

func mustWrite(t *testing.T, fs afero.Fs, name, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, name, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func mustMkdir(t *testing.T, fs afero.Fs, name string) {
	t.Helper()
	if err := fs.MkdirAll(name, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", name, err)
	}
}

func addAddonGroup(t *testing.T, fs afero.Fs, id, ports int) {
	t.Helper()
	for p := range ports {
		mustMkdir(t, fs, path.Join("/proc", "pse"+strconv.Itoa(id), "port"+strconv.Itoa(p)))
	}
}

func addOnboard(t *testing.T, fs afero.Fs, ports ...int) {
	t.Helper()
	for _, p := range ports {
		mustMkdir(t, fs, path.Join("/proc/sys/net/ipv4/conf", "poe"+strconv.Itoa(p)))
	}
}

func TestDetectBoard(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, fs afero.Fs)
		want  models.BoardType
	}{
		{
			name:  "device tree interceptor",
			setup: func(t *testing.T, fs afero.Fs) { mustWrite(t, fs, "/proc/device-tree/chosen/board", "Interceptor-CM4\x00") },
			want:  models.BoardInterceptor,
		},
		{
			name:  "device tree other is cruiser",
			setup: func(t *testing.T, fs afero.Fs) { mustWrite(t, fs, "/proc/device-tree/chosen/board", "cruiser-cm5\n") },
			want:  models.BoardCruiser,
		},
		{
			name: "device tree wins over config.txt",
			setup: func(t *testing.T, fs afero.Fs) {
				mustWrite(t, fs, "/proc/device-tree/chosen/board", "interceptor")
				mustWrite(t, fs, "/boot/firmware/config.txt", "dtoverlay=cruiser-cm5\n")
			},
			want: models.BoardInterceptor,
		},
		{
			name: "empty device tree falls through",
			setup: func(t *testing.T, fs afero.Fs) {
				mustWrite(t, fs, "/proc/device-tree/chosen/board", "\x00")
				mustWrite(t, fs, "/boot/firmware/config.txt", "dtoverlay=cruiser-cm5\n")
			},
			want: models.BoardCruiser,
		},
		{
			name: "config.txt skips comments",
			setup: func(t *testing.T, fs afero.Fs) {
				mustWrite(t, fs, "/boot/firmware/config.txt", "# dtoverlay=cruiser-cm4\n[all]\n  dtoverlay=interceptor-cm4\n")
			},
			want: models.BoardInterceptor,
		},
		{
			name:  "serial device means cruiser",
			setup: func(t *testing.T, fs afero.Fs) { mustWrite(t, fs, "/dev/pse", "") },
			want:  models.BoardCruiser,
		},
		{
			name:  "proc pse means interceptor",
			setup: func(t *testing.T, fs afero.Fs) { mustWrite(t, fs, "/proc/pse", "") },
			want:  models.BoardInterceptor,
		},
		{
			name:  "nothing",
			setup: func(t *testing.T, fs afero.Fs) {},
			want:  models.BoardUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			tt.setup(t, fs)
			if got := newTestDetector(fs).DetectBoard(); got != tt.want {
				t.Errorf("DetectBoard() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectAddonGroups(t *testing.T) {
	fs := afero.NewMemMapFs()
	addAddonGroup(t, fs, 0, 8)
	addAddonGroup(t, fs, 1, 4)
	mustMkdir(t, fs, "/proc/pse2/port0") // beyond the probe bound

	got := newTestDetector(fs).DetectAddonGroups()
	want := []models.AddonGroup{{ID: 0, PortCount: 8}, {ID: 1, PortCount: 4}}
	if !slices.Equal(got, want) {
		t.Errorf("DetectAddonGroups() = %+v, want %+v", got, want)
	}
}

func TestDetectAddonGroups_EmptyGroupSkipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustMkdir(t, fs, "/proc/pse0")
	if got := newTestDetector(fs).DetectAddonGroups(); len(got) != 0 {
		t.Errorf("DetectAddonGroups() = %+v, want none", got)
	}
}

func TestDetectOnboardInterfaces(t *testing.T) {
	fs := afero.NewMemMapFs()
	addOnboard(t, fs, 10, 0, 2, 1, 16)
	mustMkdir(t, fs, "/proc/sys/net/ipv4/conf/eth0")

	got := newTestDetector(fs).DetectOnboardInterfaces()
	want := []string{"poe0", "poe1", "poe2", "poe10"}
	if !slices.Equal(got, want) {
		t.Errorf("DetectOnboardInterfaces() = %v, want %v", got, want)
	}
}

func TestDetect_InterceptorExcludesAddonInterfaces(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustWrite(t, fs, "/proc/device-tree/chosen/board", "interceptor")
	addAddonGroup(t, fs, 0, 8)
	addOnboard(t, fs, 0, 1, 2, 3, 4, 5, 6, 7, 8)

	caps := newTestDetector(fs).Detect()
	if caps.Board != models.BoardInterceptor {
		t.Fatalf("Board = %q", caps.Board)
	}
	if !slices.Equal(caps.OnboardInterfaces, []string{"poe8"}) {
		t.Errorf("OnboardInterfaces = %v, want [poe8]", caps.OnboardInterfaces)
	}
	if caps.TotalPorts() != 9 {
		t.Errorf("TotalPorts() = %d, want 9", caps.TotalPorts())
	}
}

func TestDetect_Cruiser(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustWrite(t, fs, "/boot/firmware/config.txt", "dtoverlay=cruiser-cm5\n")
	addOnboard(t, fs, 0, 1, 2, 3, 4, 5, 6, 7)

	caps := newTestDetector(fs).Detect()
	if caps.Board != models.BoardCruiser || len(caps.AddonGroups) != 0 || len(caps.OnboardInterfaces) != 8 {
		t.Errorf("caps = %+v", caps)
	}
	if caps.TotalPorts() != 8 {
		t.Errorf("TotalPorts() = %d, want 8", caps.TotalPorts())
	}
}
