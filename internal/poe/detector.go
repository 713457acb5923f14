package poe

import (
	"bufio"
	"bytes"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/exaviz/poewatch/pkg/models"
)

// DetectorPaths locates the files board detection probes.
type DetectorPaths struct {
	DeviceTreeBoard string
	ConfigTxt       string
	SerialDevice    string
	ProcPSE         string
	ProcRoot        string
	NetConf         string
}

// DefaultDetectorPaths returns the paths used on a real board.
func DefaultDetectorPaths() DetectorPaths {
	return DetectorPaths{
		DeviceTreeBoard: "/proc/device-tree/chosen/board",
		ConfigTxt:       "/boot/firmware/config.txt",
		SerialDevice:    "/dev/pse",
		ProcPSE:         DefaultProcPSEPath,
		ProcRoot:        "/proc",
		NetConf:         "/proc/sys/net/ipv4/conf",
	}
}

// Probe bounds. Groups and interfaces are probed by index, never by
// directory listing.
const (
	maxAddonGroups       = 2
	maxOnboardInterfaces = 16
)

// Detector determines the board variant and the ports it exposes.
type Detector struct {
	fs     afero.Fs
	paths  DetectorPaths
	logger *zap.Logger
}

// NewDetector creates a Detector.
func NewDetector(fs afero.Fs, paths DetectorPaths, logger *zap.Logger) *Detector {
	return &Detector{fs: fs, paths: paths, logger: logger}
}

// Detect runs board, add-on and onboard detection and reconciles the
// results so that no port is counted twice.
func (d *Detector) Detect() models.BoardCapabilities {
	caps := models.BoardCapabilities{
		Board:             d.DetectBoard(),
		AddonGroups:       d.DetectAddonGroups(),
		OnboardInterfaces: d.DetectOnboardInterfaces(),
	}

	// On Interceptor the add-on driver creates poe{N*8+M} itself; those
	// interfaces are add-on ports, not onboard ones.
	if caps.Board == models.BoardInterceptor && len(caps.AddonGroups) > 0 {
		addon := make(map[string]struct{})
		for _, g := range caps.AddonGroups {
			for port := range addonPortsPerGroup {
				addon[AddonInterface(g.ID, port)] = struct{}{}
			}
		}
		caps.OnboardInterfaces = slices.DeleteFunc(caps.OnboardInterfaces, func(iface string) bool {
			_, ok := addon[iface]
			return ok
		})
	}

	d.logger.Info("PoE detection complete",
		zap.String("board", string(caps.Board)),
		zap.Int("total_ports", caps.TotalPorts()),
		zap.Int("addon_groups", len(caps.AddonGroups)),
		zap.Int("onboard_ports", len(caps.OnboardInterfaces)),
	)
	return caps
}

// DetectBoard tries the device tree, then config.txt, then the PSE device
// paths. The first tier that answers wins.
func (d *Detector) DetectBoard() models.BoardType {
	tiers := []struct {
		name string
		fn   func() (models.BoardType, bool)
	}{
		{"device tree", d.fromDeviceTree},
		{"config.txt", d.fromConfigTxt},
		{"pse device", d.fromPSEPaths},
	}
	for _, tier := range tiers {
		if board, ok := tier.fn(); ok {
			d.logger.Info("detected board", zap.String("board", string(board)), zap.String("via", tier.name))
			return board
		}
	}
	d.logger.Warn("board type could not be determined; is exaviz-dkms installed?",
		zap.String("device_tree", d.paths.DeviceTreeBoard),
		zap.String("config_txt", d.paths.ConfigTxt),
	)
	return models.BoardUnknown
}

func (d *Detector) fromDeviceTree() (models.BoardType, bool) {
	name, err := hostio.ReadTrimmed(d.fs, d.paths.DeviceTreeBoard)
	if err != nil {
		d.logger.Debug("device tree board not readable", zap.Error(err))
		return "", false
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", false
	}
	if strings.HasPrefix(name, "interceptor") {
		return models.BoardInterceptor, true
	}
	return models.BoardCruiser, true
}

func (d *Detector) fromConfigTxt() (models.BoardType, bool) {
	data, err := afero.ReadFile(d.fs, d.paths.ConfigTxt)
	if err != nil {
		d.logger.Debug("config.txt not readable", zap.Error(err))
		return "", false
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "dtoverlay=cruiser-"):
			return models.BoardCruiser, true
		case strings.HasPrefix(line, "dtoverlay=interceptor-"):
			return models.BoardInterceptor, true
		}
	}
	return "", false
}

func (d *Detector) fromPSEPaths() (models.BoardType, bool) {
	switch {
	case hostio.Exists(d.fs, d.paths.SerialDevice):
		return models.BoardCruiser, true
	case hostio.Exists(d.fs, d.paths.ProcPSE):
		return models.BoardInterceptor, true
	}
	return "", false
}

// DetectAddonGroups probes /proc/pse0 and /proc/pse1. A group counts only
// if it has at least one port directory.
func (d *Detector) DetectAddonGroups() []models.AddonGroup {
	var groups []models.AddonGroup
	for id := range maxAddonGroups {
		dir := path.Join(d.paths.ProcRoot, "pse"+strconv.Itoa(id))
		if !hostio.IsDir(d.fs, dir) {
			continue
		}
		ports := 0
		for p := range addonPortsPerGroup {
			if hostio.IsDir(d.fs, path.Join(dir, "port"+strconv.Itoa(p))) {
				ports++
			}
		}
		if ports == 0 {
			continue
		}
		d.logger.Info("detected add-on PoE board", zap.Int("group", id), zap.Int("ports", ports))
		groups = append(groups, models.AddonGroup{ID: id, PortCount: ports})
	}
	return groups
}

// DetectOnboardInterfaces probes poe0..poe15 under the IPv4 conf tree and
// returns them in port order.
func (d *Detector) DetectOnboardInterfaces() []string {
	var ifaces []string
	for i := range maxOnboardInterfaces {
		name := "poe" + strconv.Itoa(i)
		if hostio.IsDir(d.fs, path.Join(d.paths.NetConf, name)) {
			ifaces = append(ifaces, name)
		}
	}
	if len(ifaces) == 0 {
		d.logger.Debug("no onboard PoE interfaces found", zap.String("path", d.paths.NetConf))
	}
	return ifaces
}
