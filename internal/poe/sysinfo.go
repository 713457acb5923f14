package poe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/exaviz/poewatch/internal/hostio"
	"github.com/exaviz/poewatch/pkg/models"
)

// SysInfoPaths locates the files system info gathering reads.
type SysInfoPaths struct {
	Compatible      string
	MemInfo         string
	SysClassNet     string
	SysBlock        string
	OSRelease       string
	DeviceTreeBoard string
	ProcPSE         string
}

// DefaultSysInfoPaths returns the paths used on a real board.
func DefaultSysInfoPaths() SysInfoPaths {
	return SysInfoPaths{
		Compatible:      "/proc/device-tree/compatible",
		MemInfo:         "/proc/meminfo",
		SysClassNet:     DefaultSysClassNet,
		SysBlock:        "/sys/block",
		OSRelease:       "/etc/os-release",
		DeviceTreeBoard: "/proc/device-tree/chosen/board",
		ProcPSE:         DefaultProcPSEPath,
	}
}

// FirmwareQuerier sends a command to the board firmware and returns its
// response. *SerialSource implements it.
type FirmwareQuerier interface {
	Query(ctx context.Context, command string) (string, error)
}

// SysInfoGatherer collects static board, OS and driver information. It
// runs once at setup; nothing it reads changes while the agent runs.
type SysInfoGatherer struct {
	fs       afero.Fs
	runner   hostio.Runner
	firmware FirmwareQuerier
	paths    SysInfoPaths
	version  string
	logger   *zap.Logger
	now      func() time.Time
}

// NewSysInfoGatherer creates a gatherer. firmware may be nil on boards
// without an ESP32.
func NewSysInfoGatherer(fs afero.Fs, runner hostio.Runner, firmware FirmwareQuerier, paths SysInfoPaths, version string, logger *zap.Logger) *SysInfoGatherer {
	return &SysInfoGatherer{
		fs:       fs,
		runner:   runner,
		firmware: firmware,
		paths:    paths,
		version:  version,
		logger:   logger,
		now:      time.Now,
	}
}

var computeModules = map[string]string{
	"raspberrypi,5-compute-module": "Raspberry Pi CM5",
	"raspberrypi,4-compute-module": "Raspberry Pi CM4",
	"raspberrypi,3-compute-module": "Raspberry Pi CM3",
}

// titleCase is per call since a cases.Caser keeps state.
func titleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// Gather reads everything it can. Missing sources leave their fields empty.
func (g *SysInfoGatherer) Gather(ctx context.Context, board models.BoardType) models.SystemInfo {
	info := models.SystemInfo{AgentVersion: g.version, GatheredAt: g.now().UTC()}

	gen := ""
	if raw, err := afero.ReadFile(g.fs, g.paths.Compatible); err == nil {
		info.ComputeModule, gen = ParseComputeModule(raw)
	}
	if gen != "" {
		g.fillCMModel(&info, gen)
	}

	info.OSVersion = g.prettyName()
	info.KernelVersion = g.output(ctx, "uname", "-r")
	g.fillPackageVersions(ctx, &info)

	switch board {
	case models.BoardCruiser:
		info.PoEController = "TPS23861 (Texas Instruments)"
	case models.BoardInterceptor:
		info.PoEController = "IP808AR (IC Plus)"
	}

	if g.firmware != nil {
		if out, err := g.firmware.Query(ctx, "info"); err == nil {
			ApplyFirmwareInfo(&info, out)
		} else {
			g.logger.Debug("ESP32 info query failed", zap.Error(err))
		}
	}
	if info.FirmwareVersion == "" {
		g.fillProcPSEHeader(ctx, &info)
	}
	if info.BoardModel == "" && board != models.BoardUnknown && board != "" {
		info.BoardModel = titleCase(string(board))
	}
	if info.BoardSerial == "" {
		if id, err := hostio.ReadTrimmed(g.fs, g.paths.DeviceTreeBoard); err == nil {
			info.BoardIdentifier = id
		}
	}

	g.logger.Info("gathered system info",
		zap.String("compute_module", info.ComputeModule),
		zap.String("cm_model", info.CMModel),
		zap.String("kernel", info.KernelVersion),
		zap.String("firmware", info.FirmwareVersion),
	)
	return info
}

// ParseComputeModule names the compute module from the NUL-separated
// device tree compatible list and returns its generation ("3", "4", "5")
// when known.
func ParseComputeModule(raw []byte) (name, gen string) {
	var first string
	for _, e := range bytes.Split(raw, []byte{0}) {
		if s := strings.TrimSpace(string(e)); s != "" {
			first = s
			break
		}
	}
	if first == "" {
		return "Unknown", ""
	}
	for _, g := range []string{"5", "4", "3"} {
		if strings.Contains(first, g+"-compute-module") {
			gen = g
			break
		}
	}
	if n, ok := computeModules[first]; ok {
		return n, gen
	}
	r := strings.NewReplacer(",", " ", "-", " ")
	return titleCase(r.Replace(first)), gen
}

var ramTiersGB = []int{1, 2, 4, 8, 16}

// RAMTierGB rounds MemTotal (kB) up to the nearest module RAM size. The
// kernel reports less than the physical amount.
func RAMTierGB(memTotalKB int64) int {
	gb := float64(memTotalKB) / (1024 * 1024)
	for _, tier := range ramTiersGB {
		if gb <= float64(tier) {
			return tier
		}
	}
	return ramTiersGB[len(ramTiersGB)-1]
}

var emmcTiersGB = []int{8, 16, 32, 64, 128, 256}

// EMMCTierGB rounds a block device size in 512-byte sectors to the nearest
// standard eMMC capacity, allowing 10% over. Returns 0 if none fits.
func EMMCTierGB(sectors int64) int {
	gb := float64(sectors*512) / (1 << 30)
	for _, tier := range emmcTiersGB {
		if gb <= float64(tier)*1.1 {
			return tier
		}
	}
	return 0
}

// CMModel builds the Raspberry Pi part number CM{gen}{ram}{wifi}{emmc:03d},
// e.g. CM581032.
func CMModel(gen string, ramGB int, wifi bool, emmcGB int) string {
	w := 0
	if wifi {
		w = 1
	}
	return fmt.Sprintf("CM%s%d%d%03d", gen, ramGB, w, emmcGB)
}

func (g *SysInfoGatherer) fillCMModel(info *models.SystemInfo, gen string) {
	ram := RAMTierGB(g.memTotalKB())
	info.TotalRAM = strconv.Itoa(ram) + " GB"

	wifi := hostio.Exists(g.fs, path.Join(g.paths.SysClassNet, "wlan0"))
	info.HasWiFi = "No"
	if wifi {
		info.HasWiFi = "Yes"
	}

	emmc := 0
	if hostio.Exists(g.fs, path.Join(g.paths.SysBlock, "mmcblk0boot0")) {
		if sectors, err := hostio.ReadInt(g.fs, path.Join(g.paths.SysBlock, "mmcblk0", "size")); err == nil {
			emmc = EMMCTierGB(sectors)
		}
	}
	info.EMMCStorage = "None (Lite)"
	if emmc > 0 {
		info.EMMCStorage = strconv.Itoa(emmc) + " GB"
	}

	info.CMModel = CMModel(gen, ram, wifi, emmc)
}

func (g *SysInfoGatherer) memTotalKB() int64 {
	data, err := afero.ReadFile(g.fs, g.paths.MemInfo)
	if err != nil {
		return 0
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb
		}
	}
	return 0
}

func (g *SysInfoGatherer) prettyName() string {
	data, err := afero.ReadFile(g.fs, g.paths.OSRelease)
	if err != nil {
		return ""
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// output runs a command and returns trimmed stdout, or "" on any failure.
func (g *SysInfoGatherer) output(ctx context.Context, args ...string) string {
	res, err := g.runner.Run(ctx, hostio.Command{Args: args, Timeout: 5 * time.Second})
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(string(res.Stdout))
}

func (g *SysInfoGatherer) fillPackageVersions(ctx context.Context, info *models.SystemInfo) {
	out := g.output(ctx, "dpkg-query", "-W", "-f", "${Package} ${Version}\n", "exaviz-dkms", "exaviz-netplan")
	for _, line := range strings.Split(out, "\n") {
		pkg, ver, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		switch pkg {
		case "exaviz-dkms":
			info.DKMSDriverVersion = strings.TrimSpace(ver)
		case "exaviz-netplan":
			info.NetplanVersion = strings.TrimSpace(ver)
		}
	}
}

func (g *SysInfoGatherer) fillProcPSEHeader(ctx context.Context, info *models.SystemInfo) {
	lines, err := hostio.ReadFileHeadTimeout(ctx, g.fs, g.paths.ProcPSE, 1, DefaultProcPSETimeout)
	if err != nil || len(lines) == 0 {
		return
	}
	version, board := ParseProcPSEHeader(strings.TrimSpace(lines[0]))
	if version != "" {
		info.PoEDriverVersion = version
	}
	if board != "" {
		info.BoardModel = board
	}
}

// ApplyFirmwareInfo copies the fields of an ESP32 "info" response:
//
//	Exaviz PoE monitor version 1.4.2
//	board model: cruiser
//	board version: 2
//	board serial: CR-000123
func ApplyFirmwareInfo(info *models.SystemInfo, out string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Exaviz PoE monitor version "); ok {
			info.FirmwareVersion = strings.TrimSpace(v)
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "board model":
			info.BoardModel = titleCase(val)
		case "board version":
			info.BoardHWVersion = val
		case "board serial":
			info.BoardSerial = val
		}
	}
}
