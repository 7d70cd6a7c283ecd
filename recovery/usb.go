package recovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// usbdevfsReset is USBDEVFS_RESET, _IO('U', 20).
const usbdevfsReset = 0x5514

const (
	defaultSysfsRoot   = "/sys"
	defaultPause       = 2 * time.Second
	defaultSettle      = 3 * time.Second
	defaultMarkerFile  = "/etc/hassio.json"
	supervisorTokenEnv = "SUPERVISOR_TOKEN"
	storageModule      = "usb-storage"
)

// USBTarget describes the modem the USB strategies act on and how.
type USBTarget struct {
	// Device is the serial node of the modem.
	Device string
	// SysfsRoot defaults to /sys.
	SysfsRoot string
	// Runner runs external tools, ExecRunner by default.
	Runner Runner
	// Pause separates the steps of a strategy. Defaults to 2s.
	Pause time.Duration
	// Settle is the wait of the settle strategies. Defaults to 3s.
	Settle time.Duration
	// Match selects lsusb lines of the modem. Defaults to HUAWEI and Mobile.
	Match  []string
	Logger *slog.Logger

	// MarkerFile and Getenv detect a Home Assistant supervisor.
	MarkerFile string
	Getenv     func(string) string
}

func (t *USBTarget) setDefaults() {
	if t.SysfsRoot == "" {
		t.SysfsRoot = defaultSysfsRoot
	}
	if t.Runner == nil {
		t.Runner = ExecRunner{}
	}
	if t.Pause == 0 {
		t.Pause = defaultPause
	}
	if t.Settle == 0 {
		t.Settle = defaultSettle
	}
	if t.Match == nil {
		t.Match = []string{"HUAWEI", "Mobile"}
	}
	if t.Logger == nil {
		t.Logger = slog.Default()
	}
	if t.MarkerFile == "" {
		t.MarkerFile = defaultMarkerFile
	}
	if t.Getenv == nil {
		t.Getenv = os.Getenv
	}
}

// Strategies returns the USB rungs in escalation order, ending with a
// plain settle that always succeeds.
func (t USBTarget) Strategies() []Strategy {
	t.setDefaults()
	target := &t
	return []Strategy{
		&USBDeviceReset{target},
		&SupervisedSettle{target},
		&LsusbReset{target},
		&SysfsRebind{target},
		&UdevTrigger{target},
		&ModuleReload{target},
		&Settle{Delay: target.Settle},
	}
}

// USBDeviceReset issues USBDEVFS_RESET on the usbfs node of the modem.
type USBDeviceReset struct{ t *USBTarget }

func (s *USBDeviceReset) Name() string { return "usb_ioctl_reset" }

func (s *USBDeviceReset) Attempt(ctx context.Context) Result {
	dev, err := ResolveUSBDevice(s.t.SysfsRoot, s.t.Device)
	if err != nil {
		return unavailable(err)
	}

	fd, err := unix.Open(dev.Path(), unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return classify(fmt.Errorf("open %s: %w", dev.Path(), err), nil)
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, usbdevfsReset, 0); err != nil {
		return classify(fmt.Errorf("USBDEVFS_RESET %s: %w", dev.Path(), err), nil)
	}
	s.t.Logger.Info("USB device reset", "path", dev.Path())
	if err := pause(ctx, s.t.Pause); err != nil {
		return failed(err)
	}
	return succeeded()
}

// SupervisedSettle applies inside a Home Assistant supervisor, where USB
// devices cannot be reset from the container: it only waits.
type SupervisedSettle struct{ t *USBTarget }

func (s *SupervisedSettle) Name() string { return "supervised_settle" }

func (s *SupervisedSettle) Attempt(ctx context.Context) Result {
	_, err := os.Stat(s.t.MarkerFile)
	if err != nil && s.t.Getenv(supervisorTokenEnv) == "" {
		return unavailable(errors.New("not running under a supervisor"))
	}
	s.t.Logger.Debug("supervisor detected, settling instead of resetting")
	if err := pause(ctx, s.t.Settle); err != nil {
		return failed(err)
	}
	return succeeded()
}

// LsusbReset finds the modem in lsusb output and resets it with usbreset.
type LsusbReset struct{ t *USBTarget }

func (s *LsusbReset) Name() string { return "lsusb_usbreset" }

func (s *LsusbReset) Attempt(ctx context.Context) Result {
	out, err := s.t.Runner.Run(ctx, "lsusb")
	if err != nil {
		return classify(err, out)
	}

	devices := matchLsusb(out, s.t.Match)
	if len(devices) == 0 {
		return unavailable(errors.New("no matching USB device"))
	}

	result := unavailable(nil)
	for _, dev := range devices {
		id := fmt.Sprintf("%03d/%03d", dev.Bus, dev.Dev)
		out, err := s.t.Runner.Run(ctx, "usbreset", id)
		result = classify(err, out)
		if result.Outcome == Success {
			s.t.Logger.Info("USB device reset with usbreset", "device", id)
			if err := pause(ctx, s.t.Pause); err != nil {
				return failed(err)
			}
			return result
		}
		s.t.Logger.Debug("usbreset failed", "device", id, "error", result.Err)
	}
	return result
}

// matchLsusb returns the bus and device numbers of lsusb lines containing
// any of match, compared case-insensitively.
//
//	Bus 001 Device 005: ID 12d1:1506 Huawei Technologies Co., Ltd. Modem/Networkcard
func matchLsusb(out []byte, match []string) []USBDevice {
	var devices []USBDevice
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		upper := strings.ToUpper(line)
		found := false
		for _, m := range match {
			if strings.Contains(upper, strings.ToUpper(m)) {
				found = true
				break
			}
		}
		if !found {
			continue
		}

		var dev USBDevice
		if _, err := fmt.Sscanf(line, "Bus %d Device %d:", &dev.Bus, &dev.Dev); err != nil {
			continue
		}
		devices = append(devices, dev)
	}
	return devices
}

// SysfsRebind unbinds the modem from the usb driver and binds it again.
type SysfsRebind struct{ t *USBTarget }

func (s *SysfsRebind) Name() string { return "sysfs_rebind" }

func (s *SysfsRebind) Attempt(ctx context.Context) Result {
	dev, err := ResolveUSBDevice(s.t.SysfsRoot, s.t.Device)
	if err != nil {
		return unavailable(err)
	}

	driver := filepath.Join(s.t.SysfsRoot, "bus", "usb", "drivers", "usb")
	if err := os.WriteFile(filepath.Join(driver, "unbind"), []byte(dev.Port), 0o200); err != nil {
		return classify(fmt.Errorf("unbind %s: %w", dev.Port, err), nil)
	}
	if err := pause(ctx, s.t.Pause); err != nil {
		return failed(err)
	}
	if err := os.WriteFile(filepath.Join(driver, "bind"), []byte(dev.Port), 0o200); err != nil {
		return failed(fmt.Errorf("bind %s: %w", dev.Port, err))
	}
	s.t.Logger.Info("USB device rebound", "port", dev.Port)
	if err := pause(ctx, s.t.Pause); err != nil {
		return failed(err)
	}
	return succeeded()
}

// UdevTrigger replays udev events for the usb subsystem.
type UdevTrigger struct{ t *USBTarget }

func (s *UdevTrigger) Name() string { return "udev_trigger" }

func (s *UdevTrigger) Attempt(ctx context.Context) Result {
	if out, err := s.t.Runner.Run(ctx, "udevadm", "trigger", "--subsystem-match=usb"); err != nil {
		return classify(err, out)
	}
	if err := pause(ctx, s.t.Pause/2); err != nil {
		return failed(err)
	}
	if out, err := s.t.Runner.Run(ctx, "udevadm", "settle"); err != nil {
		return classify(err, out)
	}
	if err := pause(ctx, s.t.Pause); err != nil {
		return failed(err)
	}
	return succeeded()
}

// ModuleReload reloads usb-storage, which releases modems stuck in their
// mass storage personality, then replays udev events.
type ModuleReload struct{ t *USBTarget }

func (s *ModuleReload) Name() string { return "module_reload" }

func (s *ModuleReload) Attempt(ctx context.Context) Result {
	steps := [][]string{
		{"modprobe", "-r", storageModule},
		{"modprobe", storageModule},
		{"udevadm", "trigger"},
	}
	for _, step := range steps {
		if out, err := s.t.Runner.Run(ctx, step[0], step[1:]...); err != nil {
			return classify(err, out)
		}
		if err := pause(ctx, s.t.Pause/2); err != nil {
			return failed(err)
		}
	}
	return succeeded()
}

// Settle waits and succeeds; it is the last rung.
type Settle struct {
	Delay time.Duration
}

func (s *Settle) Name() string { return "settle" }

func (s *Settle) Attempt(ctx context.Context) Result {
	if err := pause(ctx, s.Delay); err != nil {
		return failed(err)
	}
	return succeeded()
}
