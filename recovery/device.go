package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// USBDevice locates the USB device behind a serial node.
type USBDevice struct {
	Bus int
	Dev int
	// Port is the sysfs name of the device, such as "1-1.2", used to
	// unbind and rebind it.
	Port string
}

// Path is the usbfs node of the device.
func (d USBDevice) Path() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.Bus, d.Dev)
}

// ResolveUSBDevice follows device (a tty node or a by-id link) to its
// sysfs entry below sysfsRoot and walks up to the USB device carrying
// busnum and devnum.
func ResolveUSBDevice(sysfsRoot, device string) (USBDevice, error) {
	node, err := filepath.EvalSymlinks(device)
	if err != nil {
		node = device
	}
	name := filepath.Base(node)

	link := filepath.Join(sysfsRoot, "class", "tty", name, "device")
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return USBDevice{}, fmt.Errorf("resolve %s: %w", link, err)
	}

	root := filepath.Clean(sysfsRoot)
	for dir := resolved; dir != root && dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		bus, err := readInt(filepath.Join(dir, "busnum"))
		if err != nil {
			continue
		}
		dev, err := readInt(filepath.Join(dir, "devnum"))
		if err != nil {
			return USBDevice{}, fmt.Errorf("found busnum but no devnum in %s: %w", dir, err)
		}
		return USBDevice{Bus: bus, Dev: dev, Port: filepath.Base(dir)}, nil
	}
	return USBDevice{}, fmt.Errorf("%s is not a USB device: %w", device, os.ErrNotExist)
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// WaitForDevice polls until path exists, backing off between checks.
func WaitForDevice(ctx context.Context, path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if err := pause(ctx, b.Duration()); err != nil {
			return fmt.Errorf("device %s did not appear within %v: %w", path, timeout, err)
		}
	}
}
