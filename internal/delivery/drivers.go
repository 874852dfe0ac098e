package delivery

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gen2brain/beeep"
)

// BeeepAudioDriver produces tones through the host speaker via beeep.
type BeeepAudioDriver struct{}

// Available implements AudioDriver. Tone output on linux needs a writable
// console device; other platforms route through the OS sound API.
func (BeeepAudioDriver) Available() bool {
	if runtime.GOOS != "linux" {
		return true
	}
	f, err := os.OpenFile("/dev/console", os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Unlock implements AudioDriver. A one-millisecond beep warms the device.
func (d BeeepAudioDriver) Unlock() error {
	return beeep.Beep(beeep.DefaultFreq, 1)
}

// Beep implements AudioDriver.
func (BeeepAudioDriver) Beep(freq float64, duration time.Duration) error {
	return beeep.Beep(freq, int(duration.Milliseconds()))
}

// BeeepAlertDriver shows native desktop notifications via beeep.
type BeeepAlertDriver struct{}

// Available implements AlertDriver. On linux a notification daemon needs a
// session bus or display to talk to.
func (BeeepAlertDriver) Available() bool {
	if runtime.GOOS != "linux" {
		return true
	}
	return os.Getenv("DISPLAY") != "" ||
		os.Getenv("WAYLAND_DISPLAY") != "" ||
		os.Getenv("DBUS_SESSION_BUS_ADDRESS") != ""
}

// Notify implements AlertDriver.
func (BeeepAlertDriver) Notify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Alert implements AlertDriver.
func (BeeepAlertDriver) Alert(title, message string) error {
	return beeep.Alert(title, message, "")
}

// vibratorPaths are the sysfs interfaces exposed by common vibration
// motors, in probe order.
var vibratorPaths = []string{
	"/sys/class/timed_output/vibrator/enable",
	"/sys/class/leds/vibrator/brightness",
}

// SysfsVibrationDriver drives a vibration motor through sysfs. There is no
// cross-platform vibration API; hosts without a motor report unavailable
// and the channel is a no-op.
type SysfsVibrationDriver struct{}

func (SysfsVibrationDriver) path() string {
	for _, p := range vibratorPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Available implements VibrationDriver.
func (d SysfsVibrationDriver) Available() bool { return d.path() != "" }

// Vibrate implements VibrationDriver.
func (d SysfsVibrationDriver) Vibrate(pattern []time.Duration) error {
	path := d.path()
	if path == "" {
		return nil
	}
	for i, dur := range pattern {
		if i%2 == 1 {
			// Odd entries are pauses.
			time.Sleep(dur)
			continue
		}
		ms := strconv.FormatInt(dur.Milliseconds(), 10)
		if err := os.WriteFile(path, []byte(ms), 0o644); err != nil {
			return fmt.Errorf("failed to drive vibrator: %w", err)
		}
		time.Sleep(dur)
	}
	return nil
}
