// ABOUTME: ADB command-line driver for USB speakers
// ABOUTME: Lists devices, ensures the receiver app is installed and running, forwards a local port
package bringup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// AppPackage is the receiver application on the device
	AppPackage = "com.picapico.audioshare"
	// AppActivity is launched before a stream is opened
	AppActivity = AppPackage + "/.MainActivity"

	// DefaultCommandTimeout bounds each adb invocation
	DefaultCommandTimeout = 15 * time.Second

	// WirelessPort is where adb listens on phones with Wi-Fi debugging
	WirelessPort = "5555"

	remoteAPK = "/data/local/tmp/audioshare.apk"
)

var (
	ErrADBNotFound = errors.New("bringup: adb not found")
	ErrAppMissing  = errors.New("bringup: receiver app missing or outdated")
	ErrNoDevice    = errors.New("bringup: device not attached")
)

// Runner executes an external command and returns its standard output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Device is one entry of `adb devices -l`
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
	Name   string `json:"name"`
}

// Online reports whether adb can talk to the device
func (d Device) Online() bool { return d.State == "device" }

// ADBConfig configures the ADB driver
type ADBConfig struct {
	// Path to the adb binary; looked up on PATH when empty
	Path string
	// APK is installed when the receiver app is missing or outdated
	APK string
	// Version is the receiver versionName required; empty accepts any installed version
	Version string
	Timeout time.Duration
	Runner  Runner
	Logger  *zap.Logger
}

// ADB drives the adb command-line tool
type ADB struct {
	path    string
	apk     string
	version string
	timeout time.Duration
	runner  Runner
	logger  *zap.Logger
}

// NewADB creates an ADB driver
func NewADB(cfg ADBConfig) *ADB {
	if cfg.Path == "" {
		cfg.Path = "adb"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ADB{
		path:    cfg.Path,
		apk:     cfg.APK,
		version: cfg.Version,
		timeout: cfg.Timeout,
		runner:  cfg.Runner,
		logger:  logger.With(zap.String("component", "adb")),
	}
}

// Available reports whether the adb binary can be found
func (a *ADB) Available() bool {
	_, err := exec.LookPath(a.path)
	return err == nil
}

func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.runner.Run(ctx, a.path, args...)
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", fmt.Errorf("%w: %w", ErrADBNotFound, err)
		}
		return string(out), err
	}
	return string(out), nil
}

func (a *ADB) shell(ctx context.Context, serial, command string) (string, error) {
	return a.run(ctx, "-s", serial, "shell", command)
}

// Devices starts the adb server and lists attached devices
func (a *ADB) Devices(ctx context.Context) ([]Device, error) {
	if _, err := a.run(ctx, "start-server"); err != nil {
		return nil, err
	}
	out, err := a.run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// ParseDevices parses `adb devices -l` output
func ParseDevices(out string) []Device {
	var devices []Device
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		d := Device{Serial: fields[0], State: fields[1]}
		var name, model string
		for _, f := range fields[2:] {
			k, v, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			switch k {
			case "device":
				name = v
			case "model":
				model = strings.ReplaceAll(v, "_", " ")
			}
		}
		d.Name = strings.TrimSpace(name + " " + model)
		devices = append(devices, d)
	}
	return devices
}

// installedVersion returns the receiver's versionName, empty when not installed
func (a *ADB) installedVersion(ctx context.Context, serial string) (string, error) {
	out, err := a.shell(ctx, serial, "dumpsys package "+AppPackage+" | grep versionName")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if _, v, ok := strings.Cut(strings.TrimSpace(line), "versionName="); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", nil
}

func (a *ADB) versionOK(v string) bool {
	if v == "" {
		return false
	}
	return a.version == "" || strings.Contains(v, a.version)
}

// EnsureReady makes sure the receiver app is installed at the required
// version and launched on the device.
func (a *ADB) EnsureReady(ctx context.Context, serial string) error {
	devices, err := a.Devices(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, d := range devices {
		if d.Serial == serial && d.Online() {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNoDevice, serial)
	}

	v, err := a.installedVersion(ctx, serial)
	if err != nil {
		return err
	}
	if !a.versionOK(v) {
		if a.apk == "" {
			return fmt.Errorf("%w: installed %q, want %q", ErrAppMissing, v, a.version)
		}
		if err := a.install(ctx, serial); err != nil {
			return err
		}
		if v, err = a.installedVersion(ctx, serial); err != nil {
			return err
		}
		if !a.versionOK(v) {
			return fmt.Errorf("%w: installed %q after install, want %q", ErrAppMissing, v, a.version)
		}
	}

	if _, err := a.shell(ctx, serial, "am start -W -n "+AppActivity); err != nil {
		return fmt.Errorf("launch receiver: %w", err)
	}
	a.logger.Info("Receiver ready", zap.String("serial", serial), zap.String("version", v))
	return nil
}

// PrepareWireless connects to host over adb Wi-Fi, readies the receiver app
// and disconnects again. Phones without Wi-Fi debugging fail the connect.
func (a *ADB) PrepareWireless(ctx context.Context, host string) error {
	serial := net.JoinHostPort(host, WirelessPort)
	out, err := a.run(ctx, "connect", serial)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "connected to") {
		return fmt.Errorf("%w: %s", ErrNoDevice, strings.TrimSpace(out))
	}
	defer func() {
		if _, err := a.run(context.WithoutCancel(ctx), "disconnect", serial); err != nil {
			a.logger.Debug("Wireless disconnect failed", zap.String("serial", serial), zap.Error(err))
		}
	}()
	return a.EnsureReady(ctx, serial)
}

func (a *ADB) install(ctx context.Context, serial string) error {
	a.logger.Info("Installing receiver app", zap.String("serial", serial), zap.String("apk", a.apk))

	steps := [][]string{
		{"-s", serial, "shell", "rm -f " + remoteAPK},
		{"-s", serial, "push", a.apk, remoteAPK},
		{"-s", serial, "shell", "/system/bin/pm uninstall " + AppPackage},
		{"-s", serial, "shell", "/system/bin/pm install -r " + remoteAPK + " && rm -f " + remoteAPK},
	}
	for i, args := range steps {
		if _, err := a.run(ctx, args...); err != nil {
			// uninstall fails harmlessly when nothing is installed
			if i == 2 {
				continue
			}
			return fmt.Errorf("install receiver: %w", err)
		}
	}
	return nil
}

// CreateTunnel forwards a fresh local port to remote on the device,
// removing stale forwards to the same socket first.
func (a *ADB) CreateTunnel(ctx context.Context, serial, remote string) (int, error) {
	out, err := a.run(ctx, "forward", "--list")
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			f := strings.Fields(line)
			if len(f) == 3 && f[0] == serial && f[2] == remote {
				if _, err := a.run(ctx, "-s", serial, "forward", "--remove", f[1]); err != nil {
					a.logger.Debug("Stale forward not removed", zap.String("local", f[1]), zap.Error(err))
				}
			}
		}
	}

	out, err = a.run(ctx, "-s", serial, "forward", "tcp:0", remote)
	if err != nil {
		return 0, fmt.Errorf("forward %s: %w", remote, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("forward %s: unexpected output %q", remote, strings.TrimSpace(out))
	}
	a.logger.Debug("Forwarded port", zap.String("serial", serial), zap.Int("port", port))
	return port, nil
}
