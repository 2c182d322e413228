// ABOUTME: Persisted user settings
// ABOUTME: Selected capture device, volume, mode and the per-mode speaker lists in a YAML file
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/picapico/audioshare/internal/capture"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultVolume is the initial speaker volume
const DefaultVolume = 50

// Device remembers a speaker and its selected channel
type Device struct {
	ID      string      `yaml:"id" json:"id"`
	Channel pcm.Channel `yaml:"channel" json:"channel"`
}

// Settings is everything persisted between runs
type Settings struct {
	AudioID            string   `yaml:"audio_id" json:"audio_id"`
	SampleRate         int      `yaml:"sample_rate" json:"sample_rate"`
	Volume             int      `yaml:"volume" json:"volume"`
	USB                bool     `yaml:"usb" json:"usb"`
	VolumeFollowSystem bool     `yaml:"volume_follow_system" json:"volume_follow_system"`
	ADBDevices         []Device `yaml:"adb_devices" json:"adb_devices"`
	IPDevices          []Device `yaml:"ip_devices" json:"ip_devices"`
}

// Default returns settings for a first run
func Default() Settings {
	return Settings{
		AudioID:            capture.DefaultID,
		SampleRate:         pcm.DefaultSampleRate,
		Volume:             DefaultVolume,
		USB:                true,
		VolumeFollowSystem: true,
	}
}

// Clone returns a deep copy
func (s Settings) Clone() Settings {
	s.ADBDevices = append([]Device(nil), s.ADBDevices...)
	s.IPDevices = append([]Device(nil), s.IPDevices...)
	return s
}

// Normalize clamps out-of-range values and drops duplicate speakers
func (s *Settings) Normalize() {
	if !pcm.IsSupportedSampleRate(s.SampleRate) {
		s.SampleRate = pcm.DefaultSampleRate
	}
	if s.Volume < 0 {
		s.Volume = 0
	}
	if s.Volume > 100 {
		s.Volume = 100
	}
	s.ADBDevices = dedupe(s.ADBDevices)
	s.IPDevices = dedupe(s.IPDevices)
}

func dedupe(devices []Device) []Device {
	seen := make(map[string]bool, len(devices))
	out := devices[:0]
	for _, d := range devices {
		if d.ID == "" || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

// Devices returns the speaker list for the given mode
func (s *Settings) Devices(usb bool) []Device {
	if usb {
		return s.ADBDevices
	}
	return s.IPDevices
}

// SetDevices replaces the speaker list for the given mode
func (s *Settings) SetDevices(usb bool, devices []Device) {
	if usb {
		s.ADBDevices = devices
	} else {
		s.IPDevices = devices
	}
}

// Channel returns the remembered channel for id in the given mode
func (s *Settings) Channel(usb bool, id string) (pcm.Channel, bool) {
	for _, d := range s.Devices(usb) {
		if d.ID == id {
			return d.Channel, true
		}
	}
	return pcm.ChannelNone, false
}

// HasIPDevice reports whether id is in the IP speaker list
func (s *Settings) HasIPDevice(id string) bool {
	_, ok := s.Channel(false, id)
	return ok
}

// FileStore keeps settings in a YAML file
type FileStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// DefaultPath returns the per-user settings location
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "audioshare", "settings.yaml"), nil
}

// NewFileStore creates a store backed by path
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger.With(zap.String("component", "settings"))}
}

// Path returns the backing file
func (f *FileStore) Path() string { return f.path }

// Load reads the settings file. A missing or unreadable file yields defaults.
func (f *FileStore) Load() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Default()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("Failed to read settings, using defaults", zap.String("path", f.path), zap.Error(err))
		}
		return s
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		f.logger.Warn("Corrupt settings file, using defaults", zap.String("path", f.path), zap.Error(err))
		return Default()
	}
	s.Normalize()
	return s
}

// Save writes the settings file atomically
func (f *FileStore) Save(s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
