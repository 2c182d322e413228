// ABOUTME: Tests for persisted settings
// ABOUTME: Covers defaults, YAML round trips through the file store and normalization
package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	pcm "github.com/picapico/audioshare/pkg/audio"
)

func TestDefaults(t *testing.T) {
	s := Default()
	if s.SampleRate != 48000 || s.Volume != 50 || !s.USB || !s.VolumeFollowSystem || s.AudioID != "default" {
		t.Errorf("unexpected defaults %+v", s)
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope", "settings.yaml"), nil)
	if got := store.Load(); got.Volume != DefaultVolume || !got.USB {
		t.Errorf("expected defaults, got %+v", got)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte("volume: [not, a, number"), 0o644)

	if got := NewFileStore(path, nil).Load(); got.Volume != DefaultVolume {
		t.Errorf("expected defaults for corrupt file, got %+v", got)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "settings.yaml")
	store := NewFileStore(path, nil)

	want := Default()
	want.AudioID = "malgo:abc"
	want.SampleRate = 96000
	want.Volume = 73
	want.USB = false
	want.IPDevices = []Device{
		{ID: "10.0.0.5:8088", Channel: pcm.ChannelLeft},
		{ID: "10.0.0.6:8088", Channel: pcm.ChannelStereo},
	}
	want.ADBDevices = []Device{{ID: "R58M", Channel: pcm.ChannelRight}}

	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !containsAll(string(data), "channel: left", "sample_rate: 96000") {
		t.Errorf("unexpected file contents:\n%s", data)
	}

	got := store.Load()
	if got.AudioID != want.AudioID || got.SampleRate != 96000 || got.Volume != 73 || got.USB {
		t.Errorf("scalar mismatch: %+v", got)
	}
	if len(got.IPDevices) != 2 || got.IPDevices[0].Channel != pcm.ChannelLeft {
		t.Errorf("ip devices mismatch: %+v", got.IPDevices)
	}
	if ch, ok := got.Channel(true, "R58M"); !ok || ch != pcm.ChannelRight {
		t.Errorf("adb channel mismatch: %v %v", ch, ok)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte("volume: 20\n"), 0o644)

	got := NewFileStore(path, nil).Load()
	if got.Volume != 20 || got.SampleRate != 48000 || !got.VolumeFollowSystem {
		t.Errorf("expected defaults for absent fields, got %+v", got)
	}
}

func TestNormalize(t *testing.T) {
	s := Settings{
		SampleRate: 12345,
		Volume:     150,
		IPDevices: []Device{
			{ID: "10.0.0.5:8088"},
			{ID: "10.0.0.5:8088", Channel: pcm.ChannelLeft},
			{ID: ""},
		},
	}
	s.Normalize()

	if s.SampleRate != 48000 {
		t.Errorf("unsupported rate not reset: %d", s.SampleRate)
	}
	if s.Volume != 100 {
		t.Errorf("volume not clamped: %d", s.Volume)
	}
	if len(s.IPDevices) != 1 {
		t.Errorf("duplicates not removed: %+v", s.IPDevices)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := Default()
	s.IPDevices = []Device{{ID: "a"}}
	c := s.Clone()
	c.IPDevices[0].ID = "b"
	if s.IPDevices[0].ID != "a" {
		t.Error("clone shares device slice")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
