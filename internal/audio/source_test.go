// ABOUTME: Tests for the shared capture source
// ABOUTME: Uses a fake device to check lifecycle, demux fan-out and volume coalescing
package audio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/picapico/audioshare/internal/capture"
	pcm "github.com/picapico/audioshare/pkg/audio"
)

type fakeDevice struct {
	mu      sync.Mutex
	onData  func([]byte)
	starts  int
	stops   int
	closed  bool
	startFn func() error
	volume  func(int)
}

func (d *fakeDevice) Start(onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startFn != nil {
		if err := d.startFn(); err != nil {
			return err
		}
	}
	d.onData = onData
	d.starts++
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onData = nil
	d.stops++
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) OnVolumeChanged(fn func(int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = fn
}

func (d *fakeDevice) emit(data []byte) {
	d.mu.Lock()
	fn := d.onData
	d.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (d *fakeDevice) counts() (starts, stops int, closed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops, d.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
	opened  []string
}

func newFakeOpener(ids ...string) *fakeOpener {
	o := &fakeOpener{devices: make(map[string]*fakeDevice)}
	for _, id := range ids {
		o.devices[id] = &fakeDevice{}
	}
	return o
}

func (o *fakeOpener) List() ([]capture.Info, error) {
	var out []capture.Info
	for id := range o.devices {
		out = append(out, capture.Info{ID: id, Name: id, Backend: "fake"})
	}
	return out, nil
}

func (o *fakeOpener) Open(id string, sampleRate int) (capture.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.devices[id]
	if !ok {
		return nil, capture.ErrUnknownDevice
	}
	o.opened = append(o.opened, id)
	return d, nil
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio")
		return nil
	}
}

func collector() (chan []byte, func([]byte)) {
	ch := make(chan []byte, 16)
	return ch, func(b []byte) { ch <- b }
}

func TestSourceDemuxFanOut(t *testing.T) {
	opener := newFakeOpener("dev")
	src := NewSource(Config{Opener: opener})
	defer src.Close()

	if err := src.SetDevice("dev", 48000); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	stereo, stereoFn := collector()
	left, leftFn := collector()
	right, rightFn := collector()
	src.Subscribe(pcm.ChannelStereo, stereoFn)
	src.Subscribe(pcm.ChannelLeft, leftFn)
	src.Subscribe(pcm.ChannelRight, rightFn)

	opener.devices["dev"].emit([]byte{0x01, 0x02, 0x03, 0x04})

	tests := []struct {
		name string
		ch   <-chan []byte
		want []byte
	}{
		{"stereo", stereo, []byte{0x01, 0x02, 0x03, 0x04}},
		{"left", left, []byte{0x01, 0x02}},
		{"right", right, []byte{0x03, 0x04}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := receive(t, tt.ch); !bytes.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSourceStartsOnFirstStopsOnLast(t *testing.T) {
	opener := newFakeOpener("dev")
	src := NewSource(Config{Opener: opener})
	defer src.Close()
	src.SetDevice("dev", 48000)
	dev := opener.devices["dev"]

	if src.Capturing() {
		t.Fatal("capture running without subscribers")
	}

	a := src.Subscribe(pcm.ChannelLeft, func([]byte) {})
	b := src.Subscribe(pcm.ChannelRight, func([]byte) {})
	if starts, _, _ := dev.counts(); starts != 1 {
		t.Errorf("expected one start, got %d", starts)
	}
	if !src.Capturing() {
		t.Error("expected capture after first subscriber")
	}

	src.Unsubscribe(a)
	if !src.Capturing() {
		t.Error("capture stopped with a subscriber left")
	}
	select {
	case <-a.Done():
	default:
		t.Error("unsubscribed subscription not done")
	}

	src.Unsubscribe(b)
	if src.Capturing() {
		t.Error("capture still running after last unsubscribe")
	}
	if _, stops, _ := dev.counts(); stops != 1 {
		t.Errorf("expected one stop, got %d", stops)
	}
	if n := src.Subscribers(); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}

func TestSourceSubscribeDisabledChannel(t *testing.T) {
	src := NewSource(Config{Opener: newFakeOpener("dev")})
	defer src.Close()
	src.SetDevice("dev", 48000)

	if sub := src.Subscribe(pcm.ChannelNone, func([]byte) {}); sub != nil {
		t.Error("expected nil subscription for disabled channel")
	}
	if src.Capturing() {
		t.Error("disabled channel must not start capture")
	}
}

func TestSourceSetDeviceResetsSubscriptions(t *testing.T) {
	opener := newFakeOpener("one", "two")
	src := NewSource(Config{Opener: opener})
	defer src.Close()

	src.SetDevice("one", 48000)
	sub := src.Subscribe(pcm.ChannelStereo, func([]byte) {})

	if err := src.SetDevice("two", 44100); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription survived device change")
	}

	_, stops, closed := opener.devices["one"].counts()
	if stops != 1 || !closed {
		t.Errorf("old device not released: stops=%d closed=%v", stops, closed)
	}
	if src.Capturing() {
		t.Error("capture running with no subscribers after reset")
	}
	if src.SampleRate() != 44100 || src.DeviceID() != "two" {
		t.Errorf("unexpected state rate=%d device=%q", src.SampleRate(), src.DeviceID())
	}
}

func TestSourceSetDeviceFailure(t *testing.T) {
	src := NewSource(Config{Opener: newFakeOpener()})
	defer src.Close()

	if err := src.SetDevice("missing", 48000); !errors.Is(err, capture.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
	if src.DeviceID() != "" {
		t.Errorf("expected no device, got %q", src.DeviceID())
	}

	if sub := src.Subscribe(pcm.ChannelLeft, func([]byte) {}); sub == nil {
		t.Fatal("source should stay usable after open failure")
	}
	if src.Capturing() {
		t.Error("capture running without a device")
	}
}

func TestSourceStartFailureLeavesStopped(t *testing.T) {
	opener := newFakeOpener("dev")
	dev := opener.devices["dev"]
	dev.startFn = func() error { return errors.New("device busy") }

	src := NewSource(Config{Opener: opener})
	defer src.Close()
	src.SetDevice("dev", 48000)

	sub := src.Subscribe(pcm.ChannelStereo, func([]byte) {})
	if sub == nil {
		t.Fatal("expected subscription despite start failure")
	}
	if src.Capturing() {
		t.Error("expected capture stopped after start failure")
	}

	dev.mu.Lock()
	dev.startFn = nil
	dev.mu.Unlock()

	src.Subscribe(pcm.ChannelLeft, func([]byte) {})
	if !src.Capturing() {
		t.Error("expected a later subscriber to retry start")
	}
}

func TestSourceEmptyDeviceDisablesCapture(t *testing.T) {
	opener := newFakeOpener("dev")
	src := NewSource(Config{Opener: opener})
	defer src.Close()

	src.SetDevice("dev", 48000)
	src.Subscribe(pcm.ChannelStereo, func([]byte) {})
	if err := src.SetDevice("", 48000); err != nil {
		t.Fatalf("SetDevice empty: %v", err)
	}
	if src.Capturing() || src.DeviceID() != "" {
		t.Error("expected capture disabled")
	}
}

func TestSourceVolumeCoalesced(t *testing.T) {
	opener := newFakeOpener("dev")
	got := make(chan int, 4)
	src := NewSource(Config{
		Opener:          opener,
		VolumeDelay:     30 * time.Millisecond,
		OnVolumeChanged: func(v int) { got <- v },
	})
	defer src.Close()
	src.SetDevice("dev", 48000)

	dev := opener.devices["dev"]
	dev.mu.Lock()
	notify := dev.volume
	dev.mu.Unlock()
	if notify == nil {
		t.Fatal("volume handler not registered with device")
	}

	notify(10)
	notify(20)
	notify(30)

	select {
	case v := <-got:
		if v != 30 {
			t.Errorf("expected last volume 30, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("volume never delivered")
	}

	select {
	case v := <-got:
		t.Errorf("expected one delivery, got extra %d", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSourceCloseEndsSubscriptions(t *testing.T) {
	opener := newFakeOpener("dev")
	src := NewSource(Config{Opener: opener})
	src.SetDevice("dev", 48000)
	sub := src.Subscribe(pcm.ChannelStereo, func([]byte) {})

	src.Close()
	src.Close()

	select {
	case <-sub.Done():
	default:
		t.Error("subscription not ended by Close")
	}
	if _, _, closed := opener.devices["dev"].counts(); !closed {
		t.Error("device not closed")
	}
}
