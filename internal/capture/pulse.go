// ABOUTME: PulseAudio capture of a sink's monitor source
// ABOUTME: Records the output mix and reports sink volume changes from a subscription connection
package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"github.com/picapico/audioshare/internal/version"
	"go.uber.org/zap"
)

// Subscription masks and event bits from the native protocol
const (
	pulseMaskSink   = 0x0001
	pulseMaskServer = 0x0080

	pulseFacilityMask   = 0x000f
	pulseFacilitySink   = 0x0000
	pulseFacilityServer = 0x0007
	pulseTypeMask       = 0x0030
	pulseTypeChange     = 0x0010

	pulseVolumeNorm = 0x10000
	pulseUndefined  = 0xffffffff
	pulseDefault    = "@DEFAULT_SINK@"
)

// Pulse records the monitor of a PulseAudio sink. An empty sink name follows
// the server's default sink.
type Pulse struct {
	sinkName   string
	sampleRate int
	logger     *zap.Logger

	mu     sync.Mutex
	client *pulse.Client
	stream *pulse.RecordStream

	volMu    sync.Mutex
	onVolume func(int)
	volume   int
	events   net.Conn
	done     chan struct{}
}

func newPulseClient() (*pulse.Client, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName(version.Product))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pulseaudio: %w", err)
	}
	return c, nil
}

func listPulse() ([]Info, error) {
	c, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	sinks, err := c.ListSinks()
	if err != nil {
		return nil, fmt.Errorf("failed to list sinks: %w", err)
	}
	def, _ := c.DefaultSink()

	infos := make([]Info, 0, len(sinks))
	for _, s := range sinks {
		infos = append(infos, Info{
			ID:      BackendPulse + ":" + s.ID(),
			Name:    "Monitor of " + s.Name(),
			Backend: BackendPulse,
			Default: def != nil && def.ID() == s.ID(),
		})
	}
	return infos, nil
}

// openPulse connects and checks that the sink exists. Volume reporting starts
// once a handler is registered.
func openPulse(sinkName string, sampleRate int, logger *zap.Logger) (*Pulse, error) {
	c, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	p := &Pulse{sinkName: sinkName, sampleRate: sampleRate, logger: logger, client: c, volume: -1}
	if _, err := p.sink(); err != nil {
		c.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pulse) sink() (*pulse.Sink, error) {
	if p.sinkName == "" {
		s, err := p.client.DefaultSink()
		if err != nil {
			return nil, fmt.Errorf("%w: no default pulseaudio sink: %w", ErrUnknownDevice, err)
		}
		return s, nil
	}
	s, err := p.client.SinkByID(p.sinkName)
	if err != nil {
		return nil, fmt.Errorf("%w: pulseaudio sink %s: %w", ErrUnknownDevice, p.sinkName, err)
	}
	return s, nil
}

// Start opens a record stream on the sink's monitor
func (p *Pulse) Start(onData func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return nil
	}
	if p.client == nil {
		return fmt.Errorf("capture device closed")
	}

	sink, err := p.sink()
	if err != nil {
		return err
	}

	w := pulse.Int16Writer(func(samples []int16) (int, error) {
		onData(int16Bytes(samples))
		return len(samples), nil
	})
	stream, err := p.client.NewRecord(w,
		pulse.RecordMonitor(sink),
		pulse.RecordStereo,
		pulse.RecordSampleRate(p.sampleRate),
		pulse.RecordMediaName(version.Product))
	if err != nil {
		return fmt.Errorf("failed to create record stream: %w", err)
	}
	stream.Start()

	p.stream = stream
	p.logger.Info("Capture started",
		zap.String("backend", BackendPulse),
		zap.String("sink", sink.ID()),
		zap.Int("sample_rate", p.sampleRate))
	return nil
}

// Stop closes the record stream
func (p *Pulse) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Pulse) stopLocked() {
	if p.stream == nil {
		return
	}
	p.stream.Stop()
	p.stream.Close()
	if err := p.stream.Error(); err != nil {
		p.logger.Debug("Record stream error", zap.Error(err))
	}
	p.stream = nil
}

// Close stops capture and drops both server connections
func (p *Pulse) Close() error {
	p.mu.Lock()
	p.stopLocked()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.mu.Unlock()

	p.volMu.Lock()
	defer p.volMu.Unlock()
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	if p.events != nil {
		p.events.Close()
		p.events = nil
	}
	return nil
}

// OnVolumeChanged subscribes to sink changes and calls fn with the sink's
// volume (0-100) whenever it moves. Muting reports 0.
func (p *Pulse) OnVolumeChanged(fn func(volume int)) {
	p.volMu.Lock()
	defer p.volMu.Unlock()

	p.onVolume = fn
	if p.events != nil {
		return
	}
	if err := p.subscribeLocked(); err != nil {
		p.logger.Warn("Sink volume notifications unavailable", zap.Error(err))
	}
}

func (p *Pulse) subscribeLocked() error {
	c, conn, err := proto.Connect("")
	if err != nil {
		return fmt.Errorf("failed to connect to pulseaudio: %w", err)
	}

	changed := make(chan struct{}, 1)
	c.Callback = func(msg interface{}) {
		ev, ok := msg.(*proto.SubscribeEvent)
		if !ok || !volumeEvent(uint32(ev.Event)) {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	props := proto.PropList{"application.name": proto.PropListString(version.Product)}
	if err := c.Request(&proto.SetClientName{Props: props}, &proto.SetClientNameReply{}); err != nil {
		conn.Close()
		return fmt.Errorf("set client name: %w", err)
	}
	if err := c.Request(&proto.Subscribe{Mask: pulseMaskSink | pulseMaskServer}, nil); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	if v, err := p.queryVolume(c); err == nil {
		p.volume = v
	}

	p.events = conn
	p.done = make(chan struct{})
	go p.watchVolume(c, changed, p.done)
	return nil
}

// watchVolume re-reads the sink after each change event. Requests are made
// here rather than in the callback, which runs on the connection's read loop.
func (p *Pulse) watchVolume(c *proto.Client, changed <-chan struct{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-changed:
		}

		v, err := p.queryVolume(c)
		if err != nil {
			p.logger.Debug("Sink volume query failed", zap.Error(err))
			continue
		}

		p.volMu.Lock()
		fn := p.onVolume
		moved := v != p.volume
		p.volume = v
		p.volMu.Unlock()

		if moved && fn != nil {
			fn(v)
		}
	}
}

func (p *Pulse) queryVolume(c *proto.Client) (int, error) {
	name := p.sinkName
	if name == "" {
		name = pulseDefault
	}
	var info proto.GetSinkInfoReply
	if err := c.Request(&proto.GetSinkInfo{SinkIndex: pulseUndefined, SinkName: name}, &info); err != nil {
		return 0, err
	}
	return sinkVolume(info.ChannelVolumes, info.Mute), nil
}

// volumeEvent reports whether a subscription event can move the sink volume:
// any sink change, or a server change that may switch the default sink
func volumeEvent(event uint32) bool {
	if event&pulseTypeMask != pulseTypeChange {
		return false
	}
	facility := event & pulseFacilityMask
	return facility == pulseFacilitySink || facility == pulseFacilityServer
}

// sinkVolume averages the channel volumes into a 0-100 percentage
func sinkVolume(volumes proto.ChannelVolumes, mute bool) int {
	if mute || len(volumes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range volumes {
		sum += float64(v)
	}
	pct := int(math.Round(sum / float64(len(volumes)) * 100 / pulseVolumeNorm))
	if pct > 100 {
		pct = 100
	}
	return pct
}

func int16Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
