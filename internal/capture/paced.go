// ABOUTME: Real-time pacing loop for software capture sources
// ABOUTME: Emits one generated buffer per tick so files and tones behave like hardware
package capture

import (
	"sync"
	"time"
)

// DefaultPeriod is the buffer duration software sources emit
const DefaultPeriod = 10 * time.Millisecond

// paced drives a produce function at a fixed period
type paced struct {
	period     time.Duration
	sampleRate int
	produce    func(frames int) []byte

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (p *paced) Start(onData func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		return nil
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(onData, p.stop, p.done)
	return nil
}

func (p *paced) run(onData func([]byte), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	frames := int(int64(p.sampleRate) * int64(p.period) / int64(time.Second))
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if buf := p.produce(frames); len(buf) > 0 {
				onData(buf)
			}
		}
	}
}

func (p *paced) Stop() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
