// ABOUTME: mDNS discovery for audioshare receivers
// ABOUTME: Receivers advertise _audioshare._tcp, the host browses and registers them as IP speakers
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/picapico/audioshare/pkg/protocol"
	"go.uber.org/zap"
)

// ServiceType is the mDNS service receivers advertise
const ServiceType = "_audioshare._tcp"

// DefaultBrowseInterval separates successive mDNS queries
const DefaultBrowseInterval = 10 * time.Second

// Config holds mDNS configuration
type Config struct {
	Instance       string
	Port           int
	BrowseInterval time.Duration
	Logger         *zap.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config   Config
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	speakers chan *SpeakerInfo
}

// SpeakerInfo describes a discovered receiver
type SpeakerInfo struct {
	Name string
	Host string
	Port int
}

// ID returns the IP speaker id for the receiver
func (s *SpeakerInfo) ID() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BrowseInterval <= 0 {
		config.BrowseInterval = DefaultBrowseInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		config:   config,
		logger:   logger.With(zap.String("component", "mdns")),
		ctx:      ctx,
		cancel:   cancel,
		speakers: make(chan *SpeakerInfo, 10),
	}
}

// Advertise publishes this receiver via mDNS until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.Instance,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"magic=" + protocol.Magic},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info("Advertising mDNS service",
		zap.String("instance", m.config.Instance),
		zap.Int("port", m.config.Port),
		zap.String("type", ServiceType))

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for receivers in the background
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

// browseLoop queries periodically until Stop
func (m *Manager) browseLoop() {
	for {
		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				info := &SpeakerInfo{
					Name: entry.Name,
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}

				m.logger.Debug("Discovered receiver", zap.String("name", info.Name), zap.String("speaker", info.ID()))

				select {
				case m.speakers <- info:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:     ServiceType,
			Domain:      "local",
			Timeout:     3 * time.Second,
			Entries:     entries,
			DisableIPv6: true,
		}

		if err := mdns.Query(params); err != nil {
			m.logger.Debug("mDNS query failed", zap.Error(err))
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.config.BrowseInterval):
		}
	}
}

// Speakers returns the channel of discovered receivers
func (m *Manager) Speakers() <-chan *SpeakerInfo {
	return m.speakers
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
