// ABOUTME: Configuration validation
// ABOUTME: Reports invalid values and clamps the ones that would break startup
package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validOutputs = map[string]bool{
	"oto":     true,
	"malgo":   true,
	"discard": true,
}

// Validate checks the config and returns every problem found. Timeouts
// outside a safe range are clamped in place.
func (c *Config) Validate() []error {
	var errs []error

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if f := strings.ToLower(c.LogFormat); f != "console" && f != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be console or json", c.LogFormat))
	}

	if c.APIAddr != "" {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			errs = append(errs, fmt.Errorf("api_addr %q: %w", c.APIAddr, err))
		}
	}

	c.ADBTimeout = clamp(&errs, "adb_timeout", c.ADBTimeout, time.Second, 5*time.Minute)
	c.HandshakeTimeout = clamp(&errs, "handshake_timeout", c.HandshakeTimeout, 100*time.Millisecond, time.Minute)
	c.ControlTimeout = clamp(&errs, "control_timeout", c.ControlTimeout, 100*time.Millisecond, 10*time.Second)
	c.ReachTimeout = clamp(&errs, "reach_timeout", c.ReachTimeout, 100*time.Millisecond, 10*time.Second)

	if c.Receiver.Port <= 0 || c.Receiver.Port >= 65535 {
		errs = append(errs, fmt.Errorf("receiver.port %d out of range", c.Receiver.Port))
	}
	if !validOutputs[strings.ToLower(c.Receiver.Output)] {
		errs = append(errs, fmt.Errorf("receiver.output %q must be oto, malgo or discard", c.Receiver.Output))
	}

	return errs
}

func clamp(errs *[]error, key string, d, lo, hi time.Duration) time.Duration {
	if d < lo {
		*errs = append(*errs, fmt.Errorf("%s %v is below minimum %v, clamping", key, d, lo))
		return lo
	}
	if d > hi {
		*errs = append(*errs, fmt.Errorf("%s %v exceeds maximum %v, clamping", key, d, hi))
		return hi
	}
	return d
}
