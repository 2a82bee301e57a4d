// Package config loads session tuning parameters from an INI file,
// the way the teacher codebase loads its object dictionary from an
// EDS (also ini-formatted) via gopkg.in/ini.v1 in pkg/od/parser_v1.go,
// wrapped in a small typed struct the way pkg/config/general.go wraps
// raw SDO reads behind named accessors.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Session holds everything Session.Open (spec.md §4.6/§6.3) needs
// beyond the transport handle itself.
type Session struct {
	Dialect    string // "A" or "B"
	Device     string // transport device name, e.g. "/dev/i2c-1"
	Address    int    // I2C 7-bit slave address

	InterfaceReset  bool
	WTXCounterLimit int
	RNackRetryLimit int
	RecoveryLimit   int // recovery_counter retry limit (default 3)
	TimeoutLimit    int // timeout_counter retry limit

	RecoveryDelayMS int // sleep between protocol-level retries
	IFSC            int // max I-block INF size
}

// Default returns the configuration spec.md's design notes describe
// as the implementation default (recovery_counter limit 3); the
// caller must still supply wtx/rnack limits, dialect, and device.
func Default() Session {
	return Session{
		RecoveryLimit:   3,
		TimeoutLimit:    3,
		RecoveryDelayMS: 5,
		IFSC:            254,
	}
}

// Load reads a session configuration from an INI file with a single
// [session] section, e.g.:
//
//	[session]
//	dialect = A
//	device = /dev/i2c-1
//	address = 0x48
//	interface_reset = true
//	wtx_counter_limit = 10
//	rnack_retry_limit = 3
//	recovery_limit = 3
//	timeout_limit = 3
//	recovery_delay_ms = 5
//	ifsc = 254
func Load(path string) (Session, error) {
	cfg := Default()
	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load %q: %w", path, err)
	}
	sec := f.Section("session")

	cfg.Dialect = sec.Key("dialect").MustString("A")
	cfg.Device = sec.Key("device").MustString("/dev/i2c-1")
	cfg.Address = sec.Key("address").MustInt(0x48)
	cfg.InterfaceReset = sec.Key("interface_reset").MustBool(true)
	cfg.WTXCounterLimit = sec.Key("wtx_counter_limit").MustInt(10)
	cfg.RNackRetryLimit = sec.Key("rnack_retry_limit").MustInt(3)
	cfg.RecoveryLimit = sec.Key("recovery_limit").MustInt(cfg.RecoveryLimit)
	cfg.TimeoutLimit = sec.Key("timeout_limit").MustInt(cfg.TimeoutLimit)
	cfg.RecoveryDelayMS = sec.Key("recovery_delay_ms").MustInt(cfg.RecoveryDelayMS)
	cfg.IFSC = sec.Key("ifsc").MustInt(cfg.IFSC)

	if cfg.WTXCounterLimit <= 0 {
		return cfg, fmt.Errorf("config: wtx_counter_limit must be non-zero")
	}
	if cfg.RNackRetryLimit <= 0 {
		return cfg, fmt.Errorf("config: rnack_retry_limit must be non-zero")
	}
	return cfg, nil
}
