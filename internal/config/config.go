// Package config loads gateway configuration from command-line flags.
package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/eshenhu/doipgwd/internal/doip"
)

// Config holds every value the gateway needs at startup: network
// binding, vehicle identity, announcement timing, and logging.
type Config struct {
	TCPPort          uint16
	Loopback         bool
	VIN              doip.VIN
	LogicalAddress   doip.Address
	EID              doip.EID
	GID              doip.GID
	FurtherAction    byte
	AnnounceCount    int
	AnnounceInterval time.Duration
	LogLevel         string
}

const (
	defaultAnnounceCount  = 3
	defaultAnnounceMillis = 500
	defaultLogicalAddress = 0x1000
	defaultFurtherAction  = 0x00
)

// Load parses os.Args (via the flag package) into a Config, applying the
// documented defaults for any flag not supplied.
func Load() (*Config, error) {
	tcpPort := flag.Uint("tcp-port", 13400, "TCP port to listen on for DoIP tester connections")
	loopback := flag.Bool("loopback", false, "send vehicle announcements to 127.0.0.1 instead of broadcasting")
	vin := flag.String("vin", "", "17-character vehicle identification number")
	logicalAddress := flag.Uint("logical-address", defaultLogicalAddress, "gateway logical address")
	eid := flag.String("eid", "", "6-byte entity ID as hex, e.g. aabbccddeeff (defaults to zero)")
	gid := flag.String("gid", "", "6-byte group ID as hex, e.g. aabbccddeeff (defaults to zero)")
	furtherAction := flag.Uint("further-action", defaultFurtherAction, "further-action byte advertised in vehicle announcements")
	announceCount := flag.Int("announce-count", defaultAnnounceCount, "number of vehicle announcements to send on startup (0 disables)")
	announceInterval := flag.Duration("announce-interval", defaultAnnounceMillis*time.Millisecond, "delay between vehicle announcements")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")

	flag.Parse()

	eidBytes, err := parseHex6(*eid)
	if err != nil {
		return nil, fmt.Errorf("config: -eid: %w", err)
	}
	gidBytes, err := parseHex6(*gid)
	if err != nil {
		return nil, fmt.Errorf("config: -gid: %w", err)
	}

	return &Config{
		TCPPort:          uint16(*tcpPort),
		Loopback:         *loopback,
		VIN:              doip.NewVIN(*vin),
		LogicalAddress:   doip.Address(*logicalAddress),
		EID:              doip.NewEIDFromMAC(eidBytes),
		GID:              doip.NewGID(gidBytes),
		FurtherAction:    byte(*furtherAction),
		AnnounceCount:    *announceCount,
		AnnounceInterval: *announceInterval,
		LogLevel:         *logLevel,
	}, nil
}

// parseHex6 decodes a 6-byte hex string (with or without ":" separators).
// An empty string yields the zero value.
func parseHex6(s string) ([6]byte, error) {
	s = strings.ReplaceAll(s, ":", "")
	var out [6]byte
	if s == "" {
		return out, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(b) != 6 {
		return out, fmt.Errorf("expected 6 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
