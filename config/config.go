// Package config loads the tunables named in spec §6 (timeouts, SSDP
// interval, beacon rotation, ACL path prefixes) plus logging/metrics/CLI
// settings, replacing the "global mutability of tunables" pattern
// (Design Note 9) with a single record constructed once; cmd/thalid's
// serve command hands its fields to each component's constructor and to
// Manager.Start. Grounded on sptp/client.ReadConfig's gopkg.in/yaml.v2
// loader shape.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// SchemaVersion is the config schema this binary understands. Bumped
// whenever a field's meaning changes incompatibly.
const SchemaVersion = "1.0.0"

// supportedSchemaConstraint is the version range ReadConfig accepts.
var supportedSchemaConstraint = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) version.Constraints {
	c, err := version.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Config is every tunable named in spec §6, plus ambient settings.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	// §6 constants.
	TCPPeerUnavailabilityThreshold    time.Duration `yaml:"tcp_peer_unavailability_threshold"`
	NonTCPPeerUnavailabilityThreshold time.Duration `yaml:"non_tcp_peer_unavailability_threshold"`
	SSDPAdvertisementInterval         time.Duration `yaml:"ssdp_advertisement_interval"`
	UpdateWindowsForegroundMS         time.Duration `yaml:"update_windows_foreground_ms"`
	BeaconMillisecondsToExpire        time.Duration `yaml:"beacon_milliseconds_to_expire"`
	BaseDBPath                        string        `yaml:"base_db_path"`
	LocalSeqPointPrefix               string        `yaml:"local_seq_point_prefix"`

	// Pool (C2) sizing.
	PoolWorkers   int `yaml:"pool_workers"`
	PoolQueueSize int `yaml:"pool_queue_size"`

	// Ambient.
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	// BeaconCipher selects beacon.AESCTRCipher or beacon.AESGCMCipher by
	// name ("ctr" or "gcm"); see Design Note 9(i).
	BeaconCipher string `yaml:"beacon_cipher"`
}

// Default returns the out-of-box configuration.
func Default() *Config {
	return &Config{
		SchemaVersion:                     SchemaVersion,
		TCPPeerUnavailabilityThreshold:    30 * time.Second,
		NonTCPPeerUnavailabilityThreshold: 2 * time.Minute,
		SSDPAdvertisementInterval:         500 * time.Millisecond,
		UpdateWindowsForegroundMS:         10 * time.Second,
		BeaconMillisecondsToExpire:        5 * time.Minute,
		BaseDBPath:                        "/db",
		LocalSeqPointPrefix:               "_local_seq_point_",
		PoolWorkers:                       4,
		PoolQueueSize:                     256,
		ListenAddr:                        ":4446",
		MetricsAddr:                       ":8080",
		LogLevel:                          "info",
		BeaconCipher:                      "gcm",
	}
}

// ReadConfig reads and validates a YAML config file, filling in defaults
// for any field the file omits.
func ReadConfig(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks schema compatibility and obviously-wrong values.
func (c *Config) Validate() error {
	v, err := version.NewVersion(c.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", c.SchemaVersion, err)
	}
	if !supportedSchemaConstraint.Check(v) {
		return fmt.Errorf("config schema_version %s unsupported by this binary (want %s)", c.SchemaVersion, supportedSchemaConstraint)
	}
	if c.PoolWorkers <= 0 {
		return fmt.Errorf("pool_workers must be positive")
	}
	if c.BeaconCipher != "ctr" && c.BeaconCipher != "gcm" {
		return fmt.Errorf("beacon_cipher must be \"ctr\" or \"gcm\", got %q", c.BeaconCipher)
	}
	if c.TCPPeerUnavailabilityThreshold <= 0 || c.NonTCPPeerUnavailabilityThreshold <= 0 {
		return fmt.Errorf("unavailability thresholds must be positive")
	}
	log.WithField("schema_version", c.SchemaVersion).Debug("config validated")
	return nil
}
