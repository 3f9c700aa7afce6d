package config

import (
	"encoding/json"
	"os"

	"github.com/vmdist/satellite/internal/flagx"
	"github.com/vmdist/satellite/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "10m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its set fields are copied into
// the runtime Config struct.
type JsonConfig struct {
	DatabaseDSN     string         `json:"database_dsn"`
	StorePath       string         `json:"store_path"`
	MasterHost      string         `json:"master_host"`
	MasterPlainPort int            `json:"master_plain_port"`
	MasterTLSPort   int            `json:"master_tls_port"`
	SscMode         string         `json:"ssc_mode"`
	SscEnableBps    int64          `json:"ssc_enable_bps"`
	SscDisableBps   int64          `json:"ssc_disable_bps"`
	IdleTimeout     timex.Duration `json:"idle_timeout"`
	MaxValidityDays int            `json:"max_validity_days"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; without either, no JSON file is loaded. Unset JSON fields keep the
// value already in Config, so a partial file only overrides what it names.
// An unreadable file or invalid JSON panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.StorePath != "" {
		config.StorePath = c.StorePath
	}
	if c.MasterHost != "" {
		config.MasterHost = c.MasterHost
	}
	if c.MasterPlainPort != 0 {
		config.MasterPlainPort = c.MasterPlainPort
	}
	if c.MasterTLSPort != 0 {
		config.MasterTLSPort = c.MasterTLSPort
	}
	if c.SscMode != "" {
		config.SscMode = c.SscMode
	}
	if c.SscEnableBps != 0 {
		config.SscEnableBps = c.SscEnableBps
	}
	if c.SscDisableBps != 0 {
		config.SscDisableBps = c.SscDisableBps
	}
	if c.IdleTimeout != 0 {
		config.IdleTimeout = c.IdleTimeout.Unwrap()
	}
	if c.MaxValidityDays != 0 {
		config.MaxValidityDays = c.MaxValidityDays
	}
}
