// Package config loads optional TOML configuration files for the client
// and server binaries. CLI flags always override values loaded here;
// LoadClient and LoadServer are purely additive to spec.md's flag-driven
// surface.
package config

import (
	"github.com/BurntSushi/toml"
)

// ClientFile is the shape of a client TOML config file. Every field is
// optional; zero values mean "use the flag/CLI default".
type ClientFile struct {
	Host              string  `toml:"host"`
	Port              int     `toml:"port"`
	MaxMessageSize    int     `toml:"max_message_size"`
	Mode              string  `toml:"mode"`
	Encrypt           bool    `toml:"encrypt"`
	ErrorSim          bool    `toml:"error_sim"`
	ErrorType         string  `toml:"error_type"`
	ErrorProbability  float64 `toml:"error_probability"`
	ChunkSize         int     `toml:"chunk_size"`
	PaceMilliseconds  int     `toml:"pace_ms"`
	MetricsAddr       string  `toml:"metrics_addr"`
}

// ServerFile is the shape of a server TOML config file.
type ServerFile struct {
	Host                  string  `toml:"host"`
	Port                  int     `toml:"port"`
	WindowSize            int     `toml:"window_size"`
	Mode                  string  `toml:"mode"`
	MaxMessageSize        int     `toml:"max_message_size"`
	PacketLossProbability float64 `toml:"packet_loss_probability"`
	MetricsAddr           string  `toml:"metrics_addr"`
	StatsIntervalSeconds  int     `toml:"stats_interval_seconds"`
}

// LoadClient decodes a client TOML config file at path.
func LoadClient(path string) (ClientFile, error) {
	var c ClientFile
	_, err := toml.DecodeFile(path, &c)
	return c, err
}

// LoadServer decodes a server TOML config file at path.
func LoadServer(path string) (ServerFile, error) {
	var c ServerFile
	_, err := toml.DecodeFile(path, &c)
	return c, err
}
