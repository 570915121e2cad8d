// Package config loads the daemon's structured configuration from
// torbo.yaml and the environment via viper. Load snapshots every recognized
// option once; nothing else in the process consults viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the complete set of recognized options.
type Config struct {
	DataDir string

	IAMDBName   string
	AuditDBName string

	RingBufferCapacity int
	MaxAccessLevel     int

	DelegationTimeoutDefaultSeconds  int
	DelegationCapabilityTTLSeconds   int
	DelegationMaxConcurrentInbound   int
	DelegationMaxAcceptedAccessLevel int
	PeerRequestTimeoutSeconds        int
	WatchdogIntervalSeconds          int

	LogPruneRetentionDays      int
	AnomalySweepIntervalSecond int
	PeerCheckIntervalSeconds   int

	ServerPort      int
	CORSOrigins     []string
	RateLimitRPS    int
	AdminSecret     string
	NodeDisplayName string
	// Peers is the static node directory: "host:port" entries.
	Peers []string
}

// Load reads torbo.yaml (from configs/ or the working directory) and the
// environment, applies defaults, and returns the snapshot.
func Load() (*Config, error) {
	viper.SetConfigName("torbo")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("torbo")
	viper.AutomaticEnv()

	viper.SetDefault("data_dir", "data")
	viper.SetDefault("iam_db_name", "iam.sqlite")
	viper.SetDefault("audit_db_name", "audit_events.sqlite")
	viper.SetDefault("ring_buffer_capacity", 1000)
	viper.SetDefault("max_access_level", 5)
	viper.SetDefault("delegation_timeout_default_seconds", 300)
	viper.SetDefault("delegation_capability_ttl_seconds", 300)
	viper.SetDefault("delegation_max_concurrent_inbound", 2)
	viper.SetDefault("delegation_max_accepted_access_level", 2)
	viper.SetDefault("peer_request_timeout_seconds", 10)
	viper.SetDefault("watchdog_interval_seconds", 30)
	viper.SetDefault("log_prune_retention_days", 30)
	viper.SetDefault("anomaly_sweep_interval_seconds", 0)
	viper.SetDefault("peer_check_interval_seconds", 60)
	viper.SetDefault("server.port", 7711)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.admin_secret", "")
	viper.SetDefault("node.display_name", "Torbo Base")
	viper.SetDefault("node.peers", []string{})

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		DataDir:                          viper.GetString("data_dir"),
		IAMDBName:                        viper.GetString("iam_db_name"),
		AuditDBName:                      viper.GetString("audit_db_name"),
		RingBufferCapacity:               viper.GetInt("ring_buffer_capacity"),
		MaxAccessLevel:                   viper.GetInt("max_access_level"),
		DelegationTimeoutDefaultSeconds:  viper.GetInt("delegation_timeout_default_seconds"),
		DelegationCapabilityTTLSeconds:   viper.GetInt("delegation_capability_ttl_seconds"),
		DelegationMaxConcurrentInbound:   viper.GetInt("delegation_max_concurrent_inbound"),
		DelegationMaxAcceptedAccessLevel: viper.GetInt("delegation_max_accepted_access_level"),
		PeerRequestTimeoutSeconds:        viper.GetInt("peer_request_timeout_seconds"),
		WatchdogIntervalSeconds:          viper.GetInt("watchdog_interval_seconds"),
		LogPruneRetentionDays:            viper.GetInt("log_prune_retention_days"),
		AnomalySweepIntervalSecond:       viper.GetInt("anomaly_sweep_interval_seconds"),
		PeerCheckIntervalSeconds:         viper.GetInt("peer_check_interval_seconds"),
		ServerPort:                       viper.GetInt("server.port"),
		CORSOrigins:                      viper.GetStringSlice("server.cors_origins"),
		RateLimitRPS:                     viper.GetInt("server.rate_limit_rps"),
		AdminSecret:                      viper.GetString("server.admin_secret"),
		NodeDisplayName:                  viper.GetString("node.display_name"),
		Peers:                            viper.GetStringSlice("node.peers"),
	}

	if cfg.MaxAccessLevel < 0 || cfg.MaxAccessLevel > 5 {
		return nil, fmt.Errorf("max_access_level must be in 0..5, got %d", cfg.MaxAccessLevel)
	}
	return cfg, nil
}

// ParsePeer splits a "host:port" directory entry.
func ParsePeer(s string) (host string, port int, err error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return "", 0, fmt.Errorf("invalid peer address %q, want host:port", s)
	}
	port, err = strconv.Atoi(s[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid peer port in %q", s)
	}
	return s[:idx], port, nil
}
