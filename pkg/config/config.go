// Package config loads haloblock node configuration from YAML plus
// environment overrides (github.com/spf13/viper, mapstructure-tagged
// sections, Load(env)).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"haloblock/pkg/utils"
)

// Config is the unified configuration for a haloblock node, covering
// networking, consensus, storage, mining, logging, the RPC surface,
// peer sync, and the mempool.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		GossipAddr     string   `mapstructure:"gossip_addr" json:"gossip_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		NodeIDFile     string   `mapstructure:"node_id_file" json:"node_id_file"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		RetargetWindow  uint64 `mapstructure:"retarget_window" json:"retarget_window"`
		BlockTimeSecs   int64  `mapstructure:"block_time_secs" json:"block_time_secs"`
		StartingTarget  string `mapstructure:"starting_target" json:"starting_target"` // hex, 32 bytes
		MaxMessageLen   int    `mapstructure:"max_message_len" json:"max_message_len"`
		MaxSkewSecs     int64  `mapstructure:"max_skew_secs" json:"max_skew_secs"`
		MedianWindow    int    `mapstructure:"median_window" json:"median_window"`
		ReorgDepthCap   uint64 `mapstructure:"reorg_depth_cap" json:"reorg_depth_cap"`
		RewardBase      uint64 `mapstructure:"reward_base" json:"reward_base"`
		HalvingPeriod   uint64 `mapstructure:"halving_period" json:"halving_period"`
	} `mapstructure:"consensus" json:"consensus"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Mining struct {
		Enabled        bool   `mapstructure:"enabled" json:"enabled"`
		WalletFile     string `mapstructure:"wallet_file" json:"wallet_file"`
		MaxTxsPerBlock int    `mapstructure:"max_txs_per_block" json:"max_txs_per_block"`
	} `mapstructure:"mining" json:"mining"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	RPC struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"rpc" json:"rpc"`

	PeerSync struct {
		PollIntervalMS   int `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
		RequestTimeoutMS int `mapstructure:"request_timeout_ms" json:"request_timeout_ms"`
		BlockBatchSize   int `mapstructure:"block_batch_size" json:"block_batch_size"`
		BaseBackoffMS    int `mapstructure:"base_backoff_ms" json:"base_backoff_ms"`
		MaxBackoffMS     int `mapstructure:"max_backoff_ms" json:"max_backoff_ms"`
	} `mapstructure:"peer_sync" json:"peer_sync"`

	Mempool struct {
		MaxSize int `mapstructure:"max_size" json:"max_size"`
	} `mapstructure:"mempool" json:"mempool"`
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

// Load reads cmd/config/default.yaml plus an optional env-specific overlay
// (cmd/config/<env>.yaml) and environment variable overrides, storing the
// result in AppConfig.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("HALOBLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the HALOBLOCK_ENV environment
// variable to select the overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("HALOBLOCK_ENV", ""))
}
