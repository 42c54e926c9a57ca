package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"eventcache/internal/blocksource"
	"eventcache/internal/indexer"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// Source describes one tracked contract.
type Source struct {
	Name          string   `mapstructure:"name"`
	Contract      string   `mapstructure:"contract"`
	ABI           string   `mapstructure:"abi"`
	Events        []string `mapstructure:"events"`
	Confirmations uint64   `mapstructure:"confirmations"`
	StartingBlock string   `mapstructure:"starting-block"`
	ReorgRecheck  *bool    `mapstructure:"reorg-recheck"`
}

// Recheck reports whether live fetches recheck pending blocks for dropped
// transactions. Unset means on whenever events are buffered.
func (s Source) Recheck() bool {
	if s.ReorgRecheck != nil {
		return *s.ReorgRecheck
	}
	return s.Confirmations > 0
}

// StartBlock resolves StartingBlock, empty means genesis.
func (s Source) StartBlock() (uint64, error) {
	tag, err := indexer.ParseBlockTag(s.StartingBlock)
	if err != nil {
		return 0, err
	}
	if tag.Latest {
		return 0, fmt.Errorf("starting block must be a number or %q", indexer.TagGenesis)
	}
	return tag.Number, nil
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL                string
	Strategy              string
	PollingInterval       time.Duration
	RetentionMultiplier   float64
	ValidationConcurrency int
	BatchSize             uint64
	MaxRetries            int
	RetryBackoff          time.Duration
	CheckpointBackend     string
	CheckpointFile        string
	BufferBackend         string
	PGDSN                 string
	RedisURL              string
	RedisHash             string
	MetricsAddr           string
	Out                   string
	LogLevel              string
	Sources               []Source
}

// Load merges .env, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("EVENTCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("strategy", blocksource.StrategyPolling)
	v.SetDefault("polling-interval", blocksource.DefaultPollingInterval)
	v.SetDefault("retention-multiplier", 1.5)
	v.SetDefault("validation-concurrency", 8)
	v.SetDefault("batch-size", uint64(indexer.DefaultBatchSize))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("checkpoint-backend", BackendPostgres)
	v.SetDefault("checkpoint-file", "./data/checkpoints.json")
	v.SetDefault("buffer-backend", BackendPostgres)
	v.SetDefault("redis-hash", "eventcache:checkpoints")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:                v.GetString("rpc"),
		Strategy:              v.GetString("strategy"),
		PollingInterval:       v.GetDuration("polling-interval"),
		RetentionMultiplier:   v.GetFloat64("retention-multiplier"),
		ValidationConcurrency: v.GetInt("validation-concurrency"),
		BatchSize:             v.GetUint64("batch-size"),
		MaxRetries:            v.GetInt("max-retries"),
		RetryBackoff:          v.GetDuration("retry-backoff"),
		CheckpointBackend:     v.GetString("checkpoint-backend"),
		CheckpointFile:        v.GetString("checkpoint-file"),
		BufferBackend:         v.GetString("buffer-backend"),
		PGDSN:                 v.GetString("pg-dsn"),
		RedisURL:              v.GetString("redis-url"),
		RedisHash:             v.GetString("redis-hash"),
		MetricsAddr:           v.GetString("metrics-addr"),
		Out:                   v.GetString("out"),
		LogLevel:              v.GetString("log-level"),
	}

	if err := v.UnmarshalKey("sources", &cfg.Sources); err != nil {
		return Config{}, fmt.Errorf("decode sources: %w", err)
	}
	if len(cfg.Sources) == 0 && v.GetString("contract") != "" {
		source := Source{
			Name:          v.GetString("name"),
			Contract:      v.GetString("contract"),
			ABI:           v.GetString("abi"),
			Events:        getStringSlice(v, "events"),
			Confirmations: v.GetUint64("confirmations"),
			StartingBlock: v.GetString("starting-block"),
		}
		if v.IsSet("reorg-recheck") {
			recheck := v.GetBool("reorg-recheck")
			source.ReorgRecheck = &recheck
		}
		cfg.Sources = []Source{source}
	}
	for i := range cfg.Sources {
		cfg.Sources[i].Events = cleanStrings(cfg.Sources[i].Events)
		if cfg.Sources[i].Name == "" {
			cfg.Sources[i].Name = strings.ToLower(cfg.Sources[i].Contract)
		}
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot start with.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if c.Strategy != blocksource.StrategyPolling && c.Strategy != blocksource.StrategyListening {
		return fmt.Errorf("%w: %q", blocksource.ErrUnknownStrategy, c.Strategy)
	}
	if c.PollingInterval <= 0 {
		return errors.New("polling interval must be positive")
	}
	if c.RetentionMultiplier < 1 {
		return errors.New("retention multiplier must be at least 1")
	}
	if c.BatchSize == 0 {
		return errors.New("batch size must be greater than zero")
	}

	switch c.CheckpointBackend {
	case BackendPostgres:
		if c.PGDSN == "" {
			return errors.New("pg-dsn is required for the postgres checkpoint backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("redis-url is required for the redis checkpoint backend")
		}
	case BackendFile:
		if c.CheckpointFile == "" {
			return errors.New("checkpoint-file is required for the file checkpoint backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.CheckpointBackend)
	}

	switch c.BufferBackend {
	case BackendPostgres:
		if c.PGDSN == "" {
			return errors.New("pg-dsn is required for the postgres buffer backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown buffer backend %q", c.BufferBackend)
	}

	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	names := make(map[string]struct{}, len(c.Sources))
	contracts := make(map[common.Address]string, len(c.Sources))
	for _, source := range c.Sources {
		if err := source.validate(); err != nil {
			return fmt.Errorf("source %q: %w", source.Name, err)
		}
		if _, dup := names[source.Name]; dup {
			return fmt.Errorf("duplicate source name %q", source.Name)
		}
		names[source.Name] = struct{}{}

		// buffered rows are scoped by contract, one source per contract
		contract := common.HexToAddress(source.Contract)
		if other, dup := contracts[contract]; dup {
			return fmt.Errorf("sources %q and %q track the same contract %s", other, source.Name, contract.Hex())
		}
		contracts[contract] = source.Name
	}
	return nil
}

func (s Source) validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if !common.IsHexAddress(s.Contract) {
		return fmt.Errorf("invalid contract address: %s", s.Contract)
	}
	if s.ABI == "" {
		return errors.New("abi path is required")
	}
	if _, err := s.StartBlock(); err != nil {
		return err
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
