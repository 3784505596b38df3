package config

import "time"

// Config - корневая структура конфигурации роутинг-ноды
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Routing   RoutingConfig   `yaml:"routing" validate:"required"`
	Query     QueryConfig     `yaml:"query" validate:"required"`
	Health    HealthConfig    `yaml:"health" validate:"required"`
	Rebalance RebalanceConfig `yaml:"rebalance" validate:"required"`
	Txn       TxnConfig       `yaml:"txn" validate:"required"`
	ZooKeeper ZKConfig        `yaml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

type RoutingConfig struct {
	// VirtualNodes - число точек на кольце на один шард.
	// 8-32 достаточно, чтобы ограничить дисперсию нагрузки.
	VirtualNodes int `yaml:"virtual_nodes" validate:"required,min=1"`
}

type QueryConfig struct {
	// OpTimeoutMs - дедлайн одного обращения к шарду (и в single-key
	// пути, и в fan-out).
	OpTimeoutMs int `yaml:"op_timeout_ms" validate:"required,min=1"`
}

func (c QueryConfig) OpTimeout() time.Duration { return time.Duration(c.OpTimeoutMs) * time.Millisecond }

type HealthConfig struct {
	ProbeIntervalMs   int `yaml:"probe_interval_ms" validate:"required,min=1"`
	ProbeTimeoutMs    int `yaml:"probe_timeout_ms" validate:"required,min=1"`
	FailureThreshold  int `yaml:"failure_threshold" validate:"required,min=1"`
	RecoveryThreshold int `yaml:"recovery_threshold" validate:"required,min=1"`
	LostGraceMs       int `yaml:"lost_grace_ms" validate:"required,min=1"`
}

func (c HealthConfig) ProbeInterval() time.Duration { return time.Duration(c.ProbeIntervalMs) * time.Millisecond }
func (c HealthConfig) ProbeTimeout() time.Duration  { return time.Duration(c.ProbeTimeoutMs) * time.Millisecond }
func (c HealthConfig) LostGrace() time.Duration     { return time.Duration(c.LostGraceMs) * time.Millisecond }

type RebalanceConfig struct {
	// MaxConcurrentTasks ограничивает число одновременных миграций,
	// чтобы не насытить I/O шардов во время большого ребаланса.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" validate:"required,min=1"`
	VerifyRetries      int `yaml:"verify_retries" validate:"min=0"`
	CopyBatchSize      int `yaml:"copy_batch_size" validate:"required,min=1"`
}

type TxnConfig struct {
	PrepareTimeoutMs int    `yaml:"prepare_timeout_ms" validate:"required,min=1"`
	CommitRetryMs    int    `yaml:"commit_retry_ms" validate:"required,min=1"`
	DecisionLogDir   string `yaml:"decision_log_dir" validate:"required"`
	// ResolveRetentionMs - сколько держать исход завершённой
	// транзакции для Resolve-запросов участников. 0 - хранить вечно.
	ResolveRetentionMs int `yaml:"resolve_retention_ms" validate:"min=0"`
}

func (c TxnConfig) PrepareTimeout() time.Duration { return time.Duration(c.PrepareTimeoutMs) * time.Millisecond }
func (c TxnConfig) CommitRetry() time.Duration    { return time.Duration(c.CommitRetryMs) * time.Millisecond }
func (c TxnConfig) ResolveRetention() time.Duration {
	return time.Duration(c.ResolveRetentionMs) * time.Millisecond
}

type ZKConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Servers  []string `yaml:"servers"`
	RootPath string   `yaml:"root_path"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Routing: RoutingConfig{
			VirtualNodes: 16,
		},
		Query: QueryConfig{
			OpTimeoutMs: 2000,
		},
		Health: HealthConfig{
			ProbeIntervalMs:   2000,
			ProbeTimeoutMs:    500,
			FailureThreshold:  3,
			RecoveryThreshold: 2,
			LostGraceMs:       15000,
		},
		Rebalance: RebalanceConfig{
			MaxConcurrentTasks: 4,
			VerifyRetries:      3,
			CopyBatchSize:      256,
		},
		Txn: TxnConfig{
			PrepareTimeoutMs:   3000,
			CommitRetryMs:      500,
			DecisionLogDir:     "./data/txnlog",
			ResolveRetentionMs: 600000,
		},
		ZooKeeper: ZKConfig{
			Enabled:  false,
			RootPath: "/sharddb",
		},
	}
}
