package config

// Config - корневая структура конфигурации движка.
// yaml теги для парсинга из файла.

type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DBConfig     `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DBConfig struct {
	DataDir    string              `yaml:"data_dir"`
	WAL        WALConfig           `yaml:"wal"`
	Memtable   MemtableConfig      `yaml:"memtable"`
	SSTable    SSTableConfig       `yaml:"sstable"`
	Cache      CacheConfig         `yaml:"cache"`
	Bloom      BloomConfig         `yaml:"bloom_filter"`
	Compaction CompactionConfig    `yaml:"compaction"`
	Vector     []VectorIndexConfig `yaml:"vector_indexes"`
}

type WALConfig struct {
	// SyncEveryCommit forces an fsync before every commit returns.
	// When false, commits are made durable by the group-commit loop.
	SyncEveryCommit       bool `yaml:"sync_every_commit"`
	GroupCommitIntervalMS int  `yaml:"group_commit_interval_ms"`
}

type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold"`
	FlushChanBuffSize   int `yaml:"flush_chan_buff_size"`
	MaxImmTables        int `yaml:"max_imm_tables"`
	// RejectWhenFull turns backpressure into CapacityExceeded errors
	// instead of blocking the writer.
	RejectWhenFull bool `yaml:"reject_when_full"`
}

type SSTableConfig struct {
	BlockSizeBytes   int    `yaml:"block_size"`
	Compression      string `yaml:"compression"` // none | s2 | lz4
	SizeMultiplier   int    `yaml:"size_multiplier"`
	CompactThreshold int    `yaml:"compact_threshold"`
	TargetSizeBytes  int64  `yaml:"target_size"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

type BloomConfig struct {
	FPRate float64 `yaml:"fp_rate"`
}

type CompactionConfig struct {
	MaxConcurrent        int `yaml:"max_concurrent"`
	RateLimitBytesPerSec int `yaml:"rate_limit_bytes_per_sec"`
}

type VectorIndexConfig struct {
	Name           string  `yaml:"name"`
	KeyPrefix      string  `yaml:"key_prefix"`
	Dimension      int     `yaml:"dimension"`
	Metric         string  `yaml:"metric"` // cosine | l2 | dot
	Kind           string  `yaml:"kind"`   // flat | hnsw
	M              int     `yaml:"m"`
	EfConstruction int     `yaml:"ef_construction"`
	EfSearch       int     `yaml:"ef_search"`
	HalfPrecision  bool    `yaml:"half_precision"`
	MemoryBudget   int64   `yaml:"memory_budget"`
	RepairInterval float64 `yaml:"repair_interval_sec"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		DB: DBConfig{
			DataDir: "./data",
			WAL: WALConfig{
				SyncEveryCommit:       true,
				GroupCommitIntervalMS: 5,
			},
			Memtable: MemtableConfig{
				FlushThresholdBytes: 16 * 1024 * 1024,
				FlushChanBuffSize:   3,
				MaxImmTables:        3,
			},
			SSTable: SSTableConfig{
				BlockSizeBytes:   4096,
				Compression:      "s2",
				SizeMultiplier:   10,
				CompactThreshold: 4,
				TargetSizeBytes:  64 * 1024 * 1024,
			},
			Cache: CacheConfig{
				Capacity: 1024,
			},
			Bloom: BloomConfig{
				FPRate: 0.01,
			},
			Compaction: CompactionConfig{
				MaxConcurrent:        2,
				RateLimitBytesPerSec: 0,
			},
		},
	}
}
