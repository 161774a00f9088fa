package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceSampleRatio is the fraction of root spans kept, in [0, 1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	MaxUploadMB   int    `yaml:"max_upload_mb"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Storage       StorageConfig       `yaml:"storage"`
	Progress      ProgressConfig      `yaml:"progress"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Finalize      FinalizeConfig      `yaml:"finalize"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	MaxStoreMB     int      `yaml:"max_store_mb"`
}

// StorageConfig locates per-session working directories.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// ProgressConfig selects where progress records are persisted.
type ProgressConfig struct {
	Backend       string `yaml:"backend"` // file, sqlite, redis
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type ChunkingConfig struct {
	ChunkDurationSeconds int         `yaml:"chunk_duration_seconds"`
	MaxParallelSplitting int         `yaml:"max_parallel_splitting"`
	TranscoderCommand    string      `yaml:"transcoder_command"`
	ProbeCommand         string      `yaml:"probe_command"`
	Audio                AudioConfig `yaml:"audio"`
}

type AudioConfig struct {
	Codec      string `yaml:"codec"`
	Bitrate    string `yaml:"bitrate"`
	Channels   int    `yaml:"channels"`
	SampleRate int    `yaml:"sample_rate"`
	Preset     string `yaml:"preset"`
	Threads    int    `yaml:"threads"`
	Format     string `yaml:"format"`
}

type TranscriptionConfig struct {
	Mode               string            `yaml:"mode"` // openai, exec, mock
	Endpoint           string            `yaml:"endpoint"`
	APIKey             string            `yaml:"api_key"`
	Command            string            `yaml:"command"`
	Model              string            `yaml:"model"`
	ResponseFormat     string            `yaml:"response_format"`
	Language           string            `yaml:"language"`
	Prompt             string            `yaml:"prompt"`
	MaxRetries         int               `yaml:"max_retries"`
	RetryDelayMS       int               `yaml:"retry_delay_ms"`
	MaxRetryDelayMS    int               `yaml:"max_retry_delay_ms"`
	TimeoutMS          int               `yaml:"timeout_ms"`
	BatchDelayMS       int               `yaml:"batch_delay_ms"`
	RequestsPerSecond  float64           `yaml:"requests_per_second"`
	MaxConcurrentCalls int               `yaml:"max_concurrent_calls"`
	MinFileBytes       int64             `yaml:"min_file_bytes"`
	MaxFileMB          int               `yaml:"max_file_mb"`
	SkipExisting       bool              `yaml:"skip_existing"`
	Parallelism        ParallelismConfig `yaml:"parallelism"`
}

type ParallelismConfig struct {
	Small  TierConfig `yaml:"small"`
	Medium TierConfig `yaml:"medium"`
	Large  TierConfig `yaml:"large"`
}

// TierConfig maps an average segment size bound to a worker count. A zero
// SizeLimitMB means the tier is unbounded.
type TierConfig struct {
	SizeLimitMB int `yaml:"size_limit_mb"`
	MaxParallel int `yaml:"max_parallel"`
}

type MonitoringConfig struct {
	Enabled                   bool    `yaml:"enabled"`
	DetailedLogs              bool    `yaml:"detailed_logs"`
	LogProgressInterval       int     `yaml:"log_progress_interval"`
	ExpectedSplitRate         float64 `yaml:"expected_split_rate"`
	ExpectedTranscriptionRate float64 `yaml:"expected_transcription_rate"`
	WarnRatio                 float64 `yaml:"warn_ratio"`
}

type ArchiveConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Hosts    []string `yaml:"hosts"`
	Keyspace string   `yaml:"keyspace"`
	Table    string   `yaml:"table"`
}

type FinalizeConfig struct {
	ResultCacheSize int `yaml:"result_cache_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:          "0.0.0.0",
			Port:          5001,
			MaxUploadMB:   1024,
			ReadTimeoutMS: 300000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxStoreMB:     1024,
		},
		Storage: StorageConfig{
			Root: "./temp",
		},
		Progress: ProgressConfig{
			Backend:       "file",
			SQLitePath:    "./data/scribe-progress.db",
			RetentionDays: 30,
			MaxSessions:   10000,
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "scribe:progress:",
		},
		Chunking: ChunkingConfig{
			ChunkDurationSeconds: 600,
			MaxParallelSplitting: 4,
			TranscoderCommand:    "ffmpeg -hide_banner -loglevel error",
			ProbeCommand:         "ffprobe -v error",
			Audio: AudioConfig{
				Codec:      "libmp3lame",
				Bitrate:    "128k",
				Channels:   1,
				SampleRate: 22050,
				Preset:     "fast",
				Threads:    2,
				Format:     "mp3",
			},
		},
		Transcription: TranscriptionConfig{
			Mode:               "mock",
			Endpoint:           "https://api.openai.com/v1",
			Model:              "whisper-1",
			ResponseFormat:     "text",
			Prompt:             "This is a transcript of a recorded lecture.",
			MaxRetries:         3,
			RetryDelayMS:       1000,
			MaxRetryDelayMS:    10000,
			TimeoutMS:          90000,
			BatchDelayMS:       1000,
			MaxConcurrentCalls: 16,
			MinFileBytes:       1024,
			MaxFileMB:          25,
			SkipExisting:       true,
			Parallelism: ParallelismConfig{
				Small:  TierConfig{SizeLimitMB: 5, MaxParallel: 12},
				Medium: TierConfig{SizeLimitMB: 15, MaxParallel: 8},
				Large:  TierConfig{MaxParallel: 4},
			},
		},
		Monitoring: MonitoringConfig{
			Enabled:                   true,
			DetailedLogs:              true,
			LogProgressInterval:       5,
			ExpectedSplitRate:         2.0,
			ExpectedTranscriptionRate: 0.5,
			WarnRatio:                 0.7,
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Hosts:    []string{"localhost"},
			Keyspace: "transcript_db",
			Table:    "lecture_transcripts",
		},
		Finalize: FinalizeConfig{
			ResultCacheSize: 64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "LOQA_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxStoreMB, "LOQA_BUS_MAX_STORE_MB")
	overrideString(&cfg.Storage.Root, "LOQA_STORAGE_ROOT")
	overrideString(&cfg.Progress.Backend, "LOQA_PROGRESS_BACKEND")
	overrideString(&cfg.Progress.SQLitePath, "LOQA_PROGRESS_SQLITE_PATH")
	overrideInt(&cfg.Progress.RetentionDays, "LOQA_PROGRESS_RETENTION_DAYS")
	overrideInt(&cfg.Progress.MaxSessions, "LOQA_PROGRESS_MAX_SESSIONS")
	overrideString(&cfg.Progress.RedisAddr, "LOQA_PROGRESS_REDIS_ADDR")
	overrideString(&cfg.Progress.RedisPassword, "LOQA_PROGRESS_REDIS_PASSWORD")
	overrideInt(&cfg.Progress.RedisDB, "LOQA_PROGRESS_REDIS_DB")
	overrideInt(&cfg.Chunking.ChunkDurationSeconds, "LOQA_CHUNKING_DURATION_SECONDS")
	overrideInt(&cfg.Chunking.MaxParallelSplitting, "LOQA_CHUNKING_MAX_PARALLEL")
	overrideString(&cfg.Chunking.TranscoderCommand, "LOQA_CHUNKING_TRANSCODER_COMMAND")
	overrideString(&cfg.Chunking.ProbeCommand, "LOQA_CHUNKING_PROBE_COMMAND")
	overrideString(&cfg.Transcription.Mode, "LOQA_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Endpoint, "LOQA_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Transcription.APIKey, "LOQA_TRANSCRIPTION_API_KEY")
	overrideString(&cfg.Transcription.Command, "LOQA_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.Model, "LOQA_TRANSCRIPTION_MODEL")
	overrideString(&cfg.Transcription.Language, "LOQA_TRANSCRIPTION_LANGUAGE")
	overrideString(&cfg.Transcription.Prompt, "LOQA_TRANSCRIPTION_PROMPT")
	overrideInt(&cfg.Transcription.MaxRetries, "LOQA_TRANSCRIPTION_MAX_RETRIES")
	overrideInt(&cfg.Transcription.TimeoutMS, "LOQA_TRANSCRIPTION_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.BatchDelayMS, "LOQA_TRANSCRIPTION_BATCH_DELAY_MS")
	overrideFloat(&cfg.Transcription.RequestsPerSecond, "LOQA_TRANSCRIPTION_REQUESTS_PER_SECOND")
	overrideInt(&cfg.Transcription.MaxConcurrentCalls, "LOQA_TRANSCRIPTION_MAX_CONCURRENT_CALLS")
	overrideBool(&cfg.Monitoring.Enabled, "LOQA_MONITORING_ENABLED")
	overrideBool(&cfg.Archive.Enabled, "LOQA_ARCHIVE_ENABLED")
	overrideStringSlice(&cfg.Archive.Hosts, "LOQA_ARCHIVE_HOSTS")
	overrideString(&cfg.Archive.Keyspace, "LOQA_ARCHIVE_KEYSPACE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.MaxStoreMB < 0 {
		return errors.New("bus.max_store_mb must not be negative")
	}
	if strings.TrimSpace(cfg.Storage.Root) == "" {
		return errors.New("storage.root must not be empty")
	}
	switch cfg.Progress.Backend {
	case "file":
	case "sqlite":
		if cfg.Progress.SQLitePath == "" {
			return errors.New("progress.sqlite_path must be set when backend=sqlite")
		}
	case "redis":
		if cfg.Progress.RedisAddr == "" {
			return errors.New("progress.redis_addr must be set when backend=redis")
		}
	default:
		return errors.New("progress.backend must be one of file|sqlite|redis")
	}
	if cfg.Progress.RetentionDays < 0 {
		return errors.New("progress.retention_days must be >= 0")
	}
	if cfg.Chunking.ChunkDurationSeconds <= 0 {
		return errors.New("chunking.chunk_duration_seconds must be positive")
	}
	if cfg.Chunking.MaxParallelSplitting <= 0 {
		return errors.New("chunking.max_parallel_splitting must be >= 1")
	}
	if cfg.Chunking.TranscoderCommand == "" {
		return errors.New("chunking.transcoder_command must not be empty")
	}
	if cfg.Chunking.Audio.Channels <= 0 {
		return errors.New("chunking.audio.channels must be positive")
	}
	if cfg.Chunking.Audio.SampleRate <= 0 {
		return errors.New("chunking.audio.sample_rate must be positive")
	}
	tc := cfg.Transcription
	switch tc.Mode {
	case "mock":
	case "openai":
		if tc.Endpoint == "" {
			return errors.New("transcription.endpoint must be set when mode=openai")
		}
	case "exec":
		if tc.Command == "" {
			return errors.New("transcription.command must be set when mode=exec")
		}
	default:
		return errors.New("transcription.mode must be one of mock|openai|exec")
	}
	if tc.MaxRetries <= 0 {
		return errors.New("transcription.max_retries must be >= 1")
	}
	if tc.TimeoutMS <= 0 {
		return errors.New("transcription.timeout_ms must be positive")
	}
	if tc.RetryDelayMS < 0 || tc.MaxRetryDelayMS < tc.RetryDelayMS {
		return errors.New("transcription.max_retry_delay_ms must be >= retry_delay_ms >= 0")
	}
	if tc.BatchDelayMS < 0 {
		return errors.New("transcription.batch_delay_ms must be >= 0")
	}
	if tc.MaxConcurrentCalls <= 0 {
		return errors.New("transcription.max_concurrent_calls must be >= 1")
	}
	if tc.MaxFileMB <= 0 || tc.MinFileBytes < 0 {
		return errors.New("transcription.max_file_mb must be positive and min_file_bytes >= 0")
	}
	p := tc.Parallelism
	if p.Small.MaxParallel <= 0 || p.Medium.MaxParallel <= 0 || p.Large.MaxParallel <= 0 {
		return errors.New("transcription.parallelism tiers need max_parallel >= 1")
	}
	if p.Small.SizeLimitMB <= 0 || p.Medium.SizeLimitMB <= p.Small.SizeLimitMB {
		return errors.New("transcription.parallelism size limits must satisfy 0 < small < medium")
	}
	if cfg.Monitoring.WarnRatio < 0 || cfg.Monitoring.WarnRatio > 1 {
		return errors.New("monitoring.warn_ratio must be between 0 and 1")
	}
	if cfg.Archive.Enabled {
		if len(cfg.Archive.Hosts) == 0 {
			return errors.New("archive.hosts must not be empty when archive is enabled")
		}
		if cfg.Archive.Keyspace == "" || cfg.Archive.Table == "" {
			return errors.New("archive.keyspace and archive.table must be set when archive is enabled")
		}
	}
	return nil
}
