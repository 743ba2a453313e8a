package config

// Config is the on-disk shape of chatcore.yaml (or .json).
//
// Durations are Go duration strings ("60s", "250ms") and byte sizes accept
// KB/MB/GB suffixes ("50MB"). Zero values fall back to the defaults applied
// by Normalize.
type Config struct {
	Logging     LoggingConfig              `json:"logging"`
	HTTP        HTTPConfig                 `json:"http"`
	Transport   TransportConfig            `json:"transport"`
	Storage     StorageConfig              `json:"storage"`
	RateLimits  map[string]RateLimitConfig `json:"rate_limits,omitempty"`
	Caches      map[string]CacheConfig     `json:"caches,omitempty"`
	Broadcast   BroadcastConfig            `json:"broadcast"`
	Audit       AuditConfig                `json:"audit"`
	Maintenance MaintenanceConfig          `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	Forward LoggingForward    `json:"forward"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward sends warn-and-above records to the Telegram alert chat
// configured under audit.telegram.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type HTTPConfig struct {
	Addr            string   `json:"addr"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	IdleTimeout     string   `json:"idle_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	Pprof           bool     `json:"pprof,omitempty"`
	OriginPatterns  []string `json:"origin_patterns,omitempty"`
	SendBuffer      int      `json:"send_buffer,omitempty"`
}

type TransportConfig struct {
	// Driver is "memory" (single process) or "redis".
	Driver           string      `json:"driver"`
	SubscriberBuffer int         `json:"subscriber_buffer,omitempty"`
	Redis            RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type StorageConfig struct {
	// Driver is "none", "file" or "sqlite".
	Driver          string `json:"driver"`
	Path            string `json:"path,omitempty"`
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	PersistMessages bool   `json:"persist_messages,omitempty"`
}

// RateLimitConfig configures one named limiter (message, typing, upload, ...).
type RateLimitConfig struct {
	Window            string          `json:"window"`
	MaxRequests       int             `json:"max_requests"`
	BurstLimit        int             `json:"burst_limit,omitempty"`
	BurstWindow       string          `json:"burst_window,omitempty"`
	AuditThreshold    int             `json:"audit_threshold,omitempty"`
	CriticalThreshold int             `json:"critical_threshold,omitempty"`
	Adaptive          *AdaptiveConfig `json:"adaptive,omitempty"`
}

type AdaptiveConfig struct {
	Enabled         bool           `json:"enabled"`
	History         string         `json:"history,omitempty"`
	LowTrust        int            `json:"low_trust,omitempty"`
	HighTrust       int            `json:"high_trust,omitempty"`
	LowMaxFactor    float64        `json:"low_max_factor,omitempty"`
	LowBurstFactor  float64        `json:"low_burst_factor,omitempty"`
	HighMaxFactor   float64        `json:"high_max_factor,omitempty"`
	HighBurstFactor float64        `json:"high_burst_factor,omitempty"`
	Points          map[string]int `json:"points,omitempty"`
}

// CacheConfig configures one named cache (messages, users, files, unread).
type CacheConfig struct {
	TTL                  string `json:"ttl,omitempty"`
	MaxSize              int    `json:"max_size,omitempty"`
	MaxMemory            string `json:"max_memory,omitempty"`
	StaleTime            string `json:"stale_time,omitempty"`
	GCInterval           string `json:"gc_interval,omitempty"`
	CompressionThreshold string `json:"compression_threshold,omitempty"`
}

type BroadcastConfig struct {
	MaxRetries int    `json:"max_retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	// Ordering is "best_effort" (default) or "strict".
	Ordering        string `json:"ordering,omitempty"`
	RoomIdleTimeout string `json:"room_idle_timeout,omitempty"`
	DedupWindow     int    `json:"dedup_window,omitempty"`
}

type AuditConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	RetryMaxGap string `json:"retry_max_delay,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`

	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	MinSeverity string `json:"min_severity,omitempty"`
}

// MaintenanceConfig holds cron specs ("@every 1m", "0 */5 * * * *").
// An empty spec disables the job.
type MaintenanceConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	LimiterSweep string `json:"limiter_sweep,omitempty"`
	RoomSweep    string `json:"room_sweep,omitempty"`
	StatsLog     string `json:"stats_log,omitempty"`
}
