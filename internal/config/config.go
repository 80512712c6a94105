// Package config loads the service's environment-variable surface with
// typed getters and defaults: each getter parses with a safe fallback
// on a missing or malformed value rather than failing startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved, immutable configuration snapshot
// loaded once at startup.
type Config struct {
	// Network
	Host         string
	Port         int
	ClientTimeout time.Duration
	KeepAlive     time.Duration
	MaxPayload    int64
	CORSOrigins   []string

	// Downloader
	DownloadCommand string
	DownloadTimeout time.Duration
	MaxFileSizeMB   int64

	// Encoder
	FFmpegCommand     string
	VideoCodec        string
	AudioCodec        string
	Preset            string
	CRF               int
	AudioBitrate      string
	ProcessingTimeout time.Duration

	// Capacity
	MaxConcurrentDownloads int
	MaxConcurrentProcessing int
	MaxConcurrentJobs       int
	AdmitRatePerSecond      float64
	AdmitBurst              int

	// Storage
	StoragePath     string
	WorkingDir      string
	DatabaseURL     string
	DBMaxConnections int

	// Security
	AllowedDomains []string
	MaxURLLength   int

	// Retention
	RetentionEnabled     bool
	RetentionDays        int
	CleanupIntervalHours int

	// Observability
	LogLevel  string
	LogFormat string
}

// Load reads the process environment and returns a Config with
// defaults substituted for anything unset or unparsable.
func Load() *Config {
	return &Config{
		Host:          getString("HOST", "0.0.0.0"),
		Port:          getInt("PORT", 8080),
		ClientTimeout: getDuration("CLIENT_TIMEOUT", 30*time.Second),
		KeepAlive:     getDuration("KEEP_ALIVE", 60*time.Second),
		MaxPayload:    getInt64("MAX_PAYLOAD", 1<<20),
		CORSOrigins:   getList("CORS_ORIGINS", nil),

		DownloadCommand: getString("DOWNLOAD_COMMAND", "yt-dlp"),
		DownloadTimeout: getDuration("DOWNLOAD_TIMEOUT", 900*time.Second),
		MaxFileSizeMB:   getInt64("MAX_FILE_SIZE_MB", 500),

		FFmpegCommand:     getString("FFMPEG_COMMAND", "ffmpeg"),
		VideoCodec:        getString("VIDEO_CODEC", "libx264"),
		AudioCodec:        getString("AUDIO_CODEC", "aac"),
		Preset:            getString("PRESET", "medium"),
		CRF:               getInt("CRF", 23),
		AudioBitrate:      getString("AUDIO_BITRATE", "128k"),
		ProcessingTimeout: getDuration("PROCESSING_TIMEOUT", 900*time.Second),

		MaxConcurrentDownloads:  getInt("MAX_CONCURRENT_DOWNLOADS", 2),
		MaxConcurrentProcessing: getInt("MAX_CONCURRENT_PROCESSING", 1),
		MaxConcurrentJobs:       getInt("MAX_CONCURRENT_JOBS", 2),
		AdmitRatePerSecond:      getFloat("ADMIT_RATE_PER_SECOND", 5),
		AdmitBurst:              getInt("ADMIT_BURST", 10),

		StoragePath:      getString("STORAGE_PATH", "./data/storage"),
		WorkingDir:       getString("WORKING_DIR", "./data/working"),
		DatabaseURL:      getString("DATABASE_URL", "./data/aperio.db"),
		DBMaxConnections: getInt("DB_MAX_CONNECTIONS", 10),

		AllowedDomains: getList("ALLOWED_DOMAINS", []string{"youtube.com", "www.youtube.com"}),
		MaxURLLength:   getInt("MAX_URL_LENGTH", 2048),

		RetentionEnabled:     getBool("RETENTION_ENABLED", true),
		RetentionDays:        getInt("RETENTION_DAYS", 30),
		CleanupIntervalHours: getInt("CLEANUP_INTERVAL_HOURS", 24),

		LogLevel:  getString("LOG_LEVEL", "info"),
		LogFormat: getString("LOG_FORMAT", "json"),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Plain seconds are accepted in addition to Go duration strings,
	// since most of the env names above ("_TIMEOUT", "_HOURS") read as
	// bare numbers in ops runbooks.
	if n, err := strconv.Atoi(v); err == nil {
		if strings.HasSuffix(key, "_HOURS") {
			return time.Duration(n) * time.Hour
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
