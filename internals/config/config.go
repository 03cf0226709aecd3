package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Signaling SignalingConfig `yaml:"signaling"`
	Room      RoomConfig      `yaml:"room"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxRooms        int           `yaml:"max_rooms"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SignalingConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SendBuffer      int           `yaml:"send_buffer"`
	WSReadLimit     int64         `yaml:"ws_read_limit"`
	WSWriteTimeout  time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout   time.Duration `yaml:"ws_pong_timeout"`
	WSPingInterval  time.Duration `yaml:"ws_ping_interval"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	MaxRoomIDLength int           `yaml:"max_room_id_length"`
	MaxPeerIDLength int           `yaml:"max_peer_id_length"`
}

type RoomConfig struct {
	MaxPeers int `yaml:"max_peers"`

	// Spotlight selection
	MaxSpotlights       int `yaml:"max_spotlights"`
	SpeakerHistoryLimit int `yaml:"speaker_history_limit"`

	// Replayed history
	ChatHistoryLimit int `yaml:"chat_history_limit"`
	FileHistoryLimit int `yaml:"file_history_limit"`

	// How long a disconnected peer keeps its seat before the room gives up on it.
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`

	StatusLogInterval time.Duration `yaml:"status_log_interval"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("MEETING_HOST", "0.0.0.0"),
			Port:            getEnvInt("MEETING_PORT", 8080),
			ReadTimeout:     getEnvSeconds("MEETING_READ_TIMEOUT", 30),
			WriteTimeout:    getEnvSeconds("MEETING_WRITE_TIMEOUT", 30),
			MaxRooms:        getEnvInt("MEETING_MAX_ROOMS", 1000),
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: getEnvSeconds("MEETING_SHUTDOWN_TIMEOUT", 10),
		},
		Signaling: SignalingConfig{
			RequestTimeout:  getEnvMillis("MEETING_REQUEST_TIMEOUT_MS", 10000),
			SendBuffer:      getEnvInt("MEETING_SEND_BUFFER", 256),
			WSReadLimit:     int64(getEnvInt("MEETING_WS_READ_LIMIT", 524288)),
			WSWriteTimeout:  getEnvSeconds("MEETING_WS_WRITE_TIMEOUT", 10),
			WSPongTimeout:   getEnvSeconds("MEETING_WS_PONG_TIMEOUT", 60),
			WSPingInterval:  getEnvSeconds("MEETING_WS_PING_INTERVAL", 54),
			RateLimitPerSec: float64(getEnvInt("MEETING_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("MEETING_RATE_LIMIT_BURST", 40),
			MaxRoomIDLength: getEnvInt("MEETING_MAX_ROOM_ID_LENGTH", 128),
			MaxPeerIDLength: getEnvInt("MEETING_MAX_PEER_ID_LENGTH", 128),
		},
		Room: RoomConfig{
			MaxPeers:            getEnvInt("ROOM_MAX_PEERS", 100),
			MaxSpotlights:       getEnvInt("ROOM_MAX_SPOTLIGHTS", 4),
			SpeakerHistoryLimit: getEnvInt("ROOM_SPEAKER_HISTORY_LIMIT", 16),
			ChatHistoryLimit:    getEnvInt("ROOM_CHAT_HISTORY_LIMIT", 500),
			FileHistoryLimit:    getEnvInt("ROOM_FILE_HISTORY_LIMIT", 100),
			ReconnectGrace:      getEnvSeconds("ROOM_RECONNECT_GRACE_SEC", 120),
			StatusLogInterval:   getEnvSeconds("ROOM_STATUS_LOG_INTERVAL_SEC", 30),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}
