package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string

	// Agent server (start/ping/stop/graphs).
	AgentServerURL   string
	AgentAPIToken    string
	GraphID          string
	DefaultGraphName string
	Language         string
	VoiceType        string

	// Media room signalling.
	RoomURL       string
	RoomAuthToken string

	// Messaging transport.
	NatsURL       string
	MessagingKV   bool
	SubjectPrefix string

	// Session defaults used by the control surface and auto-connect.
	Channel     string
	UserID      int
	AutoConnect bool

	HealthCheckInterval    time.Duration
	HealthCheckDelay       time.Duration
	AudioCheckInterval     time.Duration
	StopAgentOnRoomFailure bool
	MergeInterim           bool

	SlackBotToken     string
	SlackAlertChannel string

	OTelEndpoint    string
	OTelHeaders     string
	OTelServiceName string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	return Config{
		Port:     envInt("VOXLINK_PORT", 8710),
		LogLevel: envStr("LOG_LEVEL", "info"),

		AgentServerURL:   strings.TrimRight(envStr("AGENT_SERVER_URL", "http://localhost:8080"), "/"),
		AgentAPIToken:    envStr("AGENT_API_TOKEN", ""),
		GraphID:          envStr("VOXLINK_GRAPH_ID", ""),
		DefaultGraphName: envStr("VOXLINK_DEFAULT_GRAPH", "voice_assistant"),
		Language:         envStr("VOXLINK_LANGUAGE", "zh-CN"),
		VoiceType:        envStr("VOXLINK_VOICE_TYPE", "default"),

		RoomURL:       envStr("ROOM_URL", "ws://localhost:8080/room"),
		RoomAuthToken: envStr("ROOM_AUTH_TOKEN", ""),

		NatsURL:       envStr("NATS_URL", "nats://localhost:4222"),
		MessagingKV:   envBool("MESSAGING_KV_ENABLED", true),
		SubjectPrefix: envStr("MESSAGING_SUBJECT_PREFIX", "voxlink"),

		Channel:     envStr("VOXLINK_CHANNEL", ""),
		UserID:      envInt("VOXLINK_USER_ID", 0),
		AutoConnect: envBool("VOXLINK_AUTO_CONNECT", false),

		HealthCheckInterval:    time.Duration(envInt("HEALTH_CHECK_INTERVAL_MS", 30000)) * time.Millisecond,
		HealthCheckDelay:       time.Duration(envInt("HEALTH_CHECK_DELAY_MS", 5000)) * time.Millisecond,
		AudioCheckInterval:     time.Duration(envInt("AUDIO_CHECK_INTERVAL_MS", 5000)) * time.Millisecond,
		StopAgentOnRoomFailure: envBool("STOP_AGENT_ON_ROOM_FAILURE", false),
		MergeInterim:           envBool("TRANSCRIPT_MERGE_INTERIM", false),

		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", ""),

		OTelEndpoint:    envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelHeaders:     envStr("OTEL_EXPORTER_OTLP_HEADERS", ""),
		OTelServiceName: envStr("OTEL_SERVICE_NAME", "voxlink"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
