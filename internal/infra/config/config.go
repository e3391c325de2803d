package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию клиента.
type AppConfig struct {
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	Port     int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	AdminToken  string `envconfig:"ADMIN_TOKEN"`

	Identity struct {
		PrivateKey  string `envconfig:"IDENTITY_PRIVATE_KEY"`
		DisplayName string `envconfig:"PROFILE_NAME"`
	} `envconfig:""`

	Servers struct {
		URLs []string `envconfig:"PUBCHAT_SERVERS"`
		// PubKeys в формате host:base64, например chat.example.org:BWJQ...
		PubKeys           map[string]string `envconfig:"PUBCHAT_SERVER_PUBKEYS"`
		DefaultFileServer string            `envconfig:"DEFAULT_FILE_SERVER" default:"https://file.getsession.org"`
		MaxChannels       int               `envconfig:"MAX_CHANNELS" default:"0"`
	} `envconfig:""`

	Relay struct {
		Enabled    bool          `envconfig:"RELAY_ENABLED" default:"false"`
		Hosts      []string      `envconfig:"RELAY_HOSTS"`
		Nodes      []string      `envconfig:"RELAY_NODES"`
		PathLength int           `envconfig:"RELAY_PATH_LENGTH" default:"3"`
		Timeout    time.Duration `envconfig:"RELAY_TIMEOUT" default:"30s"`
		Cooldown   time.Duration `envconfig:"RELAY_NODE_COOLDOWN" default:"1m"`
	} `envconfig:""`

	HTTPTimeout  time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	TokenTimeout time.Duration `envconfig:"TOKEN_REFRESH_TIMEOUT" default:"30s"`

	Poll struct {
		Channel    time.Duration `envconfig:"POLL_CHANNEL_EVERY" default:"20s"`
		Moderators time.Duration `envconfig:"POLL_MODERATORS_EVERY" default:"30s"`
		Deletions  time.Duration `envconfig:"POLL_DELETIONS_EVERY" default:"5s"`
		Messages   time.Duration `envconfig:"POLL_MESSAGES_EVERY" default:"1500ms"`
	} `envconfig:""`

	Storage struct {
		Backend   string `envconfig:"STORAGE_BACKEND" default:"memory"`
		PGDSN     string `envconfig:"PG_DSN"`
		RedisAddr string `envconfig:"REDIS_ADDR"`
		RedisKey  string `envconfig:"REDIS_KEY_PREFIX" default:"pubchat"`
	} `envconfig:""`

	Events struct {
		Backend     string `envconfig:"EVENTS_BACKEND" default:"log"`
		RedisKey    string `envconfig:"EVENTS_QUEUE_KEY" default:"pubchat_events"`
		RabbitURL   string `envconfig:"RABBITMQ_URL"`
		RabbitQueue string `envconfig:"RABBITMQ_QUEUE" default:"pubchat_events"`
	} `envconfig:""`

	Telegram struct {
		Token        string `envconfig:"TG_BOT_TOKEN"`
		MirrorChatID int64  `envconfig:"TG_MIRROR_CHAT_ID"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
