package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":7001"
	} `yaml:"http"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	// Store selects the persistence backend: "mysql" or "memory" (single node dev).
	Store struct {
		Driver string `yaml:"driver"`

		// Users seeds the memory driver's login directory.
		Users []SeedUser `yaml:"users"`
	} `yaml:"store"`

	RocketMQ struct {
		Enabled       bool   `yaml:"enabled"`
		NameServer    string `yaml:"name_server"`
		ProducerGroup string `yaml:"producer_group"`
		ConsumerGroup string `yaml:"consumer_group"`
		AccessKey     string `yaml:"access_key"`
		SecretKey     string `yaml:"secret_key"`

		// Topic receives persisted events from the outbox.
		Topic string `yaml:"topic"`
		Tag   string `yaml:"tag"`

		// IngestTopic carries notifications produced by other services.
		IngestTopic string `yaml:"ingest_topic"`
	} `yaml:"rocketmq"`

	Outbox struct {
		Tick  time.Duration `yaml:"tick"`
		Batch int           `yaml:"batch"`
	} `yaml:"outbox"`

	WS struct {
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		PongWait        time.Duration `yaml:"pong_wait"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		OutQueue        int           `yaml:"out_queue"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
	} `yaml:"ws"`

	Broker struct {
		Enabled          bool          `yaml:"enabled"`
		Channel          string        `yaml:"channel"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerWindow    time.Duration `yaml:"breaker_window"`
		BreakerOpenFor   time.Duration `yaml:"breaker_open_for"`
	} `yaml:"broker"`

	Sync struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"sync"`

	Timeout time.Duration `yaml:"timeout"`

	Auth struct {
		Token struct {
			Header       string        `yaml:"header"`
			BearerPrefix string        `yaml:"bearer_prefix"`
			QueryKey     string        `yaml:"query_key"`
			RedisPrefix  string        `yaml:"redis_prefix"`
			Secret       string        `yaml:"secret"`
			Issuer       string        `yaml:"issuer"`
			AccessTTL    time.Duration `yaml:"access_ttl"`
			RefreshTTL   time.Duration `yaml:"refresh_ttl"`
			RefreshGrace time.Duration `yaml:"refresh_grace"`

			// CacheTTL bounds how long a session lookup is trusted.
			CacheTTL time.Duration `yaml:"cache_ttl"`
		} `yaml:"token"`

		// InternalKey is the shared secret for /internal/* callers.
		InternalKey string `yaml:"internal_key"`
	} `yaml:"auth"`
}

type SeedUser struct {
	UserID       int64  `yaml:"user_id"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// Load supports comma-separated config files: "-c common.yml,im-realtime.yml"
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-realtime.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	if c.Auth.Token.Secret == "" {
		return nil, errors.New("auth.token.secret is required")
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":7001"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "mysql"
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.RocketMQ.ProducerGroup == "" {
		c.RocketMQ.ProducerGroup = "im-realtime-producer"
	}
	if c.RocketMQ.ConsumerGroup == "" {
		c.RocketMQ.ConsumerGroup = "im-realtime-ingest"
	}
	if c.RocketMQ.Topic == "" {
		c.RocketMQ.Topic = "im_realtime_event"
	}
	if c.RocketMQ.IngestTopic == "" {
		c.RocketMQ.IngestTopic = "im_notify_ingest"
	}
	if c.WS.WriteTimeout == 0 {
		c.WS.WriteTimeout = 5 * time.Second
	}
	if c.WS.PongWait == 0 {
		c.WS.PongWait = 60 * time.Second
	}
	if c.WS.PingInterval == 0 || c.WS.PingInterval >= c.WS.PongWait {
		c.WS.PingInterval = c.WS.PongWait * 9 / 10
	}
	if c.WS.OutQueue <= 0 {
		c.WS.OutQueue = 256
	}
	if c.WS.MaxMessageBytes <= 0 {
		c.WS.MaxMessageBytes = 64 << 10
	}
	if c.Broker.Channel == "" {
		c.Broker.Channel = "im:realtime:fanout"
	}
	if c.Sync.DefaultLimit <= 0 {
		c.Sync.DefaultLimit = 50
	}
	if c.Sync.MaxLimit <= 0 {
		c.Sync.MaxLimit = 200
	}
	// auth defaults
	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		c.Auth.Token.RedisPrefix = "im:session:"
	}
	if c.Auth.Token.Issuer == "" {
		c.Auth.Token.Issuer = "yuim"
	}
	if c.Auth.Token.AccessTTL == 0 {
		c.Auth.Token.AccessTTL = 15 * time.Minute
	}
	if c.Auth.Token.RefreshTTL == 0 {
		c.Auth.Token.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.Auth.Token.RefreshGrace == 0 {
		c.Auth.Token.RefreshGrace = 30 * time.Second
	}
	if c.Auth.Token.CacheTTL == 0 {
		c.Auth.Token.CacheTTL = 5 * time.Second
	}
}
