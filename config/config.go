// Package config loads the broker administration settings from a YAML file
// and MQADMIN_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings is the full configuration consumed at startup.
type Settings struct {
	MQTT  MQTTSettings  `mapstructure:"mqtt"`
	Kafka KafkaSettings `mapstructure:"kafka"`
	Store StoreSettings `mapstructure:"store"`

	// ConnectRetries bounds the retry attempts inside connect/reconnect.
	ConnectRetries uint64        `mapstructure:"connect_retries"`
	RetryInitial   time.Duration `mapstructure:"retry_initial"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
}

// MQTTSettings configures the fan-out broker connection.
type MQTTSettings struct {
	BrokerURL string        `mapstructure:"broker_url" validate:"required"`
	ClientID  string        `mapstructure:"client_id"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	KeepAlive time.Duration `mapstructure:"keepalive"`
	// Namespace is the default topic namespace, prefixed to bare topic
	// names by the surrounding routing layer.
	Namespace string `mapstructure:"namespace"`
}

// KafkaSettings configures the partitioned log broker connection.
type KafkaSettings struct {
	Brokers   []string `mapstructure:"brokers" validate:"required,min=1"`
	ClientID  string   `mapstructure:"client_id"`
	GroupID   string   `mapstructure:"group_id"`
	Namespace string   `mapstructure:"namespace"`
}

// StoreSettings selects and configures the message history medium.
type StoreSettings struct {
	Backend string        `mapstructure:"backend" validate:"oneof=memory redis"`
	Redis   RedisSettings `mapstructure:"redis"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (s *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if s.Store.Backend == "redis" && s.Store.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: store.redis.addr is required for the redis backend")
	}
	return nil
}

// Load reads mqadmin.yaml from the given path (and the working directory),
// then applies MQADMIN_* environment overrides, e.g. MQADMIN_MQTT_BROKER_URL
// or MQADMIN_KAFKA_BROKERS.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("mqadmin")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; the environment can carry everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("MQADMIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.client_id", "mqadmin")
	v.SetDefault("mqtt.keepalive", 30*time.Second)
	v.SetDefault("kafka.client_id", "mqadmin")
	v.SetDefault("kafka.group_id", "mqadmin")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("connect_retries", 5)
	v.SetDefault("retry_initial", 500*time.Millisecond)
	v.SetDefault("retry_max", 30*time.Second)
}

func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"mqtt.broker_url",
		"mqtt.client_id",
		"mqtt.username",
		"mqtt.password",
		"mqtt.keepalive",
		"mqtt.namespace",
		"kafka.brokers",
		"kafka.client_id",
		"kafka.group_id",
		"kafka.namespace",
		"store.backend",
		"store.redis.addr",
		"store.redis.password",
		"store.redis.db",
		"connect_retries",
		"retry_initial",
		"retry_max",
	} {
		_ = v.BindEnv(key)
	}
}
