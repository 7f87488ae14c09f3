// Package proxy implements the bus consumer -> filter -> Key Package ->
// output backend pipeline of spec §4.6, plus its periodic stats emission.
package proxy

import (
	"os"

	"github.com/mstoykov/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the proxy's flat key:value configuration document (§6). All
// fields except LogLevel, FilterPrefixes and StatsInterval are required;
// a missing value is a fatal configuration error. Every field except
// FilterPrefixes also accepts a `TSPROXY_`-prefixed environment override,
// applied after the file is
// parsed — the same two-layer (file, then env) precedence the teacher uses
// for its cloud config (cloudapi/config.go's envConfig overlay).
type Config struct {
	LogLevel       int      `yaml:"log-level" envconfig:"TSPROXY_LOG_LEVEL"`
	FilterPrefixes []string `yaml:"filter-prefix"`

	TimeseriesBackend   string `yaml:"timeseries-backend" envconfig:"TSPROXY_TIMESERIES_BACKEND"`
	TimeseriesDBATSOpts string `yaml:"timeseries-dbats-opts" envconfig:"TSPROXY_TIMESERIES_DBATS_OPTS"`
	KafkaBrokers        string `yaml:"kafka-brokers" envconfig:"TSPROXY_KAFKA_BROKERS"`
	KafkaTopicPrefix    string `yaml:"kafka-topic-prefix" envconfig:"TSPROXY_KAFKA_TOPIC_PREFIX"`
	KafkaChannel        string `yaml:"kafka-channel" envconfig:"TSPROXY_KAFKA_CHANNEL"`
	KafkaConsumerGroup  string `yaml:"kafka-consumer-group" envconfig:"TSPROXY_KAFKA_CONSUMER_GROUP"`
	KafkaOffset         string `yaml:"kafka-offset" envconfig:"TSPROXY_KAFKA_OFFSET"`
	StatsInterval       int    `yaml:"stats-interval" envconfig:"TSPROXY_STATS_INTERVAL"`
	StatsTSBackend      string `yaml:"stats-ts-backend" envconfig:"TSPROXY_STATS_TS_BACKEND"`
	StatsTSOpts         string `yaml:"stats-ts-opts" envconfig:"TSPROXY_STATS_TS_OPTS"`
}

// requiredStringFields lists the struct fields spec §6 requires to be a
// non-empty string — every field except log-level, filter-prefix and
// stats-interval — in declaration order.
func (c Config) requiredStringFields() [][2]string {
	return [][2]string{
		{"timeseries-backend", c.TimeseriesBackend},
		{"timeseries-dbats-opts", c.TimeseriesDBATSOpts},
		{"kafka-brokers", c.KafkaBrokers},
		{"kafka-topic-prefix", c.KafkaTopicPrefix},
		{"kafka-channel", c.KafkaChannel},
		{"kafka-consumer-group", c.KafkaConsumerGroup},
		{"kafka-offset", c.KafkaOffset},
		{"stats-ts-backend", c.StatsTSBackend},
		{"stats-ts-opts", c.StatsTSOpts},
	}
}

// Validate checks that every field spec §6 marks required is present, and
// that FilterPrefixes does not exceed MaxFilterPrefixes.
func (c Config) Validate() error {
	for _, f := range c.requiredStringFields() {
		if f[1] == "" {
			return errors.Errorf("proxy: missing required config key %q", f[0])
		}
	}
	if c.KafkaOffset != "earliest" && c.KafkaOffset != "latest" {
		return errors.Errorf("proxy: kafka-offset must be \"earliest\" or \"latest\", got %q", c.KafkaOffset)
	}
	if len(c.FilterPrefixes) > MaxFilterPrefixes {
		return errors.Errorf("proxy: too many filter-prefix entries (%d > %d)", len(c.FilterPrefixes), MaxFilterPrefixes)
	}
	return nil
}

// LoadConfig reads a proxy configuration file, overlays any `TSPROXY_*`
// environment variables present, and validates the result, matching the
// teacher's file-then-env precedence (cloudapi/config.go's envConfig overlay).
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "proxy: reading config file")
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "proxy: parsing config file")
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = 60
	}
	if err := envconfig.Process("", &c, func(key string) (string, bool) {
		return os.LookupEnv(key)
	}); err != nil {
		return Config{}, errors.Wrap(err, "proxy: applying environment overrides")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Topic returns "<kafka-topic-prefix>.<kafka-channel>", the topic this
// proxy consumes from (§4.5/§4.6).
func (c Config) Topic() string {
	return c.KafkaTopicPrefix + "." + c.KafkaChannel
}
