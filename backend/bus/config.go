package bus

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v3"

	"github.com/caida/libtimeseries/backend"
)

// Config is the bus producer backend's parsed option string (§4.5, §6):
//
//	-b <brokers>       required, comma-separated
//	-c <channel>       required
//	-C <codec>         default "snappy"
//	-f <text|binary>   default "binary"
//	-p <topic-prefix>  default "tsk-production"
//
// Nullable fields follow the teacher's convention
// (stats/kafka/collector_test.go's Config{Brokers, Topic: null.NewString(...)})
// of distinguishing "not set" from "set to the zero value".
type Config struct {
	Brokers     []string
	Channel     null.String
	Codec       null.String
	Format      null.String
	TopicPrefix null.String
}

const (
	// DefaultCodec is the compression codec used when -C is absent.
	DefaultCodec = "snappy"
	// DefaultFormat is the wire format used when -f is absent.
	DefaultFormat = "binary"
	// DefaultTopicPrefix is the topic prefix used when -p is absent.
	DefaultTopicPrefix = "tsk-production"
)

// ParseConfig parses a bus backend argv into a Config, applying defaults.
func ParseConfig(argv []string) (Config, error) {
	fs := backend.NewFlagSet("bus")
	brokers := fs.StringP("brokers", "b", "", "comma-separated broker list (required)")
	channel := fs.StringP("channel", "c", "", "channel name (required)")
	codec := fs.StringP("codec", "C", DefaultCodec, "compression codec: none|snappy|gzip|lz4|zstd")
	format := fs.StringP("format", "f", DefaultFormat, "wire format: text|binary")
	prefix := fs.StringP("prefix", "p", DefaultTopicPrefix, "topic prefix")
	if err := fs.Parse(argv); err != nil {
		return Config{}, errors.Wrap(err, "bus: parsing options")
	}

	if *brokers == "" {
		return Config{}, errors.New("bus: -b <brokers> is required")
	}
	if *channel == "" {
		return Config{}, errors.New("bus: -c <channel> is required")
	}
	if *format != "text" && *format != "binary" {
		return Config{}, errors.Errorf("bus: unsupported format %q", *format)
	}

	return Config{
		Brokers:     strings.Split(*brokers, ","),
		Channel:     null.StringFrom(*channel),
		Codec:       null.StringFrom(*codec),
		Format:      null.StringFrom(*format),
		TopicPrefix: null.StringFrom(*prefix),
	}, nil
}

// Topic returns "<prefix>.<channel>", the effective topic this config
// produces to (§4.5).
func (c Config) Topic() string {
	return c.TopicPrefix.String + "." + c.Channel.String
}
