package bus

import (
	"errors"

	"github.com/Shopify/sarama"
)

// errBadCodec is a fatal connect-time error (§7): an unknown compression
// codec name.
var errBadCodec = errors.New("bus: unknown compression codec")

// errFatal is returned by KPFlush and SetSingle once the backend's sticky
// status has latched to fatal (§7 "subsequent operations fail fast").
var errFatal = errors.New("bus: backend is in a fatal state")

// parseCodec maps the -C option to a sarama compression codec. snappy is
// the spec default (§4.5); lz4 and zstd are additional real codecs carried
// by sarama's own dependency tree (github.com/pierrec/lz4,
// github.com/klauspost/compress) so -C has more than one working choice.
func parseCodec(name string) (sarama.CompressionCodec, error) {
	switch name {
	case "", "none":
		return sarama.CompressionNone, nil
	case "snappy":
		return sarama.CompressionSnappy, nil
	case "gzip":
		return sarama.CompressionGZIP, nil
	case "lz4":
		return sarama.CompressionLZ4, nil
	case "zstd":
		return sarama.CompressionZSTD, nil
	default:
		return sarama.CompressionNone, errBadCodec
	}
}
