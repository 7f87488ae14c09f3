// Package bus implements the message-bus streaming producer backend:
// a bounded-buffer, partitioned producer writing the TSKBATCH binary frame
// (§3) or the text frame (§6) to a Kafka topic.
//
// Grounded on the teacher's Kafka output
// (stats/kafka/collector_test.go, which drives a *sarama.MockBroker through
// a Config carrying Brokers/Topic and exercises Collector.formatSamples)
// and on the vendored github.com/Shopify/sarama client itself.
package bus

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"

	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/wire"
)

// Buffer sizing per §3/§4.5: a fixed 512 KiB buffer is reused across
// flushes; a frame is transmitted once its contents reach half that, which
// leaves headroom for the next write plus a fresh header.
const (
	defaultBufferSize = 512 * 1024
	flushThreshold    = defaultBufferSize / 2
)

// Reconnect backoff parameters (§4.5): initial wait 10s, doubled on each
// failure, capped at 180s, up to 8 attempts.
const (
	initialBackoff = 10 * time.Second
	maxBackoff     = 180 * time.Second
	maxAttempts    = 8
)

// syncProducer is the subset of sarama.SyncProducer the backend drives;
// narrowed to ease substituting a fake in tests.
type syncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Backend implements backend.Backend for the bus producer (§4.5).
type Backend struct {
	logger logrus.FieldLogger

	cfg   Config
	topic string

	newProducer func(brokers []string, cfg *sarama.Config) (syncProducer, error)
	sleep       func(time.Duration)

	producer syncProducer
	status   status

	buf       []byte
	cursor    int
	curTime   uint32
	haveFrame bool

	bulkExpected int
	bulkSeen     int
}

// New constructs a bus backend. logger is attached to every log line this
// backend emits.
func New(logger logrus.FieldLogger) *Backend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{
		logger:      logger,
		newProducer: defaultNewProducer,
		sleep:       time.Sleep,
		buf:         make([]byte, defaultBufferSize),
	}
}

func defaultNewProducer(brokers []string, cfg *sarama.Config) (syncProducer, error) {
	return sarama.NewSyncProducer(brokers, cfg)
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "bus" }

// Init parses argv, builds the codec/partitioner/producer configuration and
// connects with exponential backoff (§4.5 connection protocol). A DNS
// resolution failure or a bad compression codec is a fatal error (§7); a
// transport error that exhausts all reconnect attempts is also fatal.
func (b *Backend) Init(argv []string) error {
	cfg, err := ParseConfig(argv)
	if err != nil {
		return err
	}
	b.cfg = cfg
	b.topic = cfg.Topic()

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal

	codec, err := parseCodec(cfg.Codec.String)
	if err != nil {
		b.status.transitionTo(statusFatal)
		return err
	}
	saramaCfg.Producer.Compression = codec

	if cfg.Format.String == "text" {
		saramaCfg.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	} else {
		saramaCfg.Producer.Partitioner = newTimeBucketPartitioner
	}

	producer, err := b.connectWithBackoff(cfg.Brokers, saramaCfg)
	if err != nil {
		b.status.transitionTo(statusFatal)
		return err
	}
	b.producer = producer
	b.status = statusHealthy
	return nil
}

func (b *Backend) connectWithBackoff(brokers []string, cfg *sarama.Config) (syncProducer, error) {
	wait := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		producer, err := b.newProducer(brokers, cfg)
		if err == nil {
			return producer, nil
		}
		lastErr = err
		if isFatalConnectError(err) {
			return nil, err
		}
		b.logger.WithError(err).WithField("attempt", attempt).Warn("bus: connect failed, retrying")
		if attempt < maxAttempts {
			b.sleep(wait)
			wait *= 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
		}
	}
	return nil, lastErr
}

// isFatalConnectError reports whether err belongs to the fatal subset of
// §4.5/§7 ("bad compression, DNS resolution failure"), which should not be
// retried: a bad codec was already rejected in Init, so here it is DNS
// resolution failures surfaced by the underlying dialer.
func isFatalConnectError(err error) bool {
	if err == errBadCodec {
		return true
	}
	return strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "lookup")
}

// Free drains the outbound queue (polling until empty or the bus client's
// own close timeout elapses) and closes the producer (§5 resource
// discipline).
func (b *Backend) Free() error {
	if b.producer == nil {
		return nil
	}
	err := b.producer.Close()
	b.producer = nil
	return err
}

// KPInit requires no per-KP state: the backend's buffer is shared across
// every KP flushed through this backend instance (§5: concurrent flushes
// against one instance are therefore not safe and are disallowed).
func (b *Backend) KPInit(backend.KP) (backend.KPState, error) { return nil, nil }

// KPFree requires no per-KP state teardown.
func (b *Backend) KPFree(backend.KP, backend.KPState) error { return nil }

// KPKeyUpdate requires no per-key state: the bus backend resolves keys by
// string at flush time; it has no native per-key identifier.
func (b *Backend) KPKeyUpdate(backend.KP, backend.KPState) error { return nil }

// KPKeyFree requires no per-key state teardown.
func (b *Backend) KPKeyFree(backend.KP, int, backend.KeyState) error { return nil }

// KPFlush serializes every enabled key into one or more framed messages,
// transmitting whenever the buffer crosses 50% capacity, then transmits
// whatever remains (§4.5 flush policy, §8 property 8).
func (b *Backend) KPFlush(kp backend.KP, _ backend.KPState, t uint32) error {
	if b.status == statusFatal {
		return errFatal
	}
	b.resetBuffer(t)

	for i := 0; i < kp.Size(); i++ {
		key, value, enabled := kp.KeyAt(i)
		if !enabled {
			continue
		}
		if err := b.appendSample(key, value, t); err != nil {
			return err
		}
		if b.cursor >= flushThreshold {
			if err := b.transmit(); err != nil {
				return err
			}
			b.resetBuffer(t)
		}
	}
	if b.cursor > 0 {
		return b.transmit()
	}
	return nil
}

// resetBuffer starts a fresh header for (t, channel) at the front of the
// buffer, the "next fragment ... starts a fresh header" rule of §4.5.
func (b *Backend) resetBuffer(t uint32) {
	b.curTime = t
	b.cursor = 0
	b.haveFrame = false
	if b.cfg.Format.String == "text" {
		return
	}
	n, _ := wire.EncodeHeader(b.buf, wire.Header{Time: t, Channel: b.cfg.Channel.String})
	b.cursor = n
	b.haveFrame = true
}

func (b *Backend) appendSample(key string, value uint64, t uint32) error {
	if b.cfg.Format.String == "text" {
		n, err := wire.EncodeText(b.buf[b.cursor:], key, value, t)
		if err != nil {
			// The single line exceeds the buffer outright; flush what we
			// have and retry once against a freshly reset buffer.
			if err := b.transmit(); err != nil {
				return err
			}
			b.resetBuffer(t)
			n, err = wire.EncodeText(b.buf[b.cursor:], key, value, t)
			if err != nil {
				return err
			}
		}
		b.cursor += n
		return nil
	}

	n, err := wire.EncodePair(b.buf[b.cursor:], wire.Pair{Key: key, Value: value})
	if err != nil {
		if err := b.transmit(); err != nil {
			return err
		}
		b.resetBuffer(t)
		n, err = wire.EncodePair(b.buf[b.cursor:], wire.Pair{Key: key, Value: value})
		if err != nil {
			return err
		}
	}
	b.cursor += n
	return nil
}

// transmit sends the buffer's current contents as one message, sleeping
// 1 second and retrying (with no attempt limit) on a queue-full error, and
// resetting the buffer on any other
// error (§4.5 per-send retry, §7 "recoverable" vs other transport errors).
func (b *Backend) transmit() error {
	if b.cursor == 0 {
		return nil
	}
	payload := make([]byte, b.cursor)
	copy(payload, b.buf[:b.cursor])

	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Value: sarama.ByteEncoder(payload),
	}
	if b.cfg.Format.String != "text" {
		msg.Key = timeKey(b.curTime)
	}

	for {
		_, _, err := b.producer.SendMessage(msg)
		if err == nil {
			b.cursor = 0
			return nil
		}
		if err == sarama.ErrRequestTimedOut || isQueueFullError(err) {
			b.logger.Warn("bus: producer queue full, retrying")
			b.sleep(1 * time.Second)
			continue
		}
		b.logger.WithError(err).Error("bus: failed to produce")
		b.status.transitionTo(statusDisconnected)
		b.cursor = 0
		return err
	}
}

func isQueueFullError(err error) bool {
	return err == sarama.ErrOutOfBrokers
}

// SetSingle forms a single-pair message with its own header and transmits
// immediately (§4.5).
func (b *Backend) SetSingle(key string, value uint64, t uint32) error {
	if b.status == statusFatal {
		return errFatal
	}
	b.resetBuffer(t)
	if err := b.appendSample(key, value, t); err != nil {
		return err
	}
	return b.transmit()
}

// SetSingleByID is unsupported: the bus is append-only and stateless with
// respect to key identity (§4.5).
func (b *Backend) SetSingleByID(interface{}, uint64, uint32) error {
	return backend.ErrUnsupported
}

// ResolveKey is unsupported: consumers have no shared notion of a
// backend-native key handle across process boundaries (§4.5).
func (b *Backend) ResolveKey(string) (interface{}, error) {
	return nil, backend.ErrUnsupported
}

// ResolveKeyBulk is unsupported, for the same reason as ResolveKey.
func (b *Backend) ResolveKeyBulk([]string) ([]interface{}, bool, error) {
	return nil, false, backend.ErrUnsupported
}

// SetBulkInit is unsupported (§4.5); bulkExpected/bulkSeen exist to mirror
// the data model of §3 and are recorded here, but no code path advances or
// reads them — see DESIGN.md's note on the open question of a
// partially-aborted bulk write.
func (b *Backend) SetBulkInit(count int, _ uint32) error {
	b.bulkExpected = count
	b.bulkSeen = 0
	return backend.ErrUnsupported
}

// SetBulkByID is unsupported (§4.5).
func (b *Backend) SetBulkByID(interface{}, uint64) error {
	return backend.ErrUnsupported
}

var _ backend.Backend = (*Backend)(nil)
