// Command tsproxy runs the bus-consumer proxy of spec §4.6: it reads
// TSKBATCH frames from a Kafka topic, filters and re-aggregates them
// through a Key Package, and flushes the result to a configured output
// backend, alongside a periodic stats Key Package flushed to its own
// backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/backend/bus"
	"github.com/caida/libtimeseries/backend/storage"
	"github.com/caida/libtimeseries/backend/text"
	"github.com/caida/libtimeseries/kp"
	"github.com/caida/libtimeseries/proxy"
)

// statsKeyPrefix is the fixed first component of every stats key this
// binary emits (§4.6's key template).
const statsKeyPrefix = "tsk-proxy"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "", "path to the proxy configuration file (required)")
	pflag.Parse()

	logger := logrus.StandardLogger()

	if *configPath == "" {
		logger.Error("tsproxy: -c/--config is required")
		return 1
	}
	cfg, err := proxy.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Error("tsproxy: loading configuration")
		return 1
	}
	switch {
	case cfg.LogLevel >= 2:
		logger.SetLevel(logrus.DebugLevel)
	case cfg.LogLevel == 1:
		logger.SetLevel(logrus.InfoLevel)
	default:
		logger.SetLevel(logrus.WarnLevel)
	}

	outputRegistry, outputBackends := buildRegistry(logger)
	defer freeAll(outputBackends)
	if _, err := outputRegistry.EnableBackend(cfg.TimeseriesBackend, cfg.TimeseriesDBATSOpts); err != nil {
		logger.WithError(err).Error("tsproxy: enabling output backend")
		return 1
	}

	statsRegistry, statsBackends := buildRegistry(logger)
	defer freeAll(statsBackends)
	if _, err := statsRegistry.EnableBackend(cfg.StatsTSBackend, cfg.StatsTSOpts); err != nil {
		logger.WithError(err).Error("tsproxy: enabling stats backend")
		return 1
	}

	outputKP := kp.New(outputRegistry, false)
	defer func() { _ = outputKP.Free() }()
	statsKP := kp.New(statsRegistry, true)
	defer func() { _ = statsKP.Free() }()

	filter := proxy.NewFilter(cfg.FilterPrefixes)
	processor, err := proxy.NewProcessor(logger, cfg.KafkaChannel, filter, outputKP, statsKP,
		statsKeyPrefix, cfg.KafkaConsumerGroup, cfg.KafkaTopicPrefix, uint32(cfg.StatsInterval))
	if err != nil {
		logger.WithError(err).Error("tsproxy: initializing processor")
		return 1
	}
	runner := proxy.NewRunner(logger, processor, nil)

	saramaCfg := sarama.NewConfig()
	if cfg.KafkaOffset == "earliest" {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	group, err := sarama.NewConsumerGroup(brokers, cfg.KafkaConsumerGroup, saramaCfg)
	if err != nil {
		logger.WithError(err).Error("tsproxy: connecting to kafka")
		return 1
	}
	defer func() { _ = group.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandler(logger, cancel)

	go func() {
		for err := range group.Errors() {
			logger.WithError(err).Warn("tsproxy: consumer group error")
		}
	}()

	for ctx.Err() == nil {
		if err := group.Consume(ctx, []string{cfg.Topic()}, runner); err != nil {
			logger.WithError(err).Error("tsproxy: fatal consume error")
			return 2
		}
	}

	if err := processor.FlushFinal(); err != nil {
		logger.WithError(err).Error("tsproxy: final flush failed")
		return 2
	}
	logger.Info("tsproxy: drained, exiting cleanly")
	return 0
}

// installSignalHandler implements §4.6 step 5 / §5's cancellation protocol:
// the first SIGINT begins a drain (by cancelling ctx, which unwinds
// group.Consume and invokes Runner.Cleanup); a third SIGINT, delivered while
// a drain is hung, exits immediately. Grounded on the teacher's two-signal
// interrupt handler (cmd/run.go), extended to a third delivery per spec.
func installSignalHandler(logger logrus.FieldLogger, cancel context.CancelFunc) {
	sigC := make(chan os.Signal, 3)
	signal.Notify(sigC, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigC
		logger.WithField("sig", sig).Warn("tsproxy: draining in response to signal")
		cancel()

		sig = <-sigC
		logger.WithField("sig", sig).Warn("tsproxy: still draining, one more signal forces exit")

		sig = <-sigC
		logger.WithField("sig", sig).Error("tsproxy: forcing immediate exit")
		os.Exit(130)
	}()
}

// buildRegistry constructs a registry carrying one instance of every
// backend this binary knows how to enable. Output and stats each get their
// own registry/instances so a KP's flush fans out only to the single
// backend its owner enabled (§4.2's "resolved once per process" scoping).
func buildRegistry(logger logrus.FieldLogger) (*backend.Registry, []backend.Backend) {
	reg := backend.NewRegistry(logger)

	textBackend := text.New(afero.NewOsFs(), os.Stdout)
	busBackend := bus.New(logger)
	storageBackend := storage.New(newFileStorageClient)

	_ = reg.Register(backend.IDText, "text", textBackend)
	_ = reg.Register(backend.IDBus, "bus", busBackend)
	_ = reg.Register(backend.IDStorage, "storage", storageBackend)

	return reg, []backend.Backend{textBackend, busBackend, storageBackend}
}

func newFileStorageClient(argv []string) (storage.StorageClient, error) {
	fs := backend.NewFlagSet("storage")
	path := fs.StringP("file", "f", "tsk-storage.out", "storage output file")
	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(*path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return storage.NewFileClient(f), nil
}

func freeAll(backends []backend.Backend) {
	for _, b := range backends {
		_ = b.Free()
	}
}
