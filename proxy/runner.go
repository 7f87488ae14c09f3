package proxy

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"
)

// emptyPollTimeout and maxConsecutiveEmptyPolls implement §4.6's "on
// end-of-partition, tolerate up to 10 consecutive empty polls, then loop
// around" liveness rule: ConsumeClaim has no native poll-timeout notion
// once subscribed to a channel, so a per-poll select against a ticker
// stands in for it, the way the teacher's engine loop (cmd/run.go) uses a
// ticker to re-check a cancellation signal between blocking operations.
const (
	emptyPollTimeout         = 1 * time.Second
	maxConsecutiveEmptyPolls = 10
)

// Runner adapts a Processor to sarama's ConsumerGroupHandler, the thin
// wiring layer the teacher's cmd/outputs.go calls a "constructor adapter":
// all business logic lives in Processor, Runner only owns the mapping from
// sarama's session/claim types onto Processor calls plus the
// stats-flush/liveness ticking the library itself has no notion of.
type Runner struct {
	logger    logrus.FieldLogger
	processor *Processor
	nowFn     func() uint32
}

// NewRunner builds a Runner driving processor. nowFn supplies the wall-clock
// time used for stats-flush boundary checks; pass nil to use time.Now.
func NewRunner(logger logrus.FieldLogger, processor *Processor, nowFn func() uint32) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if nowFn == nil {
		nowFn = func() uint32 { return uint32(time.Now().Unix()) }
	}
	return &Runner{logger: logger, processor: processor, nowFn: nowFn}
}

// Setup implements sarama.ConsumerGroupHandler.
func (r *Runner) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup flushes whatever the output KP still holds before the partition
// assignment is released (§4.6 rollover-on-rebalance, §5 drain-before-exit).
func (r *Runner) Cleanup(sarama.ConsumerGroupSession) error {
	return r.processor.FlushFinal()
}

// ConsumeClaim implements sarama.ConsumerGroupHandler: it drives one
// partition's messages through the Processor until the session's context is
// cancelled (SIGINT drain, §4.6 step 5) or the claim closes (rebalance).
func (r *Runner) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	ticker := time.NewTicker(emptyPollTimeout)
	defer ticker.Stop()

	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			emptyPolls = 0
			if err := r.processor.HandleFrame(msg.Value); err != nil {
				r.logger.WithError(err).Warn("proxy: dropping unprocessable message")
			}
			sess.MarkMessage(msg, "")
			if err := r.processor.MaybeFlushStats(r.nowFn()); err != nil {
				r.logger.WithError(err).Error("proxy: stats flush failed")
			}
		case <-ticker.C:
			emptyPolls++
			if err := r.processor.MaybeFlushStats(r.nowFn()); err != nil {
				r.logger.WithError(err).Error("proxy: stats flush failed")
			}
			if emptyPolls >= maxConsecutiveEmptyPolls {
				emptyPolls = 0
			}
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*Runner)(nil)
