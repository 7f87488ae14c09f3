package proxy

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/caida/libtimeseries/kp"
	"github.com/caida/libtimeseries/wire"
)

// ErrChannelMismatch is a protocol error (§7): the frame's channel does not
// match the configured channel exactly.
var ErrChannelMismatch = errors.New("proxy: channel mismatch")

// Processor implements the per-message pipeline of §4.6: decode, filter,
// intern, time-change-driven flush, and stats accounting. It is kept free
// of any bus-client dependency so it can be driven directly in tests; the
// sarama wiring lives in runner.go, the thinner adapter layer, in the
// teacher's idiom of newCollectorAdapter (cmd/outputs.go) wrapping a
// foreign client behind a small interface.
type Processor struct {
	logger  logrus.FieldLogger
	channel string
	filter  *Filter

	outputKP *kp.KP

	statsKP           *kp.KP
	statsKeyIDs       map[string]int
	statsIntervalSec  uint32
	lastStatsBoundary uint32

	counters counters

	haveTime bool
	curTime  uint32
}

// NewProcessor constructs a Processor. statsInterval is in seconds (§6
// stats-interval); keyPrefix/consumerGroup/topicPrefix/channel feed the
// stats key template of §4.6.
func NewProcessor(
	logger logrus.FieldLogger,
	channel string,
	filter *Filter,
	outputKP, statsKP *kp.KP,
	keyPrefix, consumerGroup, topicPrefix string,
	statsIntervalSec uint32,
) (*Processor, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Processor{
		logger:           logger,
		channel:          channel,
		filter:           filter,
		outputKP:         outputKP,
		statsKP:          statsKP,
		statsKeyIDs:      make(map[string]int, len(statsSuffixes)),
		statsIntervalSec: statsIntervalSec,
	}
	for _, suffix := range statsSuffixes {
		name := statsKeyName(keyPrefix, consumerGroup, topicPrefix, channel, suffix)
		id, err := statsKP.AddKey(name)
		if err != nil {
			return nil, err
		}
		p.statsKeyIDs[suffix] = id
	}
	return p, nil
}

// HandleFrame decodes one binary batch frame and folds its pairs into the
// output KP (§4.6 main loop steps 1-2). Header protocol errors (bad
// magic/version, truncated header, channel mismatch) are logged and the
// frame is skipped; a truncated or malformed pair is logged and the rest of
// the frame from that point is dropped, keeping the pairs before it. None of
// these is fatal (§7).
func (p *Processor) HandleFrame(payload []byte) error {
	h, n, err := wire.DecodeHeader(payload)
	if err != nil {
		p.logger.WithError(err).Warn("proxy: dropping frame with invalid header")
		return err
	}
	if h.Channel != p.channel {
		p.logger.WithFields(logrus.Fields{
			"got":  h.Channel,
			"want": p.channel,
		}).Warn("proxy: dropping frame for wrong channel")
		return ErrChannelMismatch
	}

	if err := p.maybeFlush(h.Time); err != nil {
		p.logger.WithError(err).Error("proxy: flush failed")
	}

	buf := payload[n:]
	for len(buf) > 0 {
		pair, consumed, err := wire.DecodePair(buf)
		if err != nil {
			p.logger.WithError(err).Warn("proxy: dropping truncated tail of frame")
			break
		}
		buf = buf[consumed:]

		if !p.filter.Match(pair.Key) {
			continue
		}
		id, err := p.outputKP.AddKey(pair.Key)
		if err != nil {
			return err
		}
		if err := p.outputKP.Set(id, pair.Value); err != nil {
			return err
		}
		if err := p.outputKP.EnableKey(id); err != nil {
			return err
		}
	}

	p.counters.messagesCnt++
	p.counters.messagesBytes += uint64(len(payload))
	return nil
}

// maybeFlush implements §4.6's "group all samples for one second into one
// output batch": on a time change, the KP accumulated at the *previous*
// current time is flushed before the new time is adopted.
func (p *Processor) maybeFlush(msgTime uint32) error {
	if !p.haveTime {
		p.haveTime = true
		p.curTime = msgTime
		return nil
	}
	if p.curTime == msgTime {
		return nil
	}
	err := p.flushOutput(p.curTime)
	p.curTime = msgTime
	return err
}

func (p *Processor) flushOutput(t uint32) error {
	enabledBefore := p.outputKP.EnabledSize()
	err := p.outputKP.Flush(t)
	p.counters.flushCnt++
	p.counters.flushedKeyCnt += uint64(enabledBefore)
	return err
}

// FlushFinal flushes whatever the output KP has accumulated at the current
// time. Called on shutdown, once the main loop has decided to drain
// (§4.6 SIGINT handling, §5 cancellation).
func (p *Processor) FlushFinal() error {
	if !p.haveTime {
		return nil
	}
	return p.flushOutput(p.curTime)
}

// MaybeFlushStats flushes the stats KP once now crosses a new
// statsIntervalSec-aligned boundary (§4.6 step 4), then resets the
// counters for the next window.
func (p *Processor) MaybeFlushStats(now uint32) error {
	if p.statsIntervalSec == 0 {
		return nil
	}
	boundary := (now / p.statsIntervalSec) * p.statsIntervalSec
	if boundary <= p.lastStatsBoundary && p.lastStatsBoundary != 0 {
		return nil
	}
	if err := p.statsKP.Set(p.statsKeyIDs["flush_cnt"], p.counters.flushCnt); err != nil {
		return err
	}
	if err := p.statsKP.Set(p.statsKeyIDs["flushed_key_cnt"], p.counters.flushedKeyCnt); err != nil {
		return err
	}
	if err := p.statsKP.Set(p.statsKeyIDs["messages_cnt"], p.counters.messagesCnt); err != nil {
		return err
	}
	if err := p.statsKP.Set(p.statsKeyIDs["messages_bytes"], p.counters.messagesBytes); err != nil {
		return err
	}
	if err := p.statsKP.Flush(boundary); err != nil {
		return err
	}
	p.lastStatsBoundary = boundary
	p.counters.reset()
	return nil
}
