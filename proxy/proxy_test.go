package proxy

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/kp"
	"github.com/caida/libtimeseries/wire"
)

// recordingBackend captures every flushed (key, value) batch, the same
// shape kp_test.go uses to assert on KPFlush calls.
type recordingBackend struct {
	flushes [][]flushedSample
}

type flushedSample struct {
	key   string
	value uint64
}

func (b *recordingBackend) Name() string        { return "recording" }
func (b *recordingBackend) Init([]string) error { return nil }
func (b *recordingBackend) Free() error         { return nil }
func (b *recordingBackend) KPInit(backend.KP) (backend.KPState, error) {
	return nil, nil
}
func (b *recordingBackend) KPFree(backend.KP, backend.KPState) error { return nil }
func (b *recordingBackend) KPKeyUpdate(backend.KP, backend.KPState) error {
	return nil
}
func (b *recordingBackend) KPKeyFree(backend.KP, int, backend.KeyState) error { return nil }
func (b *recordingBackend) KPFlush(kp backend.KP, _ backend.KPState, _ uint32) error {
	var batch []flushedSample
	for i := 0; i < kp.Size(); i++ {
		key, value, enabled := kp.KeyAt(i)
		if !enabled {
			continue
		}
		batch = append(batch, flushedSample{key: key, value: value})
	}
	b.flushes = append(b.flushes, batch)
	return nil
}
func (b *recordingBackend) SetSingle(string, uint64, uint32) error { return nil }
func (b *recordingBackend) SetSingleByID(interface{}, uint64, uint32) error {
	return backend.ErrUnsupported
}
func (b *recordingBackend) ResolveKey(key string) (interface{}, error) { return key, nil }
func (b *recordingBackend) ResolveKeyBulk(keys []string) ([]interface{}, bool, error) {
	return nil, false, backend.ErrUnsupported
}
func (b *recordingBackend) SetBulkInit(int, uint32) error         { return backend.ErrUnsupported }
func (b *recordingBackend) SetBulkByID(interface{}, uint64) error { return backend.ErrUnsupported }

func newTestRegistry(t *testing.T, b backend.Backend) *backend.Registry {
	t.Helper()
	r := backend.NewRegistry(nil)
	require.NoError(t, r.Register(backend.IDText, "recording", b))
	_, err := r.EnableBackend("recording", "")
	require.NoError(t, err)
	return r
}

func newTestProcessor(t *testing.T, channel string, filterPrefixes []string) (*Processor, *recordingBackend, *recordingBackend) {
	t.Helper()
	outBackend := &recordingBackend{}
	outKP := kp.New(newTestRegistry(t, outBackend), false)

	statsBackend := &recordingBackend{}
	statsKP := kp.New(newTestRegistry(t, statsBackend), true)

	logger, _ := test.NewNullLogger()
	p, err := NewProcessor(logger, channel, NewFilter(filterPrefixes), outKP, statsKP,
		"proxy", "cg", "tp", 60)
	require.NoError(t, err)
	return p, outBackend, statsBackend
}

func frame(t *testing.T, channel string, ts uint32, pairs ...wire.Pair) []byte {
	t.Helper()
	h := wire.Header{Time: ts, Channel: channel}
	buf := make([]byte, h.EncodedLen())
	n, err := wire.EncodeHeader(buf, h)
	require.NoError(t, err)
	buf = buf[:n]
	for _, p := range pairs {
		pbuf := make([]byte, p.EncodedLen())
		pn, err := wire.EncodePair(pbuf, p)
		require.NoError(t, err)
		buf = append(buf, pbuf[:pn]...)
	}
	return buf
}

// S5 — a time rollover across two frames triggers exactly one output flush,
// carrying only the samples seen at the earlier time.
func TestTimeRolloverTriggersExactlyOneFlush(t *testing.T) {
	p, out, _ := newTestProcessor(t, "test", nil)

	require.NoError(t, p.HandleFrame(frame(t, "test", 100, wire.Pair{Key: "a.b", Value: 1})))
	assert.Empty(t, out.flushes, "no flush until the time changes")

	require.NoError(t, p.HandleFrame(frame(t, "test", 101, wire.Pair{Key: "a.b", Value: 2})))
	require.Len(t, out.flushes, 1)
	assert.Equal(t, []flushedSample{{key: "a.b", value: 1}}, out.flushes[0])

	require.NoError(t, p.FlushFinal())
	require.Len(t, out.flushes, 2)
	assert.Equal(t, []flushedSample{{key: "a.b", value: 2}}, out.flushes[1])
}

// S6 — a truncated frame is logged and its trailing garbage dropped without
// being fatal to the message; messages_cnt still increments since the frame
// header itself was valid.
func TestTruncatedPairTailIsDroppedNotFatal(t *testing.T) {
	p, out, _ := newTestProcessor(t, "test", nil)

	good := frame(t, "test", 100, wire.Pair{Key: "a.b", Value: 1})
	truncated := append(good, 0xFF) // a partial pair header, not a valid one

	err := p.HandleFrame(truncated)
	assert.NoError(t, err)

	require.NoError(t, p.HandleFrame(frame(t, "test", 101)))
	require.Len(t, out.flushes, 1)
	assert.Equal(t, []flushedSample{{key: "a.b", value: 1}}, out.flushes[0])
}

// A bad magic/version header is a protocol error: HandleFrame returns an
// error and the frame is dropped wholesale.
func TestBadHeaderIsRejected(t *testing.T) {
	p, out, _ := newTestProcessor(t, "test", nil)

	err := p.HandleFrame([]byte("not a valid header at all"))
	assert.Error(t, err)
	assert.Empty(t, out.flushes)
}

// A frame for the wrong channel is rejected without disturbing the current
// time-rollover state.
func TestWrongChannelIsRejected(t *testing.T) {
	p, _, _ := newTestProcessor(t, "test", nil)

	err := p.HandleFrame(frame(t, "other", 100, wire.Pair{Key: "a.b", Value: 1}))
	assert.ErrorIs(t, err, ErrChannelMismatch)
}

// Property 6 — only keys matching a configured filter prefix reach the
// output KP; everything else is silently dropped.
func TestFilterPrefixDropsNonMatchingKeys(t *testing.T) {
	p, out, _ := newTestProcessor(t, "test", []string{"keep."})

	require.NoError(t, p.HandleFrame(frame(t, "test", 100,
		wire.Pair{Key: "keep.me", Value: 1},
		wire.Pair{Key: "drop.me", Value: 2},
	)))
	require.NoError(t, p.HandleFrame(frame(t, "test", 101)))

	require.Len(t, out.flushes, 1)
	assert.Equal(t, []flushedSample{{key: "keep.me", value: 1}}, out.flushes[0])
}

// Stats flush out at interval boundaries and carry the counters accumulated
// since the previous boundary.
func TestStatsFlushAtIntervalBoundary(t *testing.T) {
	p, _, stats := newTestProcessor(t, "test", nil)

	require.NoError(t, p.HandleFrame(frame(t, "test", 100, wire.Pair{Key: "a.b", Value: 1})))
	require.NoError(t, p.HandleFrame(frame(t, "test", 101)))

	require.NoError(t, p.MaybeFlushStats(60))
	require.Len(t, stats.flushes, 1)

	require.NoError(t, p.MaybeFlushStats(119))
	require.Len(t, stats.flushes, 1, "no flush before the next boundary")

	require.NoError(t, p.MaybeFlushStats(120))
	require.Len(t, stats.flushes, 2)
}
