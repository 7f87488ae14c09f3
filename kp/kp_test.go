package kp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caida/libtimeseries/backend"
)

// recordingBackend captures every (key, value, time) triple it is asked to
// flush, the way the teacher's testBackend in stats/registry_test.go
// records every submitted Point.
type recordingBackend struct {
	flushes [][]flushedSample
}

type flushedSample struct {
	key   string
	value uint64
}

func (b *recordingBackend) Name() string          { return "recording" }
func (b *recordingBackend) Init([]string) error   { return nil }
func (b *recordingBackend) Free() error           { return nil }
func (b *recordingBackend) KPInit(backend.KP) (backend.KPState, error) { return nil, nil }
func (b *recordingBackend) KPFree(backend.KP, backend.KPState) error  { return nil }
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

func TestKeyIDStability(t *testing.T) {
	r := newTestRegistry(t, &recordingBackend{})
	k := New(r, true)

	id1, err := k.AddKey("a.b")
	require.NoError(t, err)
	id2, err := k.AddKey("a.b")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, ok := k.GetKey("a.b")
	require.True(t, ok)
	assert.Equal(t, id1, got)

	idOther, err := k.AddKey("c.d")
	require.NoError(t, err)
	assert.NotEqual(t, id1, idOther)
}

// S3 — KP flush in reset mode.
func TestFlushResetMode(t *testing.T) {
	b := &recordingBackend{}
	r := newTestRegistry(t, b)
	k := New(r, true)

	i, err := k.AddKey("k")
	require.NoError(t, err)
	require.NoError(t, k.Set(i, 99))

	require.NoError(t, k.Flush(10))
	require.Len(t, b.flushes, 1)
	assert.Equal(t, []flushedSample{{key: "k", value: 99}}, b.flushes[0])

	v, err := k.Get(i)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
	assert.Equal(t, 0, k.EnabledSize())
}

// S4 — KP explicit mode, unset key.
func TestFlushExplicitModeUnsetKey(t *testing.T) {
	b := &recordingBackend{}
	r := newTestRegistry(t, b)
	k := New(r, false)

	_, err := k.AddKey("k")
	require.NoError(t, err)

	require.NoError(t, k.Flush(10))
	require.Len(t, b.flushes, 1)
	assert.Empty(t, b.flushes[0])
	assert.Equal(t, 1, k.Size())
}

func TestNonResetModePreservesValuesAndEnables(t *testing.T) {
	b := &recordingBackend{}
	r := newTestRegistry(t, b)
	k := New(r, false)

	i, err := k.AddKey("k")
	require.NoError(t, err)
	require.NoError(t, k.Set(i, 7))

	require.NoError(t, k.Flush(10))

	v, err := k.Get(i)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
	assert.Equal(t, k.Size(), k.EnabledSize())
}

func TestEnableAllModeReenablesEveryFlush(t *testing.T) {
	b := &recordingBackend{}
	r := newTestRegistry(t, b)
	k := New(r, true)

	i, err := k.AddKey("k")
	require.NoError(t, err)
	require.NoError(t, k.Set(i, 1))
	require.NoError(t, k.Flush(1))

	// value reset to 0 after flush, but enable-all mode re-enables at the
	// start of the *next* flush even without an intervening Set.
	require.NoError(t, k.Flush(2))
	require.Len(t, b.flushes, 2)
	assert.Equal(t, []flushedSample{{key: "k", value: 0}}, b.flushes[1])
}

func TestAddKeyNeverReordersExistingIDs(t *testing.T) {
	r := newTestRegistry(t, &recordingBackend{})
	k := New(r, true)

	idA, _ := k.AddKey("a")
	idB, _ := k.AddKey("b")
	idA2, _ := k.AddKey("a")

	assert.Equal(t, idA, idA2)
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, k.Size())
}

func TestGetUnknownKeyID(t *testing.T) {
	r := newTestRegistry(t, &recordingBackend{})
	k := New(r, true)
	_, err := k.Get(5)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFlushAttemptsAllBackendsEvenOnFailure(t *testing.T) {
	r := backend.NewRegistry(nil)
	failing := &failingBackend{}
	ok := &recordingBackend{}
	require.NoError(t, r.Register(backend.IDText, "failing", failing))
	require.NoError(t, r.Register(backend.IDBus, "ok", ok))
	_, err := r.EnableBackend("failing", "")
	require.NoError(t, err)
	_, err = r.EnableBackend("ok", "")
	require.NoError(t, err)

	k := New(r, true)
	_, err = k.AddKey("k")
	require.NoError(t, err)

	err = k.Flush(1)
	assert.Error(t, err)
	assert.Len(t, ok.flushes, 1)
}

type failingBackend struct{ recordingBackend }

var errFlushFailed = errors.New("flush failed")

func (b *failingBackend) KPFlush(backend.KP, backend.KPState, uint32) error {
	return errFlushFailed
}
