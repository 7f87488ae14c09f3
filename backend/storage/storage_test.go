package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/wire"
)

type nopWriteCloser struct {
	*bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }

type stubKP struct {
	keys []struct {
		key     string
		value   uint64
		enabled bool
	}
}

func (s *stubKP) Size() int { return len(s.keys) }
func (s *stubKP) KeyAt(id int) (string, uint64, bool) {
	k := s.keys[id]
	return k.key, k.value, k.enabled
}
func (s *stubKP) KeyState(backend.ID, int) backend.KeyState     { return nil }
func (s *stubKP) SetKeyState(backend.ID, int, backend.KeyState) {}
func (s *stubKP) add(key string, value uint64, enabled bool) {
	s.keys = append(s.keys, struct {
		key     string
		value   uint64
		enabled bool
	}{key, value, enabled})
}

func TestFileClientWritePairRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	client := NewFileClient(nopWriteCloser{&buf})
	require.NoError(t, client.WritePair(100, "a.b", 42))

	h, n, err := wire.DecodeHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(100), h.Time)
	assert.Equal(t, "", h.Channel)

	p, _, err := wire.DecodePair(buf.Bytes()[n:])
	require.NoError(t, err)
	assert.Equal(t, wire.Pair{Key: "a.b", Value: 42}, p)
}

func TestKPFlushWritesOnlyEnabledKeys(t *testing.T) {
	var buf bytes.Buffer
	b := New(func([]string) (StorageClient, error) {
		return NewFileClient(nopWriteCloser{&buf}), nil
	})
	require.NoError(t, b.Init(nil))

	kp := &stubKP{}
	kp.add("k1", 1, true)
	kp.add("k2", 2, false)

	require.NoError(t, b.KPFlush(kp, nil, 10))

	_, n, err := wire.DecodeHeader(buf.Bytes())
	require.NoError(t, err)
	p, n2, err := wire.DecodePair(buf.Bytes()[n:])
	require.NoError(t, err)
	assert.Equal(t, wire.Pair{Key: "k1", Value: 1}, p)
	assert.Equal(t, len(buf.Bytes()), n+n2)
}

func TestSetSingleByIDUnsupported(t *testing.T) {
	b := New(func([]string) (StorageClient, error) { return nil, nil })
	require.NoError(t, b.Init(nil))
	err := b.SetSingleByID("x", 1, 2)
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}
