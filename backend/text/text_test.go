package text

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caida/libtimeseries/backend"
)

// stubKP is a minimal backend.KP used to drive KPFlush without a real
// kp.KP, matching the teacher's style of hand-built fakes in
// stats/registry_test.go's testBackend.
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
func (s *stubKP) KeyState(backend.ID, int) backend.KeyState       { return nil }
func (s *stubKP) SetKeyState(backend.ID, int, backend.KeyState) {}

func (s *stubKP) add(key string, value uint64, enabled bool) {
	s.keys = append(s.keys, struct {
		key     string
		value   uint64
		enabled bool
	}{key, value, enabled})
}

// S1 — text single write.
func TestSetSingleToStdout(t *testing.T) {
	var out bytes.Buffer
	b := New(afero.NewMemMapFs(), &out)
	require.NoError(t, b.Init(nil))

	require.NoError(t, b.SetSingle("a.b", 42, 1700000000))
	assert.Equal(t, "a.b 42 1700000000\n", out.String())
}

func TestKPFlushWritesOnlyEnabledKeys(t *testing.T) {
	var out bytes.Buffer
	b := New(afero.NewMemMapFs(), &out)
	require.NoError(t, b.Init(nil))

	kp := &stubKP{}
	kp.add("k1", 1, true)
	kp.add("k2", 2, false)
	kp.add("k3", 3, true)

	require.NoError(t, b.KPFlush(kp, nil, 100))
	assert.Equal(t, "k1 1 100\nk3 3 100\n", out.String())
}

func TestInitWritesToFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	b := New(fs, nil)
	require.NoError(t, b.Init([]string{"-f", "/tmp/out.txt"}))
	require.NoError(t, b.SetSingle("x", 1, 2))
	require.NoError(t, b.Free())

	data, err := afero.ReadFile(fs, "/tmp/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "x 1 2\n", string(data))
}

func TestInitCompressedSuffixUsesGzip(t *testing.T) {
	fs := afero.NewMemMapFs()
	b := New(fs, nil)
	require.NoError(t, b.Init([]string{"-f", "/tmp/out.txt.gz", "-c", "9"}))
	require.NoError(t, b.SetSingle("x", 1, 2))
	require.NoError(t, b.Free())

	info, err := fs.Stat("/tmp/out.txt.gz")
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestResolveKeyReturnsKeyItself(t *testing.T) {
	b := New(afero.NewMemMapFs(), nil)
	id, err := b.ResolveKey("a.b")
	require.NoError(t, err)
	assert.Equal(t, "a.b", id)
}

func TestSetSingleByIDUnsupported(t *testing.T) {
	b := New(afero.NewMemMapFs(), nil)
	err := b.SetSingleByID("a.b", 1, 2)
	assert.ErrorIs(t, err, backend.ErrUnsupported)
}
