// Package storage implements the native storage backend's operation-table
// seat. Per spec §1/§2 the real storage engine (DBATS) is an external,
// fixed-function sink whose own file format and protocol are out of scope;
// this package wires that seat to a small StorageClient interface so the
// registry and the Key Package genuinely dispatch into it, backed by a
// trivial reference client that appends codec-encoded pairs to a file.
//
// Grounded on the teacher's newCollectorAdapter (cmd/outputs.go), which
// wraps a foreign lib.Collector behind the uniform output contract without
// reimplementing that collector's own wire protocol.
package storage

import (
	"io"

	"github.com/pkg/errors"

	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/wire"
)

// StorageClient is the minimal contract the real DBATS client would
// satisfy: write one resolved (key, value) sample at a time, under a
// caller-managed lifecycle.
type StorageClient interface {
	io.Closer
	WritePair(t uint32, key string, value uint64) error
}

// Backend implements backend.Backend for the storage seat (§2 "excluded –
// external").
type Backend struct {
	newClient func(argv []string) (StorageClient, error)
	client    StorageClient
}

// New constructs a storage backend. newClient builds the real (or, in
// tests, fake) StorageClient from the backend's argv.
func New(newClient func(argv []string) (StorageClient, error)) *Backend {
	return &Backend{newClient: newClient}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "storage" }

// Init hands argv to the injected client constructor unmodified: the
// storage client owns its own option grammar (spec §1 treats it as an
// external fixed-function sink).
func (b *Backend) Init(argv []string) error {
	client, err := b.newClient(argv)
	if err != nil {
		return errors.Wrap(err, "storage: initializing client")
	}
	b.client = client
	return nil
}

// Free closes the underlying client.
func (b *Backend) Free() error {
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

// KPInit requires no per-KP state: the client is shared process-wide state.
func (b *Backend) KPInit(backend.KP) (backend.KPState, error) { return nil, nil }

// KPFree requires no per-KP state teardown.
func (b *Backend) KPFree(backend.KP, backend.KPState) error { return nil }

// KPKeyUpdate requires no per-key state: the client resolves by key string.
func (b *Backend) KPKeyUpdate(backend.KP, backend.KPState) error { return nil }

// KPKeyFree requires no per-key state teardown.
func (b *Backend) KPKeyFree(backend.KP, int, backend.KeyState) error { return nil }

// KPFlush writes every enabled key through the storage client.
func (b *Backend) KPFlush(kp backend.KP, _ backend.KPState, t uint32) error {
	var firstErr error
	for i := 0; i < kp.Size(); i++ {
		key, value, enabled := kp.KeyAt(i)
		if !enabled {
			continue
		}
		if err := b.client.WritePair(t, key, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetSingle writes one ad-hoc sample through the storage client.
func (b *Backend) SetSingle(key string, value uint64, t uint32) error {
	return b.client.WritePair(t, key, value)
}

// SetSingleByID is unsupported: the reference client has no resolved
// identifier distinct from the key string.
func (b *Backend) SetSingleByID(interface{}, uint64, uint32) error {
	return backend.ErrUnsupported
}

// ResolveKey returns the key string itself; the reference client does not
// maintain a native key namespace.
func (b *Backend) ResolveKey(key string) (interface{}, error) {
	return key, nil
}

// ResolveKeyBulk resolves every key to itself.
func (b *Backend) ResolveKeyBulk(keys []string) ([]interface{}, bool, error) {
	ids := make([]interface{}, len(keys))
	for i, k := range keys {
		ids[i] = k
	}
	return ids, false, nil
}

// SetBulkInit is unsupported by the reference client.
func (b *Backend) SetBulkInit(int, uint32) error { return backend.ErrUnsupported }

// SetBulkByID is unsupported by the reference client.
func (b *Backend) SetBulkByID(interface{}, uint64) error { return backend.ErrUnsupported }

var _ backend.Backend = (*Backend)(nil)

// FileClient is a trivial reference StorageClient: it appends every write
// as a codec-encoded (§4.1) pair to an io.Writer. It is not DBATS — DBATS
// has no Go binding in the example pack — but it exercises the same
// operation-table seat with a real, runnable implementation.
type FileClient struct {
	w io.WriteCloser
}

// NewFileClient wraps w as a StorageClient.
func NewFileClient(w io.WriteCloser) *FileClient {
	return &FileClient{w: w}
}

// WritePair implements StorageClient.
func (f *FileClient) WritePair(t uint32, key string, value uint64) error {
	pair := wire.Pair{Key: key, Value: value}
	header := wire.Header{Time: t}
	buf := make([]byte, header.EncodedLen()+pair.EncodedLen())

	n, err := wire.EncodeHeader(buf, header)
	if err != nil {
		return err
	}
	m, err := wire.EncodePair(buf[n:], pair)
	if err != nil {
		return err
	}
	_, err = f.w.Write(buf[:n+m])
	return err
}

// Close implements StorageClient.
func (f *FileClient) Close() error {
	return f.w.Close()
}
