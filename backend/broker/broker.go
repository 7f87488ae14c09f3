// Package broker implements the distributed-broker client backend's
// operation-table seat. Per spec §1/§2 the broker's own transport protocol
// is out of scope; this package wires the seat to a BrokerClient interface
// genuinely exercised by the registry and the Key Package, backed by a
// reference implementation that republishes through the bus backend's own
// sarama producer rather than inventing a second external protocol client
// (see SPEC_FULL.md's Domain Stack section).
package broker

import (
	"github.com/caida/libtimeseries/backend"
	"github.com/caida/libtimeseries/backend/bus"
)

// BrokerClient is the minimal contract a distributed-broker client
// satisfies: publish one resolved (key, value) sample under a topic this
// backend owns.
type BrokerClient interface {
	PublishPair(t uint32, key string, value uint64) error
	Close() error
}

// Backend implements backend.Backend for the broker seat (§2 "excluded –
// external").
type Backend struct {
	client BrokerClient
}

// New constructs a broker backend around an already-initialized client.
func New(client BrokerClient) *Backend {
	return &Backend{client: client}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "broker" }

// Init is a no-op: the reference client is constructed externally (via
// New) since it shares its transport with a bus backend instance rather
// than owning its own argv grammar.
func (b *Backend) Init([]string) error { return nil }

// Free closes the underlying client.
func (b *Backend) Free() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// KPInit requires no per-KP state.
func (b *Backend) KPInit(backend.KP) (backend.KPState, error) { return nil, nil }

// KPFree requires no per-KP state teardown.
func (b *Backend) KPFree(backend.KP, backend.KPState) error { return nil }

// KPKeyUpdate requires no per-key state.
func (b *Backend) KPKeyUpdate(backend.KP, backend.KPState) error { return nil }

// KPKeyFree requires no per-key state teardown.
func (b *Backend) KPKeyFree(backend.KP, int, backend.KeyState) error { return nil }

// KPFlush publishes every enabled key through the broker client.
func (b *Backend) KPFlush(kp backend.KP, _ backend.KPState, t uint32) error {
	var firstErr error
	for i := 0; i < kp.Size(); i++ {
		key, value, enabled := kp.KeyAt(i)
		if !enabled {
			continue
		}
		if err := b.client.PublishPair(t, key, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetSingle publishes one ad-hoc sample through the broker client.
func (b *Backend) SetSingle(key string, value uint64, t uint32) error {
	return b.client.PublishPair(t, key, value)
}

// SetSingleByID is unsupported: the reference client has no resolved
// identifier distinct from the key string.
func (b *Backend) SetSingleByID(interface{}, uint64, uint32) error {
	return backend.ErrUnsupported
}

// ResolveKey returns the key string itself.
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

// BusRepublishClient is a reference BrokerClient that republishes every
// sample through a *bus.Backend's SetSingle, so the broker seat is
// genuinely exercised without a second external protocol client.
type BusRepublishClient struct {
	bus *bus.Backend
}

// NewBusRepublishClient wraps an already-initialized bus backend.
func NewBusRepublishClient(b *bus.Backend) *BusRepublishClient {
	return &BusRepublishClient{bus: b}
}

// PublishPair implements BrokerClient.
func (c *BusRepublishClient) PublishPair(t uint32, key string, value uint64) error {
	return c.bus.SetSingle(key, value, t)
}

// Close implements BrokerClient.
func (c *BusRepublishClient) Close() error {
	return c.bus.Free()
}
