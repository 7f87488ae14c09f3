// Package kp implements the Key Package: a registry of metric keys with
// current values and enable flags, flushed as a unit across every enabled
// backend of a shared registry.
//
// The shape generalizes the teacher's stats.Registry/Collector pair
// (stats/registry_test.go: Registry.Backends, Registry.NewCollector,
// Registry.Submit) into the spec's richer per-key, per-backend lifecycle:
// keys are interned once and kept for the KP's lifetime, backends attach
// opaque state to each key and to the KP as a whole, and a flush walks
// enabled backends instead of a flat list of submitted points.
package kp

import (
	"errors"

	"github.com/caida/libtimeseries/backend"
)

// ErrKeyNotFound is returned by Get/GetKey when a key id or string is
// unknown to this KP.
var ErrKeyNotFound = errors.New("kp: key not found")

type keyEntry struct {
	key     string
	value   uint64
	enabled bool
}

// KP is a Key Package: an ordered set of interned keys, their current
// values and enable flags, bound to one backend.Registry.
type KP struct {
	registry *backend.Registry

	keys     []keyEntry
	keyIndex map[string]int

	resetOnFlush bool
	enableAll    bool // enable_default: true => enable-all mode, false => explicit mode

	perKPState  map[backend.ID]backend.KPState
	perKeyState map[backend.ID][]backend.KeyState
}

// New creates a Key Package bound to registry. resetOnFlush selects the
// policy of §4.3: true is reset mode (enable-all, values cleared after every
// successful flush); false is explicit mode (keys start disabled, set or
// EnableKey turns them on, and values and enable bits persist across flushes).
func New(registry *backend.Registry, resetOnFlush bool) *KP {
	kp := &KP{
		registry:     registry,
		keyIndex:     make(map[string]int),
		resetOnFlush: resetOnFlush,
		enableAll:    resetOnFlush,
		perKPState:   make(map[backend.ID]backend.KPState),
		perKeyState:  make(map[backend.ID][]backend.KeyState),
	}
	for _, d := range registry.Enabled() {
		state, err := d.Backend.KPInit(kp)
		if err == nil {
			kp.perKPState[d.ID] = state
		}
	}
	return kp
}

// Free tears down per-key and per-KP backend state, in that order, for
// every backend enabled in the registry at the time Free is called.
func (kp *KP) Free() error {
	var firstErr error
	for _, d := range kp.registry.Enabled() {
		states := kp.perKeyState[d.ID]
		for id := range kp.keys {
			var ks backend.KeyState
			if id < len(states) {
				ks = states[id]
			}
			if err := d.Backend.KPKeyFree(kp, id, ks); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := d.Backend.KPFree(kp, kp.perKPState[d.ID]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	kp.keys = nil
	kp.keyIndex = nil
	return firstErr
}

// AddKey interns key, returning its stable id. If key is already present
// its existing id is returned unchanged. Otherwise the key is appended
// (never reordering existing ids), and every enabled backend's KPKeyUpdate
// is invoked to resize its per-key state.
func (kp *KP) AddKey(key string) (int, error) {
	if id, ok := kp.keyIndex[key]; ok {
		return id, nil
	}
	id := len(kp.keys)
	kp.keys = append(kp.keys, keyEntry{key: key, enabled: kp.enableAll})
	kp.keyIndex[key] = id

	for _, d := range kp.registry.Enabled() {
		if err := d.Backend.KPKeyUpdate(kp, kp.perKPState[d.ID]); err != nil {
			return id, err
		}
	}
	return id, nil
}

// GetKey looks up the stable id of key, if it has been interned.
func (kp *KP) GetKey(key string) (int, bool) {
	id, ok := kp.keyIndex[key]
	return id, ok
}

// Set stores value for the key at id. In explicit mode this also sets the
// key's enable flag, so a key that has never been set or enabled is not
// flushed.
func (kp *KP) Set(id int, value uint64) error {
	if id < 0 || id >= len(kp.keys) {
		return ErrKeyNotFound
	}
	kp.keys[id].value = value
	if !kp.enableAll {
		kp.keys[id].enabled = true
	}
	return nil
}

// EnableKey explicitly sets the enable flag for id, independent of Set. The
// proxy calls it, after Set, for every key it accepts from a frame.
func (kp *KP) EnableKey(id int) error {
	if id < 0 || id >= len(kp.keys) {
		return ErrKeyNotFound
	}
	kp.keys[id].enabled = true
	return nil
}

// Get returns the current value stored for id.
func (kp *KP) Get(id int) (uint64, error) {
	if id < 0 || id >= len(kp.keys) {
		return 0, ErrKeyNotFound
	}
	return kp.keys[id].value, nil
}

// Size returns the number of interned keys.
func (kp *KP) Size() int {
	return len(kp.keys)
}

// EnabledSize returns the number of keys currently enabled.
func (kp *KP) EnabledSize() int {
	n := 0
	for _, e := range kp.keys {
		if e.enabled {
			n++
		}
	}
	return n
}

// KeyAt implements backend.KP: it returns the string, value and enabled
// flag of the key at id, the form backends consume during flush.
func (kp *KP) KeyAt(id int) (string, uint64, bool) {
	e := kp.keys[id]
	return e.key, e.value, e.enabled
}

// KeyState implements backend.KP.
func (kp *KP) KeyState(backendID backend.ID, keyID int) backend.KeyState {
	states := kp.perKeyState[backendID]
	if keyID < 0 || keyID >= len(states) {
		return nil
	}
	return states[keyID]
}

// SetKeyState implements backend.KP, growing the backend's per-key slice as
// needed. This is the write side of the per-backend per-key state array
// that §3 assigns the framework to own.
func (kp *KP) SetKeyState(backendID backend.ID, keyID int, state backend.KeyState) {
	states := kp.perKeyState[backendID]
	for len(states) <= keyID {
		states = append(states, nil)
	}
	states[keyID] = state
	kp.perKeyState[backendID] = states
}

// Flush serializes every enabled backend's view of this KP at time t, in
// registry order. If any backend's KPFlush fails the overall flush reports
// failure, but every remaining backend is still attempted (§4.3, §7 "Flush
// error"). On success, reset-mode KPs clear every value to 0 and every
// enable flag; explicit-mode KPs are left untouched (values persist until
// overwritten by Set, and enable flags stay set) since stale
// zeroes would otherwise appear as phantom samples.
func (kp *KP) Flush(t uint32) error {
	if kp.enableAll {
		for i := range kp.keys {
			kp.keys[i].enabled = true
		}
	}

	var firstErr error
	for _, d := range kp.registry.Enabled() {
		if err := d.Backend.KPFlush(kp, kp.perKPState[d.ID], t); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil && kp.resetOnFlush {
		for i := range kp.keys {
			kp.keys[i].value = 0
			kp.keys[i].enabled = false
		}
	}
	return firstErr
}
