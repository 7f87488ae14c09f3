// Package backend defines the uniform operation table that every
// libtimeseries backend implements, and the process-wide registry that
// dispatches to enabled backends.
//
// The shape here is a generalization of the teacher's output/collector
// registry (grafana-k6's stats.Registry in stats/registry_test.go and the
// output-constructor table in cmd/outputs.go): one process-wide table keyed
// by a dense identifier, each entry carrying its own parsed configuration
// and lifecycle state, dispatched in registration order.
package backend

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// ID is a dense, compile-time backend identifier.
type ID int

// The fixed set of backend ids known to the registry. Additional backends
// are not discovered at runtime; new backends extend this enum.
const (
	IDText ID = iota
	IDBus
	IDStorage
	IDBroker
	numIDs
)

var (
	// ErrUnsupported is returned by operations a backend cannot meaningfully
	// implement. Callers must not rely on such operations succeeding.
	ErrUnsupported = errors.New("backend: operation not supported")
	// ErrNotFound is returned when looking up an unregistered backend id or
	// name.
	ErrNotFound = errors.New("backend: not found")
	// ErrAlreadyRegistered is returned when two backends try to claim the
	// same id.
	ErrAlreadyRegistered = errors.New("backend: id already registered")
)

// KeyState is the opaque per-key state a backend associates with one key of
// one Key Package. Backends that need no per-key state return nil from
// KPKeyUpdate.
type KeyState interface{}

// KPState is the opaque per-KP state a backend associates with one Key
// Package. Backends that need no per-KP state return nil from KPInit.
type KPState interface{}

// KP is the minimal view of a Key Package that a backend needs in order to
// serialize and transmit its enabled keys. It is implemented by *kp.KP; it
// lives here (rather than an import of package kp) to avoid a dependency
// cycle between kp and backend.
type KP interface {
	// Size returns the number of registered keys.
	Size() int
	// KeyAt returns the string, current value and enabled flag of the key
	// at the given index (its stable key id).
	KeyAt(id int) (key string, value uint64, enabled bool)
	// KeyState returns the per-key opaque state this backend previously
	// stored for keyID via SetKeyState, or nil if none was stored.
	KeyState(backendID ID, keyID int) KeyState
	// SetKeyState stores per-key opaque state for this backend and key.
	// The framework owns the slice this lives in; backends call it from
	// KPKeyUpdate to populate newly added keys.
	SetKeyState(backendID ID, keyID int, state KeyState)
}

// Backend is the uniform operation table every backend implements. Methods
// that a given backend cannot meaningfully support return ErrUnsupported.
type Backend interface {
	// Name is the case-insensitive registry name of this backend, e.g. "text".
	Name() string

	// Init parses argv (already tokenized) and acquires any resources
	// (files, sockets, topic handles) the backend needs. It must leave the
	// backend safe to Free even on a partial failure.
	Init(argv []string) error
	// Free releases every resource acquired by Init. It is idempotent and
	// safe to call on a partially initialized backend.
	Free() error

	// KPInit allocates this backend's per-KP state.
	KPInit(kp KP) (KPState, error)
	// KPFree releases this backend's per-KP state.
	KPFree(kp KP, state KPState) error
	// KPKeyUpdate resizes this backend's per-key state to match the
	// current key count of kp. Called after every add_key.
	KPKeyUpdate(kp KP, state KPState) error
	// KPKeyFree releases this backend's per-key state for a single key.
	// Called once per key, in order, during KP teardown.
	KPKeyFree(kp KP, keyID int, state KeyState) error
	// KPFlush serializes and transmits every enabled key in kp at time t.
	KPFlush(kp KP, state KPState, t uint32) error

	// SetSingle performs an ad-hoc write outside of any KP.
	SetSingle(key string, value uint64, t uint32) error
	// SetSingleByID performs an ad-hoc write using a previously resolved
	// backend-native key handle.
	SetSingleByID(backendKey interface{}, value uint64, t uint32) error

	// ResolveKey translates a user key string into this backend's native
	// opaque identifier.
	ResolveKey(key string) (interface{}, error)
	// ResolveKeyBulk batch-resolves keys. The returned bool reports whether
	// the returned identifiers share a single contiguous allocation.
	ResolveKeyBulk(keys []string) (ids []interface{}, contiguous bool, err error)

	// SetBulkInit begins an ordered bulk write of count values at time t.
	SetBulkInit(count int, t uint32) error
	// SetBulkByID writes the next value of the bulk write in progress.
	SetBulkByID(backendKey interface{}, value uint64) error
}

// Descriptor is the immutable identity plus mutable lifecycle state of one
// registered backend instance.
type Descriptor struct {
	ID      ID
	Name    string
	Backend Backend
	Enabled bool
	Argv    []string
}

// Registry owns one descriptor slot per backend id and dispatches flush
// operations to every enabled backend, in registration order — the
// generalization of stats.Registry.Backends in the teacher.
type Registry struct {
	slots   [numIDs]*Descriptor
	byName  map[string]*Descriptor
	ordered []*Descriptor // registration order, stable across the process
	logger  logrus.FieldLogger
}

// NewRegistry constructs an empty registry. logger records every successful
// EnableBackend call, with WithField("backend", name) so log lines are
// attributable.
func NewRegistry(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		byName: make(map[string]*Descriptor),
		logger: logger,
	}
}

// Register adds a backend under a fixed id and name. It does not enable the
// backend; call EnableBackend to parse options and initialize it.
func (r *Registry) Register(id ID, name string, b Backend) error {
	if id < 0 || id >= numIDs {
		return ErrNotFound
	}
	if r.slots[id] != nil {
		return ErrAlreadyRegistered
	}
	d := &Descriptor{ID: id, Name: name, Backend: b}
	r.slots[id] = d
	r.byName[strings.ToLower(name)] = d
	r.ordered = append(r.ordered, d)
	return nil
}

// Lookup returns the descriptor registered under id.
func (r *Registry) Lookup(id ID) (*Descriptor, error) {
	if id < 0 || id >= numIDs || r.slots[id] == nil {
		return nil, ErrNotFound
	}
	return r.slots[id], nil
}

// LookupByName returns the descriptor registered under name,
// case-insensitively.
func (r *Registry) LookupByName(name string) (*Descriptor, error) {
	d, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// EnableBackend tokenizes optionsString getopt-style and invokes the named
// backend's Init. On success the descriptor is marked enabled and retains
// the parsed argv for inspection.
func (r *Registry) EnableBackend(name, optionsString string) (*Descriptor, error) {
	d, err := r.LookupByName(name)
	if err != nil {
		return nil, err
	}
	argv, err := SplitArgv(optionsString)
	if err != nil {
		return nil, err
	}
	if err := d.Backend.Init(argv); err != nil {
		return nil, err
	}
	d.Argv = argv
	d.Enabled = true
	r.logger.WithField("backend", d.Name).Info("backend enabled")
	return d, nil
}

// Enabled returns every enabled descriptor in registration order — the
// primary dispatch primitive used by the Key Package on flush.
func (r *Registry) Enabled() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.ordered))
	for _, d := range r.ordered {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// SplitArgv tokenizes a space-separated, getopt-style option string into an
// argv-like vector, honoring single and double quoting the way a shell
// would (a quoted run of characters, including embedded spaces, is one
// token; the surrounding quotes are stripped), so option values such as
// `-f "a b"` reach the backend as one argument instead of two. Unterminated
// quotes are a parse error. No example in the pack carries a shell-lexer
// dependency, so this is hand-rolled rather than borrowed; see DESIGN.md.
func SplitArgv(s string) ([]string, error) {
	var (
		argv  []string
		cur   strings.Builder
		inTok bool
		quote rune
	)
	flush := func() {
		if inTok {
			argv = append(argv, cur.String())
			cur.Reset()
			inTok = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == ' ' || r == '\t':
			flush()
		default:
			inTok = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errors.New("backend: unterminated quote in option string")
	}
	flush()
	return argv, nil
}

// NewFlagSet builds a pflag.FlagSet in the conventions backend Init
// implementations use to parse their argv: POSIX getopt-style short flags,
// continuing on error reporting rather than panicking.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}
