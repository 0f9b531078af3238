package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chaincdc/relay/internal/cdc"
)

// ViewFunc delegates a module's view() host call to the oracle client,
// pinned at height (spec §4.3 "view(...) delegates to oracle client with
// height = current").
type ViewFunc func(ctx context.Context, name string, input []byte, height uint64) ([]byte, error)

// BlockContext is the per-invocation context the runner sets before
// calling process_block (spec §4.4 step 1).
type BlockContext struct {
	Height      uint64
	Hash        [32]byte
	TimestampMs int64
}

// Host is the sandbox host from spec §4.3: it owns a loaded module via a
// Capability backend, brokers the seven host functions, and manages the
// module's KV and emitted-events lifecycle across one invocation.
type Host struct {
	backend Capability
	view    ViewFunc

	mu sync.Mutex

	blockCtx BlockContext

	committedKV  map[string][]byte
	stagedSet    map[string][]byte
	stagedDelete map[string]struct{}

	pendingEvents []cdc.Event
	trapErr       error

	invokeCtx context.Context
}

// NewHost builds a Host around the given sandbox backend. view is called
// for every __view host call the module makes.
func NewHost(backend Capability, view ViewFunc) *Host {
	return &Host{
		backend:     backend,
		view:        view,
		committedKV: make(map[string][]byte),
	}
}

// LoadModule instantiates code with this Host wired in as its
// HostImports.
func (h *Host) LoadModule(ctx context.Context, code []byte) error {
	if err := h.backend.Instantiate(ctx, code, h); err != nil {
		return fmt.Errorf("sandbox: instantiate module: %w", err)
	}
	return nil
}

// Invoke runs spec §4.4's per-block sequence: set context, call
// process_block, and on success commit staged KV and return the ordered
// batch. On any failure, staged KV and pending events are discarded and
// an error is returned — the caller (runner) treats this as fatal for
// the block (spec §7).
func (h *Host) Invoke(ctx context.Context, blockCtx BlockContext) ([]cdc.Event, error) {
	h.mu.Lock()
	h.blockCtx = blockCtx
	h.pendingEvents = nil
	h.stagedSet = make(map[string][]byte)
	h.stagedDelete = make(map[string]struct{})
	h.trapErr = nil
	h.invokeCtx = ctx
	h.mu.Unlock()

	callErr := h.backend.CallProcessBlock(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	if callErr != nil {
		h.discardLocked()
		return nil, fmt.Errorf("process_block trapped: %w", callErr)
	}
	if h.trapErr != nil {
		err := h.trapErr
		h.discardLocked()
		return nil, err
	}

	events := h.pendingEvents
	for k, v := range h.stagedSet {
		h.committedKV[k] = v
	}
	for k := range h.stagedDelete {
		delete(h.committedKV, k)
	}
	h.stagedSet = nil
	h.stagedDelete = nil
	return events, nil
}

func (h *Host) discardLocked() {
	h.pendingEvents = nil
	h.stagedSet = nil
	h.stagedDelete = nil
}

// Snapshot captures the module's committed KV plus (optionally) the
// backend's linear-memory image, as one opaque, versioned blob (spec
// §4.3 "Snapshot/restore").
func (h *Host) Snapshot(ctx context.Context) ([]byte, error) {
	memImg, err := h.backend.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("sandbox: backend snapshot: %w", err)
	}
	h.mu.Lock()
	kv := make(map[string][]byte, len(h.committedKV))
	for k, v := range h.committedKV {
		kv[k] = append([]byte(nil), v...)
	}
	h.mu.Unlock()
	return EncodeSnapshot(kv, memImg)
}

// Restore replaces the module's KV and linear-memory image from a
// previously captured snapshot. A magic/version mismatch is surfaced as
// ErrIncompatibleSnapshot, which the block loop treats as fatal (spec §7
// "Snapshot/restore mismatch").
func (h *Host) Restore(ctx context.Context, snapshot []byte) error {
	kv, memImg, err := DecodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := h.backend.Restore(ctx, memImg); err != nil {
		return fmt.Errorf("sandbox: backend restore: %w", err)
	}
	h.mu.Lock()
	h.committedKV = kv
	if h.committedKV == nil {
		h.committedKV = make(map[string][]byte)
	}
	h.mu.Unlock()
	return nil
}

func (h *Host) Close(ctx context.Context) error {
	return h.backend.Close(ctx)
}

// --- HostImports implementation: the seven host functions the module
// may call during CallProcessBlock (spec §4.3/§6). ---

func (h *Host) GetHeight() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(h.blockCtx.Height)
}

func (h *Host) GetBlockHash() [32]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blockCtx.Hash
}

func (h *Host) View(name string, input []byte) ([]byte, error) {
	h.mu.Lock()
	ctx := h.invokeCtx
	height := h.blockCtx.Height
	h.mu.Unlock()
	return h.view(ctx, name, input, height)
}

func (h *Host) StateGet(key []byte) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := string(key)
	if _, deleted := h.stagedDelete[k]; deleted {
		return nil, false
	}
	if v, ok := h.stagedSet[k]; ok {
		return v, true
	}
	v, ok := h.committedKV[k]
	return v, ok
}

func (h *Host) StateSet(key, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := string(key)
	delete(h.stagedDelete, k)
	h.stagedSet[string(key)] = append([]byte(nil), value...)
}

func (h *Host) StateDelete(key []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := string(key)
	delete(h.stagedSet, k)
	h.stagedDelete[k] = struct{}{}
}

// Emit validates and timestamps an emitted CDC event (spec §4.3 "host
// validates JSON structure, timestamps it, and fills block_height/hash").
// A malformed event sets trapErr, which Invoke surfaces as a fatal error
// for the whole block (spec §7 "Malformed emitted event").
func (h *Host) Emit(eventJSON []byte) error {
	var e cdc.Event
	if err := json.Unmarshal(eventJSON, &e); err != nil {
		err = fmt.Errorf("malformed emitted event: %w", err)
		h.mu.Lock()
		h.trapErr = err
		h.mu.Unlock()
		return err
	}
	if err := e.Payload.Validate(); err != nil {
		err = fmt.Errorf("malformed emitted event: %w", err)
		h.mu.Lock()
		h.trapErr = err
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	e.Header.Timestamp = h.blockCtx.TimestampMs
	e.Header.BlockHeight = h.blockCtx.Height
	e.Header.BlockHash = cdc.EncodeHash(h.blockCtx.Hash)
	h.pendingEvents = append(h.pendingEvents, e)
	h.mu.Unlock()
	return nil
}
