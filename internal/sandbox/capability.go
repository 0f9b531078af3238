// Package sandbox implements the host described in spec §4.3: it loads
// a transform module, brokers its host-call surface back to the state
// oracle and the module's own KV, and snapshots/restores module state
// across reorgs.
package sandbox

import "context"

// Capability is the polymorphic interface the host depends on so it is
// never coupled to one sandbox backend (spec §9 design note): instantiate,
// call_process_block, snapshot, restore, read_memory, write_memory.
type Capability interface {
	// Instantiate loads code and wires imports as the module's host
	// functions. imports is called back into for every host call the
	// module makes during CallProcessBlock.
	Instantiate(ctx context.Context, code []byte, imports HostImports) error

	// CallProcessBlock invokes the module's process_block export once.
	// A non-nil error means the module trapped (spec §7 "module trap").
	CallProcessBlock(ctx context.Context) error

	// Snapshot captures the module's own linear-memory image, if the
	// backend supports it. Backends that keep no guest-side state across
	// invocations (common for stateless transforms) may return nil, nil.
	Snapshot(ctx context.Context) ([]byte, error)

	// Restore replaces the module's linear-memory image. A nil image is
	// a no-op.
	Restore(ctx context.Context, memoryImage []byte) error

	// ReadMemory/WriteMemory give the host direct access to guest linear
	// memory for byte exchange per the module ABI (spec §6).
	ReadMemory(offset, size uint32) ([]byte, error)
	WriteMemory(offset uint32, data []byte) error

	// Alloc/Free delegate to the guest's own alloc(size)/free(offset)
	// exports, the allocator the module uses for byte exchange.
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, offset uint32) error

	Close(ctx context.Context) error
}

// HostImports is the set of host functions a loaded module may call
// (spec §4.3/§6). A Capability backend wires its guest-side ABI to these
// methods; Host (host.go) is the production implementation.
type HostImports interface {
	GetHeight() uint32
	GetBlockHash() [32]byte
	View(name string, input []byte) ([]byte, error)
	StateGet(key []byte) ([]byte, bool)
	StateSet(key, value []byte)
	StateDelete(key []byte)
	Emit(eventJSON []byte) error
}
