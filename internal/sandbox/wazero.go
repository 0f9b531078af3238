package sandbox

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WazeroHost is the production Capability backend: a real WebAssembly
// sandbox with no ambient authority beyond the seven host imports it
// registers under the "env" module name (spec §6). No WASI, filesystem,
// clock, or network imports are ever registered, so a loaded module has
// no way to reach outside the host-call surface (spec §4.3 "Isolation").
type WazeroHost struct {
	runtime wazero.Runtime
	module  api.Module
	mem     api.Memory

	process api.Function
	alloc   api.Function
	free    api.Function
}

// NewWazeroHost builds an un-instantiated backend bound to ctx's
// lifetime; call Instantiate to load a module into it.
func NewWazeroHost(ctx context.Context) *WazeroHost {
	return &WazeroHost{runtime: wazero.NewRuntime(ctx)}
}

func (w *WazeroHost) Instantiate(ctx context.Context, code []byte, imports HostImports) error {
	builder := w.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint32 {
			return imports.GetHeight()
		}).Export("__get_height")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, outPtr uint32) {
			hash := imports.GetBlockHash()
			mustWrite(m.Memory(), outPtr, hash[:])
		}).Export("__get_block_hash")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, namePtr, nameLen, inputPtr, inputLen, outPtrPtr, outLenPtr uint32) int32 {
			name := mustRead(m.Memory(), namePtr, nameLen)
			input := mustRead(m.Memory(), inputPtr, inputLen)
			out, err := imports.View(string(name), input)
			if err != nil {
				return -1
			}
			if err := w.writeOut(ctx, m, out, outPtrPtr, outLenPtr); err != nil {
				return -2
			}
			return 0
		}).Export("__view")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, outPtrPtr, outLenPtr uint32) int32 {
			key := mustRead(m.Memory(), keyPtr, keyLen)
			val, ok := imports.StateGet(key)
			if !ok {
				return 1 // positive: "not found", per spec reserved-positive-codes
			}
			if err := w.writeOut(ctx, m, val, outPtrPtr, outLenPtr); err != nil {
				return -2
			}
			return 0
		}).Export("__state_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) {
			key := mustRead(m.Memory(), keyPtr, keyLen)
			val := mustRead(m.Memory(), valPtr, valLen)
			imports.StateSet(key, val)
		}).Export("__state_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) {
			key := mustRead(m.Memory(), keyPtr, keyLen)
			imports.StateDelete(key)
		}).Export("__state_delete")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, evPtr, evLen uint32) {
			ev := mustRead(m.Memory(), evPtr, evLen)
			// Errors surface through Host.trapErr, checked by Invoke
			// after CallProcessBlock returns; __emit has no return slot
			// in the ABI (spec §6).
			_ = imports.Emit(ev)
		}).Export("__emit")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("wazero: register host imports: %w", err)
	}

	mod, err := w.runtime.InstantiateWithConfig(ctx, code, wazero.NewModuleConfig())
	if err != nil {
		return fmt.Errorf("wazero: instantiate guest module: %w", err)
	}
	w.module = mod
	w.mem = mod.Memory()
	if w.mem == nil {
		return fmt.Errorf("wazero: guest module exports no memory")
	}

	w.process = mod.ExportedFunction("process_block")
	w.alloc = mod.ExportedFunction("alloc")
	w.free = mod.ExportedFunction("free")
	if w.process == nil || w.alloc == nil || w.free == nil {
		return fmt.Errorf("wazero: guest module missing required export (process_block/alloc/free)")
	}
	return nil
}

func (w *WazeroHost) CallProcessBlock(ctx context.Context) error {
	if _, err := w.process.Call(ctx); err != nil {
		return fmt.Errorf("wazero: process_block trapped: %w", err)
	}
	return nil
}

// Snapshot copies the guest's entire linear memory. This is the simplest
// correct memory-image strategy; transforms that want a smaller snapshot
// should keep their durable state in host KV via __state_set instead
// (spec §4.3 "module's KV plus any internal linear-memory state it chose
// to persist").
func (w *WazeroHost) Snapshot(ctx context.Context) ([]byte, error) {
	size := w.mem.Size()
	data, ok := w.mem.Read(0, size)
	if !ok {
		return nil, fmt.Errorf("wazero: read linear memory for snapshot")
	}
	return append([]byte(nil), data...), nil
}

func (w *WazeroHost) Restore(ctx context.Context, memoryImage []byte) error {
	if memoryImage == nil {
		return nil
	}
	if uint32(len(memoryImage)) > w.mem.Size() {
		return fmt.Errorf("wazero: snapshot memory image larger than current guest memory")
	}
	if !w.mem.Write(0, memoryImage) {
		return fmt.Errorf("wazero: write linear memory from snapshot")
	}
	return nil
}

func (w *WazeroHost) ReadMemory(offset, size uint32) ([]byte, error) {
	return mustReadErr(w.mem, offset, size)
}

func (w *WazeroHost) WriteMemory(offset uint32, data []byte) error {
	if !w.mem.Write(offset, data) {
		return fmt.Errorf("wazero: write out of bounds at %d len %d", offset, len(data))
	}
	return nil
}

func (w *WazeroHost) Alloc(ctx context.Context, size uint32) (uint32, error) {
	res, err := w.alloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("wazero: guest alloc(%d): %w", size, err)
	}
	return uint32(res[0]), nil
}

func (w *WazeroHost) Free(ctx context.Context, offset uint32) error {
	if _, err := w.free.Call(ctx, uint64(offset)); err != nil {
		return fmt.Errorf("wazero: guest free(%d): %w", offset, err)
	}
	return nil
}

func (w *WazeroHost) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// writeOut allocates guest memory via the guest's own alloc export,
// copies data into it, and writes the resulting pointer/length pair into
// the guest's out_ptr_ptr/out_len_ptr slots — the double-indirection
// convention the module ABI uses for host-returned byte buffers (spec §6).
func (w *WazeroHost) writeOut(ctx context.Context, m api.Module, data []byte, outPtrPtr, outLenPtr uint32) error {
	ptr, err := w.Alloc(ctx, uint32(len(data)))
	if err != nil {
		return err
	}
	if len(data) > 0 && !m.Memory().Write(ptr, data) {
		return fmt.Errorf("wazero: write host-returned buffer at %d len %d", ptr, len(data))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if !m.Memory().Write(outPtrPtr, ptrBytes(ptr)) || !m.Memory().Write(outLenPtr, lenBuf[:]) {
		return fmt.Errorf("wazero: write out_ptr_ptr/out_len_ptr")
	}
	return nil
}

func ptrBytes(p uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], p)
	return b[:]
}

func mustRead(mem api.Memory, offset, size uint32) []byte {
	data, ok := mem.Read(offset, size)
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

func mustReadErr(mem api.Memory, offset, size uint32) ([]byte, error) {
	data, ok := mem.Read(offset, size)
	if !ok {
		return nil, fmt.Errorf("wazero: read out of bounds at %d len %d", offset, size)
	}
	return append([]byte(nil), data...), nil
}

func mustWrite(mem api.Memory, offset uint32, data []byte) {
	mem.Write(offset, data)
}
