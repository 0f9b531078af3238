package sandbox

import "context"

// FuncHost is a test-only Capability backend: process_block is a plain Go
// closure instead of a compiled wasm binary, and "linear memory" is a
// byte slice the closure is free to ignore. It exists so runner/buffer/
// looprunner logic can be exercised without building real .wasm fixtures.
type FuncHost struct {
	Process func(ctx context.Context, imports HostImports) error
	mem     []byte
	imports HostImports
}

// NewFuncHost builds a FuncHost around fn, which plays the role of the
// module's process_block export.
func NewFuncHost(fn func(ctx context.Context, imports HostImports) error) *FuncHost {
	return &FuncHost{Process: fn}
}

func (f *FuncHost) Instantiate(ctx context.Context, code []byte, imports HostImports) error {
	f.imports = imports
	return nil
}

func (f *FuncHost) CallProcessBlock(ctx context.Context) error {
	return f.Process(ctx, f.imports)
}

func (f *FuncHost) Snapshot(ctx context.Context) ([]byte, error) {
	if f.mem == nil {
		return nil, nil
	}
	return append([]byte(nil), f.mem...), nil
}

func (f *FuncHost) Restore(ctx context.Context, memoryImage []byte) error {
	f.mem = append([]byte(nil), memoryImage...)
	return nil
}

func (f *FuncHost) ReadMemory(offset, size uint32) ([]byte, error) {
	end := offset + size
	if int(end) > len(f.mem) {
		grown := make([]byte, end)
		copy(grown, f.mem)
		f.mem = grown
	}
	return append([]byte(nil), f.mem[offset:end]...), nil
}

func (f *FuncHost) WriteMemory(offset uint32, data []byte) error {
	end := offset + uint32(len(data))
	if int(end) > len(f.mem) {
		grown := make([]byte, end)
		copy(grown, f.mem)
		f.mem = grown
	}
	copy(f.mem[offset:end], data)
	return nil
}

func (f *FuncHost) Alloc(ctx context.Context, size uint32) (uint32, error) {
	offset := uint32(len(f.mem))
	f.mem = append(f.mem, make([]byte, size)...)
	return offset, nil
}

func (f *FuncHost) Free(ctx context.Context, offset uint32) error {
	return nil
}

func (f *FuncHost) Close(ctx context.Context) error {
	return nil
}
