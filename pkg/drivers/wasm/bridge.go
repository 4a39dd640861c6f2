package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// bridge exchanges JSON payloads with one module instance over linear
// memory. The guest ABI: each stage export takes (input_ptr, input_len)
// and returns (output_ptr << 32) | output_len; buffers are managed
// through the guest's malloc and free.
type bridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
}

// newBridge wraps a module instance, verifying the memory and allocator
// exports.
func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{module: module}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("module does not export memory")
	}

	b.malloc = module.ExportedFunction("malloc")
	if b.malloc == nil {
		return nil, fmt.Errorf("module does not export malloc")
	}

	b.free = module.ExportedFunction("free")
	if b.free == nil {
		return nil, fmt.Errorf("module does not export free")
	}

	return b, nil
}

// call invokes a named export with a JSON input and returns its JSON
// output.
func (b *bridge) call(ctx context.Context, name string, input []byte) ([]byte, error) {
	fn := b.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("module does not export %s", name)
	}

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate guest memory: %w", err)
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))

		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to guest memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("guest call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("guest returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from guest memory")
	}

	// Copy before freeing: Read returns a view of guest memory.
	result := make([]byte, len(output))
	copy(result, output)

	if err := b.deallocate(ctx, outputPtr); err != nil {
		return nil, fmt.Errorf("failed to free guest output: %w", err)
	}

	return result, nil
}

// allocate allocates guest memory and returns the pointer.
func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}

	return ptr, nil
}

// deallocate frees guest memory.
func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
