package device

import (
	"context"
	"sync/atomic"

	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/x448/float16"
)

// Buffer is a tagged region of memory. Exactly one of the typed slices is
// populated, matching dtype. A buffer written by stream work stays bound to
// that stream: reading its data first waits for the writing submission and
// reports that submission's fault.
type Buffer struct {
	ctx    *Context
	kind   Kind
	dtype  DType
	n      int
	writer *Event

	f16 []float16.Float16
	f32 []float32
	i32 []int32
	i64 []int64

	released atomic.Bool
}

// Alloc reserves a zeroed buffer of n elements on c's device.
func Alloc(c *Context, dtype DType, n int) (*Buffer, error) {
	return alloc(c, c.kind, dtype, n)
}

func alloc(c *Context, kind Kind, dtype DType, n int) (*Buffer, error) {
	if n < 0 {
		return nil, fault.Device("alloc", "negative length %d", n)
	}
	if dtype.Size() == 0 {
		return nil, fault.Device("alloc", "unsupported dtype %s", dtype)
	}
	if err := c.reserve(int64(n) * int64(dtype.Size())); err != nil {
		return nil, err
	}
	b := &Buffer{ctx: c, kind: kind, dtype: dtype, n: n}
	switch dtype {
	case Float16:
		b.f16 = make([]float16.Float16, n)
	case Float32:
		b.f32 = make([]float32, n)
	case Int32:
		b.i32 = make([]int32, n)
	case Int64:
		b.i64 = make([]int64, n)
	}
	return b, nil
}

func FromFloat32(c *Context, data []float32) (*Buffer, error) {
	b, err := Alloc(c, Float32, len(data))
	if err != nil {
		return nil, err
	}
	copy(b.f32, data)
	return b, nil
}

// FromFloat32AsFloat16 rounds data to half precision.
func FromFloat32AsFloat16(c *Context, data []float32) (*Buffer, error) {
	b, err := Alloc(c, Float16, len(data))
	if err != nil {
		return nil, err
	}
	for i, v := range data {
		b.f16[i] = float16.Fromfloat32(v)
	}
	return b, nil
}

// FromFloat16Bits wraps raw IEEE 754 half-precision bit patterns.
func FromFloat16Bits(c *Context, bits []uint16) (*Buffer, error) {
	b, err := Alloc(c, Float16, len(bits))
	if err != nil {
		return nil, err
	}
	for i, v := range bits {
		b.f16[i] = float16.Frombits(v)
	}
	return b, nil
}

func FromInt32(c *Context, data []int32) (*Buffer, error) {
	b, err := Alloc(c, Int32, len(data))
	if err != nil {
		return nil, err
	}
	copy(b.i32, data)
	return b, nil
}

func FromInt64(c *Context, data []int64) (*Buffer, error) {
	b, err := Alloc(c, Int64, len(data))
	if err != nil {
		return nil, err
	}
	copy(b.i64, data)
	return b, nil
}

func (b *Buffer) Device() Kind      { return b.kind }
func (b *Buffer) DType() DType      { return b.dtype }
func (b *Buffer) Len() int          { return b.n }
func (b *Buffer) Context() *Context { return b.ctx }
func (b *Buffer) Bytes() int64      { return int64(b.n) * int64(b.dtype.Size()) }
func (b *Buffer) Released() bool    { return b.released.Load() }

// Release returns the buffer's bytes to its context. It is idempotent.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	b.ctx.free(b.Bytes())
	b.f16, b.f32, b.i32, b.i64 = nil, nil, nil, nil
}

func (b *Buffer) ready(op string, want DType) error {
	if b.released.Load() {
		return fault.Device(op, "buffer already released")
	}
	if b.dtype != want {
		return fault.Device(op, "buffer holds %s, not %s", b.dtype, want)
	}
	if b.writer != nil {
		return b.writer.Wait(context.Background())
	}
	return b.ctx.Synchronize(context.Background())
}

// Writer returns the submission that produces the buffer's data, or nil
// when the data was written on the host.
func (b *Buffer) Writer() *Event { return b.writer }

// Float32s returns the buffer's data after fencing its stream. The slice
// aliases the buffer.
func (b *Buffer) Float32s() ([]float32, error) {
	if err := b.ready("read fp32", Float32); err != nil {
		return nil, err
	}
	return b.f32, nil
}

// Float16Bits returns a copy of the raw half-precision bit patterns.
func (b *Buffer) Float16Bits() ([]uint16, error) {
	if err := b.ready("read fp16", Float16); err != nil {
		return nil, err
	}
	out := make([]uint16, len(b.f16))
	for i, v := range b.f16 {
		out[i] = v.Bits()
	}
	return out, nil
}

func (b *Buffer) Int32s() ([]int32, error) {
	if err := b.ready("read int32", Int32); err != nil {
		return nil, err
	}
	return b.i32, nil
}

func (b *Buffer) Int64s() ([]int64, error) {
	if err := b.ready("read int64", Int64); err != nil {
		return nil, err
	}
	return b.i64, nil
}
