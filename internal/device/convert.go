package device

import (
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/x448/float16"
)

// ToHostFloat32 converts a half-precision buffer into a host-readable
// fp32 buffer. The conversion is ordered after all prior work on the
// source's stream; on accelerators it returns before the conversion runs
// and the result becomes readable at the next fence. An fp32 source yields
// a host copy.
func ToHostFloat32(c *Context, src *Buffer) (*Buffer, error) {
	const op = "to host fp32"
	if err := checkDevice(op, c, src); err != nil {
		return nil, err
	}
	if src.dtype != Float16 && src.dtype != Float32 {
		return nil, fault.Device(op, "cannot convert %s to fp32", src.dtype)
	}
	dst, err := alloc(c, Host, Float32, src.n)
	if err != nil {
		return nil, err
	}
	in16, in32, out := src.f16, src.f32, dst.f32
	work := func() {
		if in16 != nil {
			fp16ToFloat32(out, in16)
			return
		}
		copy(out, in32)
	}
	if err := c.write(dst, src, work); err != nil {
		return nil, err
	}
	return dst, nil
}

// WidenIndices upcasts an int32 buffer to int64 on the same device.
func WidenIndices(c *Context, src *Buffer) (*Buffer, error) {
	const op = "widen indices"
	if err := checkDevice(op, c, src); err != nil {
		return nil, err
	}
	if src.dtype != Int32 {
		return nil, fault.Device(op, "expected int32 source, got %s", src.dtype)
	}
	dst, err := alloc(c, src.kind, Int64, src.n)
	if err != nil {
		return nil, err
	}
	in, out := src.i32, dst.i64
	if err := c.write(dst, src, func() { int32ToInt64(out, in) }); err != nil {
		return nil, err
	}
	return dst, nil
}

// GatherRows builds a buffer whose row i is src's row idx[i]. src holds
// rows rows of equal width. Indices are trusted; callers validate them.
func GatherRows(c *Context, src *Buffer, rows int, idx []int32) (*Buffer, error) {
	const op = "gather rows"
	if err := checkDevice(op, c, src); err != nil {
		return nil, err
	}
	if rows <= 0 || src.n%rows != 0 {
		return nil, fault.Device(op, "length %d is not divisible into %d rows", src.n, rows)
	}
	width := src.n / rows
	dst, err := alloc(c, src.kind, src.dtype, width*len(idx))
	if err != nil {
		return nil, err
	}
	order := append([]int32(nil), idx...)
	var work func()
	switch src.dtype {
	case Float16:
		in, out := src.f16, dst.f16
		work = func() { gather(out, in, width, order) }
	case Float32:
		in, out := src.f32, dst.f32
		work = func() { gather(out, in, width, order) }
	case Int32:
		in, out := src.i32, dst.i32
		work = func() { gather(out, in, width, order) }
	case Int64:
		in, out := src.i64, dst.i64
		work = func() { gather(out, in, width, order) }
	}
	if err := c.write(dst, src, work); err != nil {
		return nil, err
	}
	return dst, nil
}

// write schedules work producing dst from src. dst inherits a fault raised
// by src's writer and is released if the submission is rejected.
func (c *Context) write(dst, src *Buffer, work func()) error {
	ev, err := c.submit(src.writer, work)
	if err != nil {
		dst.Release()
		return err
	}
	dst.writer = ev
	return nil
}

func checkDevice(op string, c *Context, src *Buffer) error {
	if src == nil {
		return fault.Device(op, "nil buffer")
	}
	if src.released.Load() {
		return fault.Device(op, "buffer already released")
	}
	if src.kind != c.kind {
		return fault.Device(op, "buffer lives on %s, context is %s", src.kind, c.kind)
	}
	if c.stream != nil && src.ctx != c {
		return fault.Device(op, "buffer belongs to a different %s stream", c.kind)
	}
	return nil
}

func fp16ToFloat32(dst []float32, src []float16.Float16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}

func int32ToInt64(dst []int64, src []int32) {
	for i, v := range src {
		dst[i] = int64(v)
	}
}

func gather[T any](dst, src []T, width int, idx []int32) {
	for i, r := range idx {
		copy(dst[i*width:(i+1)*width], src[int(r)*width:(int(r)+1)*width])
	}
}
