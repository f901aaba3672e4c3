// Package device abstracts where generation buffers live and how work on
// them is ordered.
//
// A Host context runs work inline. An Accelerator context owns one
// execution stream: work is enqueued and executed in enqueue order on a
// dedicated goroutine, and callers observe results only after a fence
// (Synchronize, or any accessor that reads buffer data).
package device

import (
	"fmt"
	"strings"
)

type Kind int

const (
	Host Kind = iota
	Accelerator
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("device(%d)", int(k))
	}
}

// ParseKind accepts the canonical device names.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "host":
		return Host, nil
	case "accelerator":
		return Accelerator, nil
	default:
		return Host, fmt.Errorf("unknown device %q (expected host or accelerator)", name)
	}
}

type DType int

const (
	Float16 DType = iota
	Float32
	Int32
	Int64
)

func (d DType) String() string {
	switch d {
	case Float16:
		return "fp16"
	case Float32:
		return "fp32"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Int64:
		return 8
	default:
		return 0
	}
}

// ParsePrecision maps a configured output precision to a float dtype.
func ParsePrecision(name string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fp32", "float32", "f32":
		return Float32, nil
	case "fp16", "float16", "f16", "half":
		return Float16, nil
	default:
		return Float32, fmt.Errorf("unknown precision %q (expected fp16 or fp32)", name)
	}
}
