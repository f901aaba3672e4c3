package logits

import (
	"math"
	"testing"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same score vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()

	scores := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 20; i++ {
		a := s1.Sample(append([]float32(nil), scores...), nil, nil)
		b := s2.Sample(append([]float32(nil), scores...), nil, nil)
		if a != b {
			t.Fatalf("draw %d: expected deterministic sample, got %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  SamplerConfig
	}{
		{name: "zero temperature", cfg: SamplerConfig{Seed: 1}},
		{name: "top-k one", cfg: SamplerConfig{Seed: 99, Temperature: 1.0, TopK: 1, TopP: 1.0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := NewSampler(tc.cfg)
			if idx := s.Sample([]float32{-1, 5, 3, 7, 2}, nil, nil); idx != 3 {
				t.Fatalf("expected greedy index 3, got %d", idx)
			}
		})
	}
}

// TestSamplerTopP: the first entry dominates so a 0.5 nucleus keeps only it.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()

	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample([]float32{10, 0, 0, 0, 0}, nil, nil); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerNeverDrawsNegInf(t *testing.T) {
	t.Parallel()

	ninf := float32(math.Inf(-1))
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1.5, TopK: 4})
	for i := 0; i < 50; i++ {
		idx := s.Sample([]float32{ninf, 0, ninf, 0}, nil, nil)
		if idx != 1 && idx != 3 {
			t.Fatalf("drew masked index %d", idx)
		}
	}
}

// TestDrawShortTotalSkipsMasked: when the cumulative sum never reaches r
// the draw falls back to the last entry that has probability mass.
func TestDrawShortTotalSkipsMasked(t *testing.T) {
	t.Parallel()

	prob := []float64{0.6, 0.3999999, 0, 0}
	idx := []int{5, 2, 7, 1}
	tests := []struct {
		r    float64
		want int
	}{
		{0.5, 5},
		{0.7, 2},
		{0.99999999, 2},
		{2, 2},
	}
	for _, tc := range tests {
		if got := draw(prob, idx, tc.r); got != tc.want {
			t.Errorf("draw(r=%v) = %d, want %d", tc.r, got, tc.want)
		}
	}
	if got := draw([]float64{1, 0}, []int{4, 9}, 2); got != 4 {
		t.Errorf("single live entry: got %d, want 4", got)
	}
}

func TestSamplerRepeatPenalty(t *testing.T) {
	t.Parallel()

	s := NewSampler(SamplerConfig{Seed: 1, RepeatPenalty: 4})
	scores := []float32{1, 2, 1.9}
	// Token 1 was just produced; the penalty drops it below token 2.
	if idx := s.Sample(scores, []int32{1}, nil); idx != 2 {
		t.Fatalf("expected penalised argmax 2, got %d", idx)
	}

	scores = []float32{1, 2, 1.9}
	if idx := s.Sample(scores, []int32{1}, []int32{1}); idx != 1 {
		t.Fatalf("excluded ids must not be penalised, got %d", idx)
	}
}

func TestArgmaxTiesPickLowestIndex(t *testing.T) {
	t.Parallel()

	if got := Argmax([]float32{1, 3, 3, 2}); got != 1 {
		t.Fatalf("Argmax: got %d want 1", got)
	}
}

func TestLogSoftmax(t *testing.T) {
	t.Parallel()

	src := []float32{1, 2, 3}
	dst := make([]float32, 3)
	if !LogSoftmax(dst, src) {
		t.Fatalf("LogSoftmax reported no finite entries")
	}
	var sum float64
	for _, v := range dst {
		sum += math.Exp(float64(v))
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("probabilities sum to %f", sum)
	}
	if !(dst[2] > dst[1] && dst[1] > dst[0]) {
		t.Fatalf("ordering not preserved: %v", dst)
	}

	ninf := float32(math.Inf(-1))
	if LogSoftmax(dst, []float32{ninf, ninf, ninf}) {
		t.Fatalf("expected all -Inf row to be rejected")
	}
}

func TestAnomalous(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		row  []float32
		want bool
	}{
		{name: "finite", row: []float32{0, -1, 2}, want: false},
		{name: "neg inf", row: []float32{float32(math.Inf(-1)), 0}, want: false},
		{name: "pos inf", row: []float32{float32(math.Inf(1)), 0}, want: true},
		{name: "nan", row: []float32{float32(math.NaN()), 0}, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Anomalous(tc.row); got != tc.want {
				t.Fatalf("Anomalous(%v): got %v want %v", tc.row, got, tc.want)
			}
		})
	}
}

func TestLogOf(t *testing.T) {
	t.Parallel()

	dst := make([]float32, 3)
	if !LogOf(dst, []float32{0.5, 0.5, 0}) {
		t.Fatalf("LogOf rejected valid probabilities")
	}
	if !math.IsInf(float64(dst[2]), -1) {
		t.Fatalf("zero probability should map to -Inf, got %v", dst[2])
	}
	if LogOf(dst, []float32{-0.1, 1.1}) {
		t.Fatalf("negative probability accepted")
	}
}
