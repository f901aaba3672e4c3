// Package model describes a loaded model: its architecture family, the
// device it runs on and the geometry the generation loop needs.
package model

import (
	"fmt"
	"strings"

	"github.com/samcharles93/seqgen/internal/device"
)

// Family selects the step-input strategy.
type Family string

const (
	GPT     Family = "gpt"
	Llama   Family = "llama"
	Whisper Family = "whisper"
)

// ParseFamily accepts canonical names and the model_type spellings common
// in exported configs.
func ParseFamily(name string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gpt", "gpt2", "gpt-2", "gpt_neox", "gptj":
		return GPT, nil
	case "llama", "llama2", "llama3", "mistral", "qwen2":
		return Llama, nil
	case "whisper":
		return Whisper, nil
	default:
		return "", fmt.Errorf("unsupported model family %q", name)
	}
}

// Config is the on-disk model description.
type Config struct {
	Family          Family  `yaml:"family" toml:"family" json:"family"`
	Backend         string  `yaml:"backend" toml:"backend" json:"backend"`
	Device          string  `yaml:"device" toml:"device" json:"device"`
	OutputPrecision string  `yaml:"output_precision" toml:"output_precision" json:"output_precision"`
	OutputKind      string  `yaml:"output_kind" toml:"output_kind" json:"output_kind"`
	VocabSize       int     `yaml:"vocab_size" toml:"vocab_size" json:"vocab_size"`
	EOS             []int32 `yaml:"eos_token_ids" toml:"eos_token_ids" json:"eos_token_ids"`
	MaxLength       int     `yaml:"max_length" toml:"max_length" json:"max_length"`
	MaxPosition     int     `yaml:"max_position_embeddings" toml:"max_position_embeddings" json:"max_position_embeddings"`
	Hidden          int     `yaml:"hidden_size" toml:"hidden_size" json:"hidden_size"`
	Seed            int64   `yaml:"seed" toml:"seed" json:"seed"`
	MemoryLimit     int64   `yaml:"memory_limit" toml:"memory_limit" json:"memory_limit"`

	Rope    RopeConfig    `yaml:"rope" toml:"rope" json:"rope"`
	Whisper WhisperConfig `yaml:"whisper" toml:"whisper" json:"whisper"`
}

// RopeConfig holds rotary embedding parameters for Llama-style models.
type RopeConfig struct {
	Theta   float64            `yaml:"theta" toml:"theta" json:"theta"`
	HeadDim int                `yaml:"head_dim" toml:"head_dim" json:"head_dim"`
	Scaling *RopeScalingConfig `yaml:"scaling" toml:"scaling" json:"scaling"`
}

// RopeScalingConfig mirrors the rope_scaling block of exported configs.
type RopeScalingConfig struct {
	Type                          string  `yaml:"type" toml:"type" json:"type"`
	RopeType                      string  `yaml:"rope_type" toml:"rope_type" json:"rope_type"`
	Factor                        float64 `yaml:"factor" toml:"factor" json:"factor"`
	OriginalMaxPositionEmbeddings int     `yaml:"original_max_position_embeddings" toml:"original_max_position_embeddings" json:"original_max_position_embeddings"`
	LowFreqFactor                 float64 `yaml:"low_freq_factor" toml:"low_freq_factor" json:"low_freq_factor"`
	HighFreqFactor                float64 `yaml:"high_freq_factor" toml:"high_freq_factor" json:"high_freq_factor"`
	AttentionFactor               float64 `yaml:"attention_factor" toml:"attention_factor" json:"attention_factor"`
	BetaFast                      float64 `yaml:"beta_fast" toml:"beta_fast" json:"beta_fast"`
	BetaSlow                      float64 `yaml:"beta_slow" toml:"beta_slow" json:"beta_slow"`
	MScale                        float64 `yaml:"mscale" toml:"mscale" json:"mscale"`
	MScaleAllDim                  float64 `yaml:"mscale_all_dim" toml:"mscale_all_dim" json:"mscale_all_dim"`
	Truncate                      *bool   `yaml:"truncate" toml:"truncate" json:"truncate"`
}

// WhisperConfig is the encoder geometry of a speech-to-sequence model.
type WhisperConfig struct {
	NumMelBins         int     `yaml:"num_mel_bins" toml:"num_mel_bins" json:"num_mel_bins"`
	DecoderStartTokens []int32 `yaml:"decoder_start_tokens" toml:"decoder_start_tokens" json:"decoder_start_tokens"`
}

const (
	DefaultBackend     = "toy"
	DefaultDevice      = "auto"
	DefaultMaxLength   = 128
	DefaultHidden      = 32
	DefaultRopeTheta   = 10_000
	DefaultRopeHeadDim = 16
	DefaultNumMelBins  = 80
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.OutputPrecision == "" {
		c.OutputPrecision = "fp32"
	}
	if c.OutputKind == "" {
		c.OutputKind = "logits"
	}
	if c.MaxLength == 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.MaxPosition == 0 {
		c.MaxPosition = c.MaxLength
	}
	if c.Hidden == 0 {
		c.Hidden = DefaultHidden
	}
	switch c.Family {
	case Llama:
		if c.Rope.Theta == 0 {
			c.Rope.Theta = DefaultRopeTheta
		}
		if c.Rope.HeadDim == 0 {
			c.Rope.HeadDim = DefaultRopeHeadDim
		}
	case Whisper:
		if c.Whisper.NumMelBins == 0 {
			c.Whisper.NumMelBins = DefaultNumMelBins
		}
	}
}

// Validate checks the fields the generation loop depends on.
func (c *Config) Validate() error {
	fam, err := ParseFamily(string(c.Family))
	if err != nil {
		return err
	}
	c.Family = fam
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be > 0, got %d", c.VocabSize)
	}
	for _, id := range c.EOS {
		if id < 0 || int(id) >= c.VocabSize {
			return fmt.Errorf("eos token %d outside vocab of %d", id, c.VocabSize)
		}
	}
	if c.MaxLength < 2 {
		return fmt.Errorf("max_length must be >= 2, got %d", c.MaxLength)
	}
	if _, err := device.ParsePrecision(c.OutputPrecision); err != nil {
		return err
	}
	switch c.OutputKind {
	case "logits", "logprobs", "probs":
	default:
		return fmt.Errorf("unknown output_kind %q", c.OutputKind)
	}
	switch c.Family {
	case Llama:
		if c.Rope.HeadDim <= 0 || c.Rope.HeadDim%2 != 0 {
			return fmt.Errorf("rope head_dim must be a positive even number, got %d", c.Rope.HeadDim)
		}
	case Whisper:
		if len(c.Whisper.DecoderStartTokens) == 0 {
			return fmt.Errorf("whisper decoder_start_tokens must not be empty")
		}
		for _, id := range c.Whisper.DecoderStartTokens {
			if id < 0 || int(id) >= c.VocabSize {
				return fmt.Errorf("decoder start token %d outside vocab of %d", id, c.VocabSize)
			}
		}
	}
	return nil
}

// Precision returns the scores dtype the backend produces.
func (c Config) Precision() device.DType {
	dt, err := device.ParsePrecision(c.OutputPrecision)
	if err != nil {
		return device.Float32
	}
	return dt
}
