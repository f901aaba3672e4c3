package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/inference"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	_ "github.com/samcharles93/seqgen/internal/toy"
)

type generateOptions struct {
	prompts       []string
	beams         int64
	maxLength     int64
	maxNewTokens  int64
	minLength     int64
	eos           string
	stops         []string
	numReturn     int64
	temperature   float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	seed          int64
	options       []string
	audio         string
	audioBatch    int64
	stream        bool
	progress      bool
}

func generateCmd() *cli.Command {
	var o generateOptions

	return &cli.Command{
		Name:  "generate",
		Usage: "Decode token-id prompts with beam search or sampling",
		Flags: append(commonModelFlags(),
			&cli.StringSliceFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "comma-separated prompt token ids; repeat for a batch",
				Destination: &o.prompts,
			},
			&cli.Int64Flag{
				Name:        "beams",
				Aliases:     []string{"num-beams", "k"},
				Usage:       "beams per prompt",
				Value:       1,
				Destination: &o.beams,
			},
			&cli.Int64Flag{
				Name:        "max-length",
				Usage:       "maximum sequence length, prompt included (0 = from config)",
				Destination: &o.maxLength,
			},
			&cli.Int64Flag{
				Name:        "max-new-tokens",
				Aliases:     []string{"n"},
				Usage:       "tokens to generate past the longest prompt when --max-length is unset",
				Destination: &o.maxNewTokens,
			},
			&cli.Int64Flag{
				Name:        "min-length",
				Usage:       "generated tokens before EOS and stop sequences may end a beam",
				Destination: &o.minLength,
			},
			&cli.StringFlag{
				Name:        "eos",
				Usage:       "comma-separated end-of-sequence ids, or \"none\" (default from config)",
				Destination: &o.eos,
			},
			&cli.StringSliceFlag{
				Name:        "stop",
				Usage:       "comma-separated stop sequence; repeatable",
				Destination: &o.stops,
			},
			&cli.Int64Flag{
				Name:        "num-return",
				Usage:       "hypotheses returned per prompt (0 = all beams)",
				Destination: &o.numReturn,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp", "t"},
				Usage:       "sampling temperature (0 = greedy); single beam only",
				Destination: &o.temperature,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling parameter",
				Destination: &o.topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "top_p sampling parameter",
				Destination: &o.topP,
			},
			&cli.Float64Flag{
				Name:        "min-p",
				Usage:       "min_p sampling parameter (0.0 = disabled)",
				Destination: &o.minP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty (1.0 = disabled)",
				Destination: &o.repeatPenalty,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed (default -1 = random)",
				Value:       -1,
				Destination: &o.seed,
			},
			&cli.StringSliceFlag{
				Name:        "option",
				Usage:       "search option as name=value (max_length, num_beams, top_k, ...)",
				Destination: &o.options,
			},
			&cli.StringFlag{
				Name:        "audio",
				Usage:       "JSON file holding flattened [batch x frames x mels] features",
				Destination: &o.audio,
			},
			&cli.Int64Flag{
				Name:        "audio-batch",
				Usage:       "number of clips in --audio",
				Value:       1,
				Destination: &o.audioBatch,
			},
			&cli.BoolFlag{
				Name:        "stream",
				Usage:       "print the tokens chosen at every step",
				Destination: &o.stream,
			},
			&cli.BoolFlag{
				Name:        "progress",
				Usage:       "show a step progress bar",
				Destination: &o.progress,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyGenerateConfig(c, LoadConfig(), &o)

			cfg, err := loadModelConfig(c)
			if err != nil {
				return err
			}
			loadStart := time.Now()
			m, err := inference.Open(cfg, inference.WithLogger(log))
			if err != nil {
				return err
			}
			defer m.Close()
			log.Debug("model opened", "family", m.Family(), "device", m.Device().Kind(), "elapsed", time.Since(loadStart))

			req, err := o.request()
			if err != nil {
				return err
			}
			if o.audio != "" {
				feats, err := readFeatures(o.audio)
				if err != nil {
					return err
				}
				buf, err := device.FromFloat32(m.Device(), feats)
				if err != nil {
					return err
				}
				defer buf.Release()
				req.Audio = buf
				req.AudioBatch = int(o.audioBatch)
			}

			res, err := run(ctx, m, req, o, os.Stdout)
			if err != nil {
				return err
			}
			printResult(os.Stdout, res)
			fmt.Fprintf(os.Stderr, "%s steps, %s tokens in %s (%.1f tok/s), %d anomalies\n",
				humanize.Comma(int64(res.Stats.Steps)),
				humanize.Comma(int64(res.Stats.TokensGenerated)),
				res.Stats.Duration.Round(time.Microsecond),
				res.Stats.TPS,
				res.Stats.Anomalies,
			)
			st := m.Device().Stats()
			fmt.Fprintf(os.Stderr, "device %s: peak %s\n", st.Kind, humanize.IBytes(uint64(st.PeakBytes)))
			return nil
		},
	}
}

// request builds the orchestrator request from the parsed flags.
func (o *generateOptions) request() (*inference.Request, error) {
	req := &inference.Request{
		NumBeams:           int(o.beams),
		MaxLength:          int(o.maxLength),
		MaxNewTokens:       int(o.maxNewTokens),
		MinLength:          int(o.minLength),
		NumReturnSequences: int(o.numReturn),
		Temperature:        o.temperature,
		TopK:               int(o.topK),
		TopP:               o.topP,
		MinP:               o.minP,
		RepeatPenalty:      o.repeatPenalty,
		Seed:               o.seed,
	}
	if req.Seed == -1 {
		req.Seed = time.Now().UnixNano()
	}
	for _, p := range o.prompts {
		ids, err := parseTokens(p)
		if err != nil {
			return nil, fmt.Errorf("--prompt %q: %w", p, err)
		}
		req.Prompts = append(req.Prompts, ids)
	}
	switch strings.TrimSpace(o.eos) {
	case "":
	case "none":
		req.EOS = []int32{}
	default:
		ids, err := parseTokens(o.eos)
		if err != nil {
			return nil, fmt.Errorf("--eos: %w", err)
		}
		req.EOS = ids
	}
	for _, s := range o.stops {
		ids, err := parseTokens(s)
		if err != nil {
			return nil, fmt.Errorf("--stop %q: %w", s, err)
		}
		req.StopSequences = append(req.StopSequences, ids)
	}
	for _, kv := range o.options {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("--option %q: expected name=value", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("--option %q: %w", kv, err)
		}
		if err := req.SetOption(strings.TrimSpace(name), v); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// run steps the generator, streaming tokens and progress as requested.
func run(ctx context.Context, m *inference.Model, req *inference.Request, o generateOptions, w io.Writer) (*inference.Result, error) {
	g, err := m.NewGenerator(ctx, req)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	var bar *progressbar.ProgressBar
	if o.progress {
		st := g.State()
		total := st.Params().MaxLength - st.MaxPromptLength() + 1
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("decoding"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	for !g.Done() {
		if _, err := g.Next(ctx); err != nil {
			return nil, err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		if o.stream {
			fmt.Fprintf(w, "step %d: %s\n", g.State().Step(), formatTokens(g.NewTokens()))
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return g.Result(), nil
}

func printResult(w io.Writer, res *inference.Result) {
	for _, g := range res.Groups {
		fmt.Fprintf(w, "prompt %d\n", g.Prompt)
		for i, h := range g.Hypotheses {
			fmt.Fprintf(w, "  #%d score=%.4f reason=%s tokens=%s\n", i+1, h.Score, h.Reason, formatTokens(h.Generated()))
		}
	}
}

func parseTokens(s string) ([]int32, error) {
	parts := strings.Split(s, ",")
	out := make([]int32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", p)
		}
		out = append(out, int32(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no token ids")
	}
	return out, nil
}

func formatTokens(ids []int32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func readFeatures(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio features: %w", err)
	}
	var feats []float32
	if err := json.Unmarshal(data, &feats); err != nil {
		return nil, fmt.Errorf("decode audio features: %w", err)
	}
	return feats, nil
}
