package logger

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

func TestOpenFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format Format
		want   string
	}{
		{FormatJSON, `"msg":"step done"`},
		{FormatText, `msg="step done"`},
		{FormatPretty, "step done slot=3"},
	}
	for _, tc := range tests {
		t.Run(string(tc.format), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log, err := Open(&buf, tc.format, slog.LevelInfo)
			if err != nil {
				t.Fatalf("Open(%q): %v", tc.format, err)
			}
			log.Info("step done", "slot", 3)
			if !strings.Contains(buf.String(), tc.want) {
				t.Fatalf("expected %q in output, got: %s", tc.want, buf.String())
			}
		})
	}

	if _, err := Open(&bytes.Buffer{}, "xml", slog.LevelInfo); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  Format
		ok    bool
	}{
		{"", FormatPretty, true},
		{"pretty", FormatPretty, true},
		{" JSON ", FormatJSON, true},
		{"Text", FormatText, true},
		{"logfmt", "", false},
	}
	for _, tc := range tests {
		got, err := ParseFormat(tc.input)
		if (err == nil) != tc.ok {
			t.Errorf("ParseFormat(%q) error = %v, want ok=%v", tc.input, err, tc.ok)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"trace":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	log.Debug("dropped too")
	if buf.Len() > 0 {
		t.Fatalf("expected nothing below warn, got: %s", buf.String())
	}
	log.Warn("numeric anomaly", "slot", 1)
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Fatalf("expected a warn record, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("generation", "gen_1").WithGroup("step")
	// Every level is accepted and dropped.
	log.Debug("d")
	log.Info("i")
	log.Warn("w")
	log.Error("e")
}

func TestLookup(t *testing.T) {
	t.Parallel()

	if _, ok := Lookup(context.Background()); ok {
		t.Fatal("Lookup found a logger in an empty context")
	}

	var buf bytes.Buffer
	want := JSON(&buf, slog.LevelInfo).With("generation", "gen_1")
	ctx := WithContext(context.Background(), want)

	got, ok := Lookup(ctx)
	if !ok {
		t.Fatal("Lookup did not find the stored logger")
	}
	got.Info("started")
	if !strings.Contains(buf.String(), `"generation":"gen_1"`) {
		t.Fatalf("expected the stored logger's attributes, got: %s", buf.String())
	}

	// A nested context still resolves to the stored logger.
	child, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, ok := Lookup(child); !ok {
		t.Fatal("Lookup lost the logger in a derived context")
	}
}

func TestFromContextFallsBack(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil without a stored logger")
	}
}

func TestWithGroupJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	JSON(&buf, slog.LevelInfo).WithGroup("search").Info("advance", "beams", 4)
	if !strings.Contains(buf.String(), `"search":{"beams":4}`) {
		t.Fatalf("expected grouped attributes, got: %s", buf.String())
	}
}

var prettyLine = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] (DEBUG|INFO |WARN |ERROR) `)

func TestPrettyLayout(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("encoder ran")
	log.Info("generation started", "prompts", 2)
	log.Warn("numeric anomaly")
	log.Error("generation failed", "error", "device_error: stream")

	out := buf.String()
	// A buffer is not a terminal, so lipgloss renders without escapes.
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected ANSI escapes writing to a buffer: %q", out)
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), out)
	}
	for _, line := range lines {
		if !prettyLine.MatchString(line) {
			t.Errorf("line does not match the pretty layout: %q", line)
		}
	}
	// Levels are padded to a fixed column.
	if !strings.Contains(lines[1], "INFO  generation started prompts=2") {
		t.Errorf("unexpected info line: %q", lines[1])
	}
	if !strings.Contains(lines[3], `ERROR generation failed error="device_error: stream"`) {
		t.Errorf("unexpected error line: %q", lines[3])
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	ctx := context.Background()
	if h.Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(ctx, slog.LevelError) {
		t.Error("error disabled at warn level")
	}
	if !NewPrettyHandler(&bytes.Buffer{}, nil).Enabled(ctx, slog.LevelInfo) {
		t.Error("nil options should default to info")
	}
}

func TestPrettyHandlerAttrsAndGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}

	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("family", "gpt")}).WithGroup("a").WithGroup("b"))
	log.Info("nested", "key", "val", "note", "two words", "span", slog.GroupValue(slog.Int("from", 1), slog.Int("to", 4)))

	out := buf.String()
	for _, want := range []string{"family=gpt", "a.b.key=val", `a.b.note="two words"`, "a.b.span={from=1 to=4}"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestPrettyHandlersShareWriterLock(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	child := h.WithAttrs([]slog.Attr{slog.Int("slot", 0)}).(*PrettyHandler)
	if child.mu != h.mu {
		t.Fatal("derived handlers must serialize writes with their parent")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	for input, want := range map[string]bool{
		"gpt":        false,
		"":           false,
		"two words":  true,
		"tab\there":  true,
		"line\nfeed": true,
		`say "hi"`:   true,
	} {
		if got := needsQuoting(input); got != want {
			t.Errorf("needsQuoting(%q) = %v, want %v", input, got, want)
		}
	}
}
