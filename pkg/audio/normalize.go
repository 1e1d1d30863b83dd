package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CommandRunner executes an external program and returns its standard output.
// It exists so tests can replace the ffmpeg invocation.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner is the default [CommandRunner]. It runs the program with
// [exec.CommandContext] so that cancelling ctx kills the child process.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// Normalizer turns arbitrary uploaded audio into a canonical [Waveform].
//
// RIFF/WAVE input is decoded in-process. Everything else is handed to ffmpeg
// through a scratch file that is removed before Normalize returns, whatever
// the outcome. A Normalizer is safe for concurrent use.
type Normalizer struct {
	ffmpegPath string
	scratchDir string
	run        CommandRunner
}

// NormalizerOption configures a [Normalizer].
type NormalizerOption func(*Normalizer)

// WithFFmpegPath overrides the ffmpeg executable. Default: "ffmpeg" from PATH.
func WithFFmpegPath(path string) NormalizerOption {
	return func(n *Normalizer) { n.ffmpegPath = path }
}

// WithScratchDir sets the directory used for request-scoped temporary files.
// Default: [os.TempDir].
func WithScratchDir(dir string) NormalizerOption {
	return func(n *Normalizer) { n.scratchDir = dir }
}

// WithCommandRunner replaces the function used to invoke ffmpeg.
func WithCommandRunner(run CommandRunner) NormalizerOption {
	return func(n *Normalizer) { n.run = run }
}

// NewNormalizer creates a Normalizer with the given options applied.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		ffmpegPath: "ffmpeg",
		run:        ExecRunner,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize decodes r into a mono waveform at [CanonicalRate]. name is the
// client-supplied file name; only its extension is used, as a decoding hint.
//
// Returns [ErrUnsupportedFormat] when the input cannot be decoded and
// [ErrEmptyAudio] when it decodes to zero samples.
func (n *Normalizer) Normalize(ctx context.Context, r io.Reader, name string) (*Waveform, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("audio: read input: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	var w *Waveform
	if IsWAV(data) {
		w, err = DecodeWAV(data)
		if errors.Is(err, ErrUnsupportedFormat) {
			// Compressed WAV codecs (ADPCM, mu-law, ...) are left to ffmpeg.
			slog.Debug("wav decode failed, falling back to ffmpeg", "name", name, "err", err)
			w, err = n.decodeFFmpeg(ctx, data, name)
		}
	} else {
		w, err = n.decodeFFmpeg(ctx, data, name)
	}
	if err != nil {
		return nil, err
	}

	if len(w.Samples) == 0 {
		return nil, ErrEmptyAudio
	}
	if w.SampleRate != CanonicalRate {
		samples, err := Resample(w.Samples, w.SampleRate, CanonicalRate)
		if err != nil {
			return nil, err
		}
		w = &Waveform{Samples: samples, SampleRate: CanonicalRate}
	}
	if len(w.Samples) == 0 {
		return nil, ErrEmptyAudio
	}
	return w, nil
}

// decodeFFmpeg writes data to a scratch file and asks ffmpeg for raw 16-bit
// mono PCM at the canonical rate on stdout.
func (n *Normalizer) decodeFFmpeg(ctx context.Context, data []byte, name string) (*Waveform, error) {
	path, release, err := n.scratch(data, filepath.Ext(name))
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := n.run(ctx, n.ffmpegPath,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(CanonicalRate),
		"-f", "s16le",
		"pipe:1",
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v", ErrUnsupportedFormat, err)
	}
	return &Waveform{Samples: PCM16ToFloat32(out), SampleRate: CanonicalRate}, nil
}

// scratch stores data in a fresh temporary file. The returned release func
// removes it and is safe to call more than once.
func (n *Normalizer) scratch(data []byte, ext string) (string, func(), error) {
	f, err := os.CreateTemp(n.scratchDir, "endill-*"+sanitizeExt(ext))
	if err != nil {
		return "", nil, fmt.Errorf("audio: create scratch file: %w", err)
	}
	path := f.Name()
	release := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove scratch file", "path", path, "err", err)
		}
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		release()
		return "", nil, fmt.Errorf("audio: write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		release()
		return "", nil, fmt.Errorf("audio: close scratch file: %w", err)
	}
	return path, release, nil
}

// sanitizeExt keeps a short alphanumeric extension so ffmpeg can use it as a
// probing hint without letting client input shape the path.
func sanitizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || len(ext) > 8 {
		return ""
	}
	for _, r := range ext {
		if !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
			return ""
		}
	}
	return "." + strings.ToLower(ext)
}
