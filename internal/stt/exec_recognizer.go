package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external transcription command per chunk. The
// command receives a WAV file via --audio and prints a JSON result.
type execRecognizer struct {
	cmd      []string
	modelDir string
}

type execSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type execResult struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Segments   []execSegment `json:"segments"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, modelDir: cfg.ModelDir}, nil
}

func (r *execRecognizer) Initialize(ctx context.Context, modelID string, _ Options) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return nil, fmt.Errorf("stt command %q: %w: %w", r.cmd[0], ErrUnsupported, err)
	}
	modelPath := modelID
	if r.modelDir != "" {
		modelPath = filepath.Join(r.modelDir, modelID)
		if _, err := os.Stat(modelPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%s: %w", modelPath, ErrModelNotFound)
			}
			return nil, fmt.Errorf("stat model: %w", err)
		}
	}
	return &execHandle{cmd: r.cmd, model: modelID, modelPath: modelPath}, nil
}

type execHandle struct {
	cmd       []string
	model     string
	modelPath string
	mu        sync.Mutex
}

func (h *execHandle) Model() string { return h.model }

func (h *execHandle) Close() error { return nil }

func (h *execHandle) Recognize(ctx context.Context, samples []float32, opts Options) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_scribe_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, opts.SampleRate); err != nil {
		return Result{}, err
	}

	args := append([]string{}, h.cmd[1:]...)
	args = append(args,
		"--audio", file.Name(),
		"--model", h.modelPath,
		"--task", opts.Task,
		"--temperature", formatFloat(opts.Temperature),
		"--no-speech-threshold", formatFloat(opts.NoSpeechThreshold),
		"--logprob-threshold", formatFloat(opts.LogProbThreshold),
		"--compression-ratio-threshold", formatFloat(opts.CompressionRatioThreshold),
	)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.ConditionOnPreviousText {
		args = append(args, "--condition-on-previous-text")
	}
	if opts.ReturnTimestamps {
		args = append(args, "--timestamps")
	}

	command := exec.CommandContext(ctx, h.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("stt command: %w", ErrTimeout)
		}
		return Result{}, fmt.Errorf("stt command failed: %w: %s: %w", err, stderr.String(), ErrInternal)
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Segments:   convertSegments(resp.Segments),
	}, nil
}

func convertSegments(in []execSegment) []Segment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Segment, 0, len(in))
	for _, s := range in {
		out = append(out, Segment{
			Start: secondsToDuration(s.Start),
			End:   secondsToDuration(s.End),
			Text:  s.Text,
		})
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
