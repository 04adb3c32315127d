package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// httpRecognizer talks to a whisper.cpp style server: POST /load selects the
// model, POST /inference transcribes a multipart WAV upload.
type httpRecognizer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRecognizer(endpoint string, client *http.Client) Recognizer {
	if client == nil {
		client = &http.Client{}
	}
	return &httpRecognizer{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (r *httpRecognizer) Initialize(ctx context.Context, modelID string, _ Options) (Handle, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", modelID); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	resp, err := r.post(ctx, "/load", mw.FormDataContentType(), &body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("load %q: server returned %s: %w", modelID, resp.Status, ErrModelNotFound)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("load %q: server returned %s: %w", modelID, resp.Status, ErrNetwork)
	}
	return &httpHandle{parent: r, model: modelID}, nil
}

func (r *httpRecognizer) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("POST %s: %w", path, ErrTimeout)
		}
		return nil, fmt.Errorf("POST %s: %w: %w", path, ErrNetwork, err)
	}
	return resp, nil
}

type httpHandle struct {
	parent *httpRecognizer
	model  string
}

type inferenceResponse struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

func (h *httpHandle) Model() string { return h.model }

func (h *httpHandle) Close() error { return nil }

func (h *httpHandle) Recognize(ctx context.Context, samples []float32, opts Options) (Result, error) {
	wav, err := audio.EncodeWAV(samples, opts.SampleRate)
	if err != nil {
		return Result{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return Result{}, fmt.Errorf("write wav data: %w", err)
	}

	format := "json"
	if opts.ReturnTimestamps {
		format = "verbose_json"
	}
	fields := [][2]string{
		{"model", h.model},
		{"response_format", format},
		{"temperature", formatFloat(opts.Temperature)},
		{"no_speech_thold", formatFloat(opts.NoSpeechThreshold)},
		{"logprob_thold", formatFloat(opts.LogProbThreshold)},
		{"compression_ratio_thold", formatFloat(opts.CompressionRatioThreshold)},
	}
	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}
	if opts.Task == "translate" {
		fields = append(fields, [2]string{"translate", "true"})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return Result{}, fmt.Errorf("write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart writer: %w", err)
	}

	resp, err := h.parent.post(ctx, "/inference", mw.FormDataContentType(), &body)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("inference returned HTTP %d: %w", resp.StatusCode, ErrInternal)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response body: %w", err)
	}
	var parsed inferenceResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, fmt.Errorf("parse inference response: %w", err)
	}
	return Result{Text: parsed.Text, Segments: convertSegments(parsed.Segments)}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
