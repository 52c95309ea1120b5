package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WhisperConfig configures the whisper-compatible HTTP backend.
type WhisperConfig struct {
	// BaseURL is the server root, e.g. "https://transcribe.example.com".
	BaseURL string `mapstructure:"base_url"`

	// RequestTimeout bounds a single transcription call. Window-sized
	// clips can take a while on loaded servers.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WhisperEngine talks to a whisper.cpp-style server exposing the
// audio/transcriptions endpoint with verbose_json segment timings.
type WhisperEngine struct {
	cfg    WhisperConfig
	client *http.Client
}

// NewWhisperEngine builds the HTTP backend.
func NewWhisperEngine(cfg WhisperConfig) (*WhisperEngine, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("whisper base_url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Minute
	}

	return &WhisperEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

type whisperSegment struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Translation string  `json:"translation,omitempty"`
}

type whisperResponse struct {
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

type whisperError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Transcribe submits the audio clip and converts the verbose_json response
// into timed segments.
func (e *WhisperEngine) Transcribe(ctx context.Context, req Request) (*Result, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio clip: %w", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", req.Variant); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Translate {
		if err := mw.WriteField("translate", "true"); err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("read audio clip: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/v1/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, e.statusError(resp)
	}

	var parsed whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	result := &Result{Language: parsed.Language}
	for _, s := range parsed.Segments {
		result.Segments = append(result.Segments, Segment{
			Start:       time.Duration(s.Start * float64(time.Second)),
			End:         time.Duration(s.End * float64(time.Second)),
			Transcript:  strings.TrimSpace(s.Text),
			Translation: strings.TrimSpace(s.Translation),
		})
	}
	return result, nil
}

func (e *WhisperEngine) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(raw))
	var parsed whisperError
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d: %s", ErrBackendUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("transcription rejected: http %d: %s", resp.StatusCode, msg)
	}
}
