package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "window.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFdata"), 0o644))
	return path
}

func TestWhisperTranscribe(t *testing.T) {
	var gotAuth, gotModel, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotAuth = r.Header.Get("Authorization")
		gotModel = r.FormValue("model")
		gotFormat = r.FormValue("response_format")

		_, _, err := r.FormFile("file")
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"language": "de",
			"segments": [
				{"start": 0.5, "end": 3.25, "text": " guten tag ", "translation": "good day"},
				{"start": 4.0, "end": 6.0, "text": "wie geht es"}
			]
		}`))
	}))
	defer srv.Close()

	engine, err := NewWhisperEngine(WhisperConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	result, err := engine.Transcribe(context.Background(), Request{
		AudioPath:  writeClip(t),
		Variant:    "large-v3",
		Credential: "secret-key",
		Translate:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "large-v3", gotModel)
	assert.Equal(t, "verbose_json", gotFormat)

	assert.Equal(t, "de", result.Language)
	require.Len(t, result.Segments, 2)
	assert.Equal(t, 500*time.Millisecond, result.Segments[0].Start)
	assert.Equal(t, 3250*time.Millisecond, result.Segments[0].End)
	assert.Equal(t, "guten tag", result.Segments[0].Transcript)
	assert.Equal(t, "good day", result.Segments[0].Translation)
	assert.Empty(t, result.Segments[1].Translation)
}

func TestWhisperErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		check   func(t *testing.T, err error)
	}{
		{
			name:   "quota exhausted",
			status: http.StatusTooManyRequests,
			body:   `{"error": {"message": "rate limit reached", "type": "requests"}}`,
			check: func(t *testing.T, err error) {
				assert.True(t, IsQuotaExceeded(err))
				assert.Contains(t, err.Error(), "rate limit reached")
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   "upstream worker crashed",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrBackendUnavailable)
			},
		},
		{
			name:   "client error is terminal",
			status: http.StatusBadRequest,
			body:   `{"error": {"message": "unsupported audio format"}}`,
			check: func(t *testing.T, err error) {
				assert.False(t, IsQuotaExceeded(err))
				assert.NotErrorIs(t, err, ErrBackendUnavailable)
				assert.Contains(t, err.Error(), "unsupported audio format")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			engine, err := NewWhisperEngine(WhisperConfig{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = engine.Transcribe(context.Background(), Request{AudioPath: writeClip(t), Variant: "base"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestWhisperUnreachable(t *testing.T) {
	engine, err := NewWhisperEngine(WhisperConfig{
		BaseURL:        "http://127.0.0.1:1",
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)

	_, err = engine.Transcribe(context.Background(), Request{AudioPath: writeClip(t), Variant: "base"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestNewWhisperEngineValidation(t *testing.T) {
	_, err := NewWhisperEngine(WhisperConfig{})
	assert.Error(t, err)
}
