package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/voxa/internal/config"
	"github.com/smallbiznis/voxa/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(Params{
		Config: config.Config{Synthesis: config.SynthesisConfig{
			BaseURL:       srv.URL + "/",
			APIKey:        "engine-secret",
			Timeout:       timeout,
			HealthTimeout: time.Second,
			LanguagesTTL:  time.Minute,
		}},
		Log:       zaptest.NewLogger(t),
		Catalogue: config.NewStaticCatalogueHolder(config.DefaultCatalogue()),
		Metrics:   metrics.NewNoop(),
	})
}

func TestSynthesizeStreamsAudio(t *testing.T) {
	audio := []byte("RIFF....WAVEfmt chunked-audio-payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointTTS, r.URL.Path)
		assert.Equal(t, "Bearer engine-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body SynthesizeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Text)
		assert.Equal(t, "default_male_01", body.SpeakerID)
		assert.Equal(t, "en", body.Language)

		w.Header().Set("Content-Type", "audio/wav")
		flusher := w.(http.Flusher)
		for i := 0; i < len(audio); i += 8 {
			end := i + 8
			if end > len(audio) {
				end = len(audio)
			}
			_, _ = w.Write(audio[i:end])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv, time.Second)
	stream, err := client.Synthesize(context.Background(), SynthesizeRequest{Text: "hello", SpeakerID: "default_male_01", Language: "en"})
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, audio, got)
}

func TestTranslateAndSynthesizeSendsLanguages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointTranslateTTS, r.URL.Path)
		var body TranslateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "eng_Latn", body.SourceLanguage)
		assert.Equal(t, "fra_Latn", body.TargetLanguage)
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	data, err := func() ([]byte, error) {
		stream, err := newTestClient(t, srv, time.Second).TranslateAndSynthesize(context.Background(), TranslateRequest{
			Text:           "hello",
			SpeakerID:      "default_female_01",
			SourceLanguage: "eng_Latn",
			TargetLanguage: "fra_Latn",
		})
		if err != nil {
			return nil, err
		}
		defer stream.Close()
		return io.ReadAll(stream)
	}()
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), data)
}

func TestSynthesizeUpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Second).Synthesize(context.Background(), SynthesizeRequest{Text: "x", SpeakerID: "s"})
	upstream, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	assert.Equal(t, "model not loaded", upstream.Message)
	assert.False(t, upstream.Timeout)
	assert.Equal(t, "status_5xx", upstream.Reason())
}

func TestSynthesizeEmptyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Second).Synthesize(context.Background(), SynthesizeRequest{Text: "x", SpeakerID: "s"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyStream))
	upstream, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, "empty_stream", upstream.Reason())
}

func TestSynthesizeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(t, srv, 50*time.Millisecond).Synthesize(context.Background(), SynthesizeRequest{Text: "x", SpeakerID: "s"})
	upstream, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.True(t, upstream.Timeout)
}

func TestLanguagesCachesUpstreamAndFallsBack(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{
			"translation": {"model": "nllb-200", "languages": [{"code": "eng_Latn", "name": "English", "tts_code": "en"}]},
			"tts": {"model": "qwen3-tts", "languages": [{"code": "en", "name": "English", "nllb_code": "eng_Latn"}]}
		}`))
	}))
	client := newTestClient(t, srv, time.Second)

	langs := client.Languages(context.Background())
	assert.Equal(t, LanguageSourceUpstream, langs.Source)
	assert.Equal(t, "nllb-200", langs.TranslationModel)
	require.Len(t, langs.TTS, 1)
	assert.Equal(t, "eng_Latn", langs.TTS[0].Counterpart)

	_ = client.Languages(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	srv.Close()

	offline := newTestClient(t, srv, time.Second)
	fallback := offline.Languages(context.Background())
	assert.Equal(t, LanguageSourceFallback, fallback.Source)
	assert.Len(t, fallback.TTS, 10)
	assert.Len(t, fallback.Translation, 11)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, EndpointHealth, r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"healthy","models":{"tts":true,"translation":true},"device":"cuda","cuda_available":true}`))
	}))
	defer srv.Close()

	health, err := newTestClient(t, srv, time.Second).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Models["tts"])
	assert.True(t, health.CUDAAvailable)
}
