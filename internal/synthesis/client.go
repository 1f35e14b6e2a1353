// Package synthesis talks to the external speech engine.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/smallbiznis/voxa/internal/config"
	"github.com/smallbiznis/voxa/internal/observability/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	EndpointTTS          = "/tts/stream"
	EndpointTranslateTTS = "/translate-tts/stream"
	EndpointLanguages    = "/languages"
	EndpointHealth       = "/health"

	languagesCacheKey = "languages"
	maxErrorBody      = 4 * 1024
	peekSize          = 32 * 1024
)

type SynthesizeRequest struct {
	Text      string `json:"text"`
	SpeakerID string `json:"speaker_id"`
	Language  string `json:"language"`
}

type TranslateRequest struct {
	Text           string `json:"text"`
	SpeakerID      string `json:"speaker_id"`
	SourceLanguage string `json:"src_lang"`
	TargetLanguage string `json:"tgt_lang"`
}

type Health struct {
	Status        string          `json:"status"`
	Models        map[string]bool `json:"models"`
	ModelsEnabled map[string]bool `json:"models_enabled"`
	Device        string          `json:"device"`
	CUDAAvailable bool            `json:"cuda_available"`
}

// Gateway opens audio streams from the synthesis engine. Returned streams
// have already produced at least one byte.
type Gateway interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (io.ReadCloser, error)
	TranslateAndSynthesize(ctx context.Context, req TranslateRequest) (io.ReadCloser, error)
	SynthesizeFull(ctx context.Context, req SynthesizeRequest) ([]byte, error)
	// Languages never fails; it falls back to the configured catalogue.
	Languages(ctx context.Context) Languages
	Health(ctx context.Context) (Health, error)
}

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Catalogue  *config.CatalogueHolder
	Metrics    *metrics.Metrics `optional:"true"`
	HTTPClient *http.Client     `optional:"true"`
}

type Client struct {
	baseURL       string
	apiKey        string
	timeout       time.Duration
	healthTimeout time.Duration
	http          *http.Client
	log           *zap.Logger
	metrics       *metrics.Metrics
	catalogue     *config.CatalogueHolder
	languages     *cache.Cache
}

func NewClient(p Params) *Client {
	cfg := p.Config.Synthesis
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "synthesis " + r.URL.Path
				}),
			),
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 10 * time.Second
	}
	ttl := cfg.LanguagesTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		timeout:       timeout,
		healthTimeout: healthTimeout,
		http:          httpClient,
		log:           p.Log.Named("synthesis.client"),
		metrics:       p.Metrics,
		catalogue:     p.Catalogue,
		languages:     cache.New(ttl, 2*ttl),
	}
}

func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (io.ReadCloser, error) {
	return c.openStream(ctx, EndpointTTS, req)
}

func (c *Client) TranslateAndSynthesize(ctx context.Context, req TranslateRequest) (io.ReadCloser, error) {
	return c.openStream(ctx, EndpointTranslateTTS, req)
}

func (c *Client) SynthesizeFull(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	stream, err := c.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return io.ReadAll(stream)
}

func (c *Client) Languages(ctx context.Context) Languages {
	if cached, ok := c.languages.Get(languagesCacheKey); ok {
		return cached.(Languages)
	}

	var resp languagesResponse
	if err := c.getJSON(ctx, EndpointLanguages, c.healthTimeout, &resp); err != nil {
		c.log.Warn("using fallback language catalogue", zap.Error(err))
		return fallbackLanguages(c.catalogue.Get())
	}

	langs := resp.toLanguages()
	if len(langs.TTS) == 0 {
		c.log.Warn("upstream returned no tts languages, using fallback")
		return fallbackLanguages(c.catalogue.Get())
	}
	c.languages.SetDefault(languagesCacheKey, langs)
	return langs
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.getJSON(ctx, EndpointHealth, c.healthTimeout, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

func (c *Client) openStream(ctx context.Context, endpoint string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	c.setHeaders(req, "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, c.fail(ctx, wrapTransport(endpoint, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, c.fail(ctx, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: msg})
	}

	stream := &stream{endpoint: endpoint, body: resp.Body, cancel: cancel}
	if err := stream.peek(peekSize); err != nil {
		stream.Close()
		return nil, c.fail(ctx, err)
	}

	c.log.Debug("synthesis stream opened",
		zap.String("endpoint", endpoint),
		zap.Duration("time_to_first_byte", time.Since(start)),
	)
	return stream, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(ctx, wrapTransport(endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(ctx, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: readErrorBody(resp.Body)})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.fail(ctx, &UpstreamError{Endpoint: endpoint, Message: "invalid response body", Err: err})
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) fail(ctx context.Context, err error) error {
	if upstream, ok := AsUpstreamError(err); ok {
		c.metrics.RecordUpstreamFailure(context.WithoutCancel(ctx), upstream.Endpoint, upstream.Reason())
		c.log.Warn("synthesis call failed",
			zap.String("endpoint", upstream.Endpoint),
			zap.Int("status_code", upstream.StatusCode),
			zap.Bool("timeout", upstream.Timeout),
			zap.Error(err),
		)
	}
	return err
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "no response body"
	}
	return msg
}

// stream replays the peeked bytes, then the rest of the body. Closing it
// releases the request timeout.
type stream struct {
	endpoint string
	body     io.ReadCloser
	cancel   context.CancelFunc
	head     []byte
}

func (s *stream) peek(size int) error {
	buf := make([]byte, size)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			s.head = buf[:n]
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &UpstreamError{Endpoint: s.endpoint, Message: "empty audio stream", Err: ErrEmptyStream}
			}
			return wrapTransport(s.endpoint, err)
		}
	}
}

func (s *stream) Read(p []byte) (int, error) {
	if len(s.head) > 0 {
		n := copy(p, s.head)
		s.head = s.head[n:]
		return n, nil
	}
	n, err := s.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, wrapTransport(s.endpoint, err)
	}
	return n, err
}

func (s *stream) Close() error {
	err := s.body.Close()
	s.cancel()
	return err
}

var _ Gateway = (*Client)(nil)
