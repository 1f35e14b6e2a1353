package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/voxa/internal/clock"
	"github.com/smallbiznis/voxa/internal/config"
	"github.com/smallbiznis/voxa/internal/credit"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	"github.com/smallbiznis/voxa/internal/generation/repository"
	"github.com/smallbiznis/voxa/internal/observability/metrics"
	"github.com/smallbiznis/voxa/internal/storage"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/voxa/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/voxa/internal/subscription/service"
	"github.com/smallbiznis/voxa/internal/synthesis"
	"github.com/smallbiznis/voxa/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	last   any
	stream func() (io.ReadCloser, error)
}

func (g *fakeGateway) record(req any) (io.ReadCloser, error) {
	g.mu.Lock()
	g.calls++
	g.last = req
	g.mu.Unlock()
	return g.stream()
}

func (g *fakeGateway) Synthesize(_ context.Context, req synthesis.SynthesizeRequest) (io.ReadCloser, error) {
	return g.record(req)
}

func (g *fakeGateway) TranslateAndSynthesize(_ context.Context, req synthesis.TranslateRequest) (io.ReadCloser, error) {
	return g.record(req)
}

func (g *fakeGateway) SynthesizeFull(ctx context.Context, req synthesis.SynthesizeRequest) ([]byte, error) {
	rc, err := g.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *fakeGateway) Languages(context.Context) synthesis.Languages { return synthesis.Languages{} }

func (g *fakeGateway) Health(context.Context) (synthesis.Health, error) { return synthesis.Health{}, nil }

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type staticSpeakers struct{}

func (staticSpeakers) Resolve(_ context.Context, voiceID string) synthesis.Speaker {
	return synthesis.Speaker{ID: voiceID, Source: synthesis.SpeakerSourceDefault}
}

type failingStore struct{ storage.Store }

func (failingStore) Put(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("disk full")
}

// gatedReader blocks after the first half until released, then fails or ends.
type gatedReader struct {
	data    []byte
	half    int
	gate    chan struct{}
	failErr error
	pos     int
}

func (r *gatedReader) Read(p []byte) (int, error) {
	if r.pos == r.half && r.gate != nil {
		<-r.gate
	}
	if r.pos >= len(r.data) {
		if r.failErr != nil {
			return 0, r.failErr
		}
		return 0, io.EOF
	}
	end := len(r.data)
	if r.pos < r.half {
		end = r.half
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func (r *gatedReader) Close() error { return nil }

type harness struct {
	db            *gorm.DB
	svc           *Service
	gateway       *fakeGateway
	store         storage.Store
	subscriptions subscriptiondomain.Service
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&subscriptiondomain.Subscription{}, &generationdomain.Generation{}))
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY)`).Error)

	if store == nil {
		store, err = storage.NewLocalStore(t.TempDir())
		require.NoError(t, err)
	}

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Now().UTC())
	log := zaptest.NewLogger(t)
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepo.Provide(),
	})
	guard := credit.NewGuard(credit.Params{Log: log, Subscriptions: subs, Metrics: metrics.NewNoop()})
	gateway := &fakeGateway{}

	svc := NewService(ServiceParam{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Config:    config.Config{Generation: config.GenerationConfig{MaxTextLength: 50000, PersistTimeout: 5 * time.Second}},
		Catalogue: config.NewStaticCatalogueHolder(config.DefaultCatalogue()),
		Repo:      repository.Provide(),
		Guard:     guard,
		Gateway:   gateway,
		Speakers:  staticSpeakers{},
		Store:     store,
		Metrics:   metrics.NewNoop(),
	}).(*Service)

	return &harness{db: db, svc: svc, gateway: gateway, store: store, subscriptions: subs}
}

func (h *harness) subscribe(t *testing.T, userID int64, credits int64) *subscriptiondomain.Subscription {
	t.Helper()
	require.NoError(t, h.db.Exec(`INSERT INTO users (id) VALUES (?)`, userID).Error)
	sub, err := h.subscriptions.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		UserID: fmt.Sprint(userID), Credits: credits, DurationDays: 30,
	})
	require.NoError(t, err)
	return sub
}

func (h *harness) used(t *testing.T, id snowflake.ID) int64 {
	t.Helper()
	sub, err := h.subscriptions.Get(context.Background(), id)
	require.NoError(t, err)
	return sub.CreditsUsed
}

func (h *harness) record(t *testing.T, id snowflake.ID) *generationdomain.Generation {
	t.Helper()
	rec, err := repository.Provide().FindByID(context.Background(), h.db, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (h *harness) stored(t *testing.T, key string) []byte {
	t.Helper()
	rc, _, err := h.store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func audioBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func streamOf(data []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func waitSettled(t *testing.T, res *generationdomain.StreamResult) {
	t.Helper()
	select {
	case <-res.Settled:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not settle")
	}
}

func ttsRequest(text string) generationdomain.Request {
	return generationdomain.Request{Text: text, VoiceID: "default_male_01", Type: generationdomain.TypeTTS}
}

func TestHappyPathStreamsAndPersistsIdenticalBytes(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 1, 1000)
	audio := audioBytes(t, 256*1024)
	h.gateway.stream = streamOf(audio)

	res, err := h.svc.Generate(context.Background(), sub.UserID, ttsRequest("héllo wörld"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.TextLength)
	assert.Equal(t, int64(989), res.CreditsRemaining)
	assert.Equal(t, "/api/audio/"+res.Generation.ID.String()+".wav", res.Generation.AudioURL)

	client, err := io.ReadAll(res.Audio)
	require.NoError(t, err)
	require.NoError(t, res.Audio.Close())
	waitSettled(t, res)

	assert.Equal(t, audio, client)
	assert.Equal(t, audio, h.stored(t, res.Generation.StorageKey))

	rec := h.record(t, res.Generation.ID)
	assert.Equal(t, generationdomain.StatusCompleted, rec.Status)
	assert.Equal(t, int64(len(audio)), rec.BytesWritten)
	require.NotNil(t, rec.Language)
	assert.Equal(t, "en", *rec.Language)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, int64(11), h.used(t, sub.ID))

	req, ok := h.gateway.last.(synthesis.SynthesizeRequest)
	require.True(t, ok)
	assert.Equal(t, "default_male_01", req.SpeakerID)

	require.NotNil(t, rec.Metadata)
	assert.Equal(t, string(synthesis.SpeakerSourceDefault), rec.Metadata[generationdomain.MetaSpeakerSource])
	assert.Equal(t, "default_male_01", rec.Metadata[generationdomain.MetaSpeakerID])
	assert.Equal(t, "default_male_01", rec.Metadata[generationdomain.MetaRequestedVoice])
	assert.Equal(t, synthesis.EndpointTTS, rec.Metadata[generationdomain.MetaUpstreamEndpoint])
	assert.Equal(t, float64(len(audio)), rec.Metadata[generationdomain.MetaClientBytes])
}

func TestInsufficientCreditsTouchesNothing(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 2, 5)
	h.gateway.stream = streamOf([]byte("audio"))

	_, err := h.svc.Generate(context.Background(), sub.UserID, ttsRequest("more than five"))
	denial, ok := credit.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, credit.ReasonInsufficientCredits, denial.Reason)
	assert.Equal(t, int64(14), denial.Required)
	assert.Equal(t, int64(9), denial.Shortfall)

	assert.Equal(t, 0, h.gateway.Calls())
	assert.Equal(t, int64(0), h.used(t, sub.ID))
	list, err := h.svc.List(context.Background(), sub.UserID, pagination.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), list.Total)
}

func TestValidationHappensBeforeLedger(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, 3, generationdomain.Request{Text: "   ", VoiceID: "v"})
	var verr *generationdomain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "text", verr.Field)

	_, err = h.svc.Generate(ctx, 3, generationdomain.Request{Text: "hi", VoiceID: "v", Type: "translate-tts", SourceLanguage: "eng_Latn"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "language", verr.Field)

	_, err = h.svc.Generate(ctx, 3, generationdomain.Request{Text: string(make([]rune, 50001)), VoiceID: "v"})
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.TooLong)

	_, err = h.svc.Generate(ctx, 3, ttsRequest("no subscription"))
	denial, ok := credit.AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, credit.ReasonNoSubscription, denial.Reason)
	assert.Equal(t, 0, h.gateway.Calls())
}

func TestUpstreamFailureReleasesCredits(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 4, 1000)
	h.gateway.stream = func() (io.ReadCloser, error) {
		return nil, &synthesis.UpstreamError{Endpoint: synthesis.EndpointTTS, StatusCode: 503, Message: "busy"}
	}

	_, err := h.svc.Generate(context.Background(), sub.UserID, ttsRequest("hello"))
	upstream, ok := synthesis.AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, 503, upstream.StatusCode)
	assert.Equal(t, int64(0), h.used(t, sub.ID))

	list, err := h.svc.List(context.Background(), sub.UserID, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, list.Generations, 1)
	assert.Equal(t, generationdomain.StatusFailed, list.Generations[0].Status)
	require.NotNil(t, list.Generations[0].Error)
	assert.Contains(t, *list.Generations[0].Error, "busy")
}

func TestNearlySpentSubscription(t *testing.T) {
	timeout := func() (io.ReadCloser, error) {
		return nil, &synthesis.UpstreamError{Endpoint: synthesis.EndpointTTS, Timeout: true, Err: context.DeadlineExceeded}
	}

	tests := []struct {
		name          string
		text          string
		stream        func() (io.ReadCloser, error)
		wantUsed      int64
		wantStatus    generationdomain.Status
		wantShortfall int64
		wantTimeout   bool
	}{
		{
			name:       "fits remaining balance",
			text:       "hello",
			stream:     streamOf([]byte("RIFF audio")),
			wantUsed:   995,
			wantStatus: generationdomain.StatusCompleted,
		},
		{
			name:          "exceeds remaining balance",
			text:          strings.Repeat("a", 20),
			stream:        streamOf([]byte("RIFF audio")),
			wantUsed:      990,
			wantShortfall: 10,
		},
		{
			name:        "synthesis times out",
			text:        "hello",
			stream:      timeout,
			wantUsed:    990,
			wantStatus:  generationdomain.StatusFailed,
			wantTimeout: true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			sub := h.subscribe(t, int64(40+i), 1000)
			ok, err := h.subscriptions.ReserveCredits(ctx, sub.ID, 990)
			require.NoError(t, err)
			require.True(t, ok)
			h.gateway.stream = tt.stream

			res, err := h.svc.Generate(ctx, sub.UserID, ttsRequest(tt.text))
			switch {
			case tt.wantShortfall > 0:
				denial, ok := credit.AsDenial(err)
				require.True(t, ok, "unexpected error %v", err)
				assert.Equal(t, credit.ReasonInsufficientCredits, denial.Reason)
				assert.Equal(t, int64(10), denial.Remaining)
				assert.Equal(t, tt.wantShortfall, denial.Shortfall)
				assert.Equal(t, 0, h.gateway.Calls())
			case tt.wantTimeout:
				upstream, ok := synthesis.AsUpstreamError(err)
				require.True(t, ok, "unexpected error %v", err)
				assert.True(t, upstream.Timeout)
			default:
				require.NoError(t, err)
				assert.Equal(t, int64(5), res.CreditsRemaining)
				_, err = io.ReadAll(res.Audio)
				require.NoError(t, err)
				require.NoError(t, res.Audio.Close())
				waitSettled(t, res)
			}

			assert.Equal(t, tt.wantUsed, h.used(t, sub.ID))
			list, err := h.svc.List(ctx, sub.UserID, pagination.Pagination{})
			require.NoError(t, err)
			if tt.wantStatus == "" {
				assert.Empty(t, list.Generations)
				return
			}
			require.Len(t, list.Generations, 1)
			assert.Equal(t, tt.wantStatus, list.Generations[0].Status)
		})
	}
}

func TestStorageFailureStillDeliversAudio(t *testing.T) {
	local, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h := newHarness(t, failingStore{Store: local})
	sub := h.subscribe(t, 5, 1000)
	audio := audioBytes(t, 128*1024)
	h.gateway.stream = streamOf(audio)

	res, err := h.svc.Generate(context.Background(), sub.UserID, ttsRequest("hello"))
	require.NoError(t, err)
	client, err := io.ReadAll(res.Audio)
	require.NoError(t, err)
	require.NoError(t, res.Audio.Close())
	waitSettled(t, res)

	assert.Equal(t, audio, client)
	rec := h.record(t, res.Generation.ID)
	assert.Equal(t, generationdomain.StatusCompletedUnsaved, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "disk full")
	assert.Equal(t, int64(5), h.used(t, sub.ID), "credits are not refunded once audio was delivered")
}

func TestConcurrentRequestsOnlyOneFits(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 6, 1000)
	h.gateway.stream = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("audio"))), nil }

	text := string(bytes.Repeat([]byte("a"), 600))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*generationdomain.StreamResult
		denials []*credit.Denial
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Generate(context.Background(), sub.UserID, ttsRequest(text))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if denial, ok := credit.AsDenial(err); ok {
					denials = append(denials, denial)
				}
				return
			}
			results = append(results, res)
		}()
	}
	wg.Wait()

	require.Len(t, results, 1)
	require.Len(t, denials, 1)
	assert.Equal(t, credit.ReasonInsufficientCredits, denials[0].Reason)

	_, err := io.ReadAll(results[0].Audio)
	require.NoError(t, err)
	require.NoError(t, results[0].Audio.Close())
	waitSettled(t, results[0])
	assert.Equal(t, int64(600), h.used(t, sub.ID))
}

func TestClientDisconnectDoesNotStopPersistence(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 7, 1000)
	audio := audioBytes(t, 64*1024)
	gate := make(chan struct{})
	h.gateway.stream = func() (io.ReadCloser, error) {
		return &gatedReader{data: audio, half: len(audio) / 2, gate: gate}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	res, err := h.svc.Generate(ctx, sub.UserID, ttsRequest("hello"))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	_, err = io.ReadFull(res.Audio, buf)
	require.NoError(t, err)
	cancel()
	require.NoError(t, res.Audio.Close())
	close(gate)
	waitSettled(t, res)

	rec := h.record(t, res.Generation.ID)
	assert.Equal(t, generationdomain.StatusCompleted, rec.Status)
	assert.Equal(t, audio, h.stored(t, res.Generation.StorageKey))
}

func TestMidStreamFailureMarksFailedWithoutRefund(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 8, 1000)
	audio := audioBytes(t, 32*1024)
	h.gateway.stream = func() (io.ReadCloser, error) {
		return &gatedReader{data: audio, half: len(audio), failErr: errors.New("connection reset")}, nil
	}

	res, err := h.svc.Generate(context.Background(), sub.UserID, ttsRequest("hello"))
	require.NoError(t, err)
	client, err := io.ReadAll(res.Audio)
	require.Error(t, err)
	assert.Equal(t, audio, client)
	require.NoError(t, res.Audio.Close())
	waitSettled(t, res)

	rec := h.record(t, res.Generation.ID)
	assert.Equal(t, generationdomain.StatusFailed, rec.Status)
	assert.Equal(t, int64(5), h.used(t, sub.ID))

	exists, err := h.store.Exists(context.Background(), res.Generation.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTranslateRequestCarriesLanguages(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 9, 1000)
	h.gateway.stream = streamOf([]byte("bonjour"))

	res, err := h.svc.Generate(context.Background(), sub.UserID, generationdomain.Request{
		Text:           "hello",
		VoiceID:        "default_female_01",
		Type:           generationdomain.TypeTranslateTTS,
		SourceLanguage: "eng_Latn",
		TargetLanguage: "fra_Latn",
	})
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, res.Audio)
	_ = res.Audio.Close()
	waitSettled(t, res)

	req, ok := h.gateway.last.(synthesis.TranslateRequest)
	require.True(t, ok)
	assert.Equal(t, "fra_Latn", req.TargetLanguage)

	rec := h.record(t, res.Generation.ID)
	assert.Nil(t, rec.Language)
	require.NotNil(t, rec.TargetLanguage)
	assert.Equal(t, "fra_Latn", *rec.TargetLanguage)
}

func TestGenerateFullReturnsSettledRecord(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 10, 1000)
	audio := audioBytes(t, 8*1024)
	h.gateway.stream = streamOf(audio)

	res, err := h.svc.GenerateFull(context.Background(), sub.UserID, ttsRequest("hello there"))
	require.NoError(t, err)
	assert.Equal(t, audio, res.Audio)
	assert.Equal(t, generationdomain.StatusCompleted, res.Generation.Status)
	assert.Equal(t, int64(989), res.CreditsRemaining)
}

func TestGetIsOwnerOnly(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 11, 1000)
	h.gateway.stream = streamOf([]byte("audio"))

	res, err := h.svc.GenerateFull(context.Background(), sub.UserID, ttsRequest("hello"))
	require.NoError(t, err)

	got, err := h.svc.Get(context.Background(), sub.UserID, res.Generation.ID.String())
	require.NoError(t, err)
	assert.Equal(t, res.Generation.ID, got.ID)

	_, err = h.svc.Get(context.Background(), 999, res.Generation.ID.String())
	assert.ErrorIs(t, err, generationdomain.ErrGenerationNotFound)
	_, err = h.svc.Get(context.Background(), sub.UserID, "abc")
	assert.ErrorIs(t, err, generationdomain.ErrInvalidGeneration)
}

func TestShutdownWaitsForPersistence(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.subscribe(t, 12, 1000)
	audio := audioBytes(t, 16*1024)
	gate := make(chan struct{})
	h.gateway.stream = func() (io.ReadCloser, error) {
		return &gatedReader{data: audio, half: len(audio) / 2, gate: gate}, nil
	}

	res, err := h.svc.Generate(context.Background(), sub.UserID, ttsRequest("hello"))
	require.NoError(t, err)
	require.NoError(t, res.Audio.Close())

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.svc.Shutdown(short), context.DeadlineExceeded)

	_, err = h.svc.Generate(context.Background(), sub.UserID, ttsRequest("late"))
	assert.ErrorIs(t, err, generationdomain.ErrShuttingDown)

	close(gate)
	require.NoError(t, h.svc.Shutdown(context.Background()))
	assert.Equal(t, generationdomain.StatusCompleted, h.record(t, res.Generation.ID).Status)
}

func TestFailStaleRecords(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, repository.Provide().Insert(ctx, h.db, &generationdomain.Generation{
		ID: 77, UserID: 1, SubscriptionID: 1, Text: "x", TextLength: 1,
		AudioURL: generationdomain.AudioURLFor(77), StorageKey: generationdomain.StorageKeyFor(77),
		Duration: 1, Status: generationdomain.StatusProcessing, Type: generationdomain.TypeTTS,
		VoiceID: "v", CreatedAt: old, UpdatedAt: old,
	}))

	n, err := h.svc.FailStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, generationdomain.StatusFailed, h.record(t, 77).Status)

	n, err = h.svc.FailStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
