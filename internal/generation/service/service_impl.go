package service

import (
	"context"
	"io"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/internal/clock"
	"github.com/smallbiznis/voxa/internal/config"
	"github.com/smallbiznis/voxa/internal/credit"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	obscontext "github.com/smallbiznis/voxa/internal/observability/context"
	"github.com/smallbiznis/voxa/internal/observability/logger"
	"github.com/smallbiznis/voxa/internal/observability/metrics"
	"github.com/smallbiznis/voxa/internal/storage"
	"github.com/smallbiznis/voxa/internal/synthesis"
	"github.com/smallbiznis/voxa/internal/tee"
	"github.com/smallbiznis/voxa/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const staleReason = "generation did not finish before the recovery deadline"

// SpeakerResolver picks the engine speaker for a voice handle.
type SpeakerResolver interface {
	Resolve(ctx context.Context, voiceID string) synthesis.Speaker
}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Catalogue *config.CatalogueHolder
	Repo      generationdomain.Repository
	Guard     *credit.Guard
	Gateway   synthesis.Gateway
	Speakers  SpeakerResolver
	Store     storage.Store
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.GenerationConfig
	staleAge  time.Duration
	catalogue *config.CatalogueHolder
	repo      generationdomain.Repository
	guard     *credit.Guard
	gateway   synthesis.Gateway
	speakers  SpeakerResolver
	store     storage.Store
	metrics   *metrics.Metrics

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func NewService(p ServiceParam) generationdomain.Service {
	cfg := p.Config.Generation
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = generationdomain.DefaultMaxTextLength
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Minute
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("generation.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       cfg,
		staleAge:  p.Config.Sweeper.StaleAfter,
		catalogue: p.Catalogue,
		repo:      p.Repo,
		guard:     p.Guard,
		gateway:   p.Gateway,
		speakers:  p.Speakers,
		store:     p.Store,
		metrics:   p.Metrics,
	}
}

// RegisterShutdown drains in-flight persistence when the app stops.
func RegisterShutdown(lc fx.Lifecycle, svc generationdomain.Service, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if timeout := cfg.Generation.DrainTimeout; timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return svc.Shutdown(ctx)
		},
	})
}

// Generate runs the pipeline up to the point where audio is flowing. The
// caller reads StreamResult.Audio while a background task persists the same
// bytes and settles the record.
func (s *Service) Generate(ctx context.Context, userID snowflake.ID, req generationdomain.Request) (*generationdomain.StreamResult, error) {
	if !s.track() {
		return nil, generationdomain.ErrShuttingDown
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.inflight.Done()
		}
	}()

	log := logger.WithContext(ctx, s.log)
	s.stage(log, generationdomain.StageValidating)

	req = req.Normalize(s.catalogue.Get().DefaultLanguage)
	if err := req.Validate(s.cfg.MaxTextLength); err != nil {
		return nil, err
	}
	amount := req.Length()

	auth, err := s.guard.Authorize(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	s.stage(log, generationdomain.StageAuthorized)

	reservation, err := s.guard.Reserve(ctx, auth)
	if err != nil {
		return nil, err
	}
	s.stage(log, generationdomain.StageReserved)

	// From here on the request must not be abandoned halfway: ledger and
	// record updates use a context that outlives the caller.
	bg := context.WithoutCancel(ctx)
	speaker := s.speakers.Resolve(ctx, req.VoiceID)
	record := s.newRecord(userID, auth, req, speaker)
	log = log.With(zap.String("generation_id", record.ID.String()))

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		if releaseErr := reservation.Release(bg); releaseErr != nil {
			log.Error("failed to release credits", zap.Error(releaseErr))
		}
		return nil, err
	}
	s.metrics.RecordGenerationStarted(bg, string(req.Type))
	log.Info("generation accepted",
		zap.String("type", string(req.Type)),
		zap.Int64("text_length", amount),
		zap.String("speaker_source", string(speaker.Source)),
	)

	stream, err := s.open(bg, req, speaker)
	if err != nil {
		if releaseErr := reservation.Release(bg); releaseErr != nil {
			log.Error("failed to release credits", zap.Error(releaseErr))
		}
		s.settle(bg, log, record, generationdomain.Termination{
			Status: generationdomain.StatusFailed,
			Error:  err.Error(),
			At:     s.clock.Now(),
		})
		return nil, err
	}
	// Streaming has begun; the deduction is final from here.
	reservation.Commit()
	s.stage(log, generationdomain.StageStreaming)

	splitter := tee.Split(stream)
	settled := make(chan struct{})
	handedOff = true
	go func() {
		defer s.inflight.Done()
		defer close(settled)
		s.persist(bg, log, record, splitter)
	}()

	return &generationdomain.StreamResult{
		Generation:       record,
		Audio:            splitter.Client(),
		CreditsRemaining: auth.Remaining(),
		TextLength:       amount,
		Settled:          settled,
	}, nil
}

// GenerateFull runs the pipeline and buffers the audio. It returns once the
// record is settled.
func (s *Service) GenerateFull(ctx context.Context, userID snowflake.ID, req generationdomain.Request) (*generationdomain.FullResult, error) {
	result, err := s.Generate(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	var audio []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer result.Audio.Close()
		data, err := io.ReadAll(result.Audio)
		if err != nil {
			return err
		}
		audio = data
		return nil
	})
	g.Go(func() error {
		select {
		case <-result.Settled:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	record, err := s.repo.FindByID(ctx, s.db, result.Generation.ID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, generationdomain.ErrGenerationNotFound
	}
	return &generationdomain.FullResult{
		Generation:       record,
		Audio:            audio,
		CreditsRemaining: result.CreditsRemaining,
	}, nil
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID, id string) (*generationdomain.Generation, error) {
	generationID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || generationID <= 0 {
		return nil, generationdomain.ErrInvalidGeneration
	}
	record, err := s.repo.FindByID(ctx, s.db, snowflake.ID(generationID))
	if err != nil {
		return nil, err
	}
	if record == nil || record.UserID != userID {
		return nil, generationdomain.ErrGenerationNotFound
	}
	return record, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID, page pagination.Pagination) (generationdomain.ListResponse, error) {
	page = page.Normalize()
	items, total, err := s.repo.ListByUser(ctx, s.db, userID, page.Limit, page.Offset)
	if err != nil {
		return generationdomain.ListResponse{}, err
	}
	if items == nil {
		items = []generationdomain.Generation{}
	}
	return generationdomain.ListResponse{
		PageInfo:    pagination.BuildPageInfo(page, len(items), total),
		Generations: items,
	}, nil
}

// FailStale fails records stuck in processing, typically left behind by a
// crash between acceptance and settlement.
func (s *Service) FailStale(ctx context.Context, limit int) (int64, error) {
	age := s.staleAge
	if age <= 0 {
		age = 15 * time.Minute
	}
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	now := s.clock.Now()
	return s.repo.FailStale(ctx, s.db, now.Add(-age), staleReason, now, limit)
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("shutdown before generations settled", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) newRecord(userID snowflake.ID, auth credit.Authorization, req generationdomain.Request, speaker synthesis.Speaker) *generationdomain.Generation {
	now := s.clock.Now()
	id := s.genID.Generate()
	record := &generationdomain.Generation{
		ID:             id,
		UserID:         userID,
		SubscriptionID: auth.SubscriptionID,
		Text:           generationdomain.TruncateText(req.Text),
		TextLength:     auth.Amount,
		AudioURL:       generationdomain.AudioURLFor(id),
		StorageKey:     generationdomain.StorageKeyFor(id),
		Duration:       generationdomain.EstimateDuration(auth.Amount),
		Status:         generationdomain.StatusProcessing,
		Type:           req.Type,
		VoiceID:        req.VoiceID,
		SpeakerID:      speaker.ID,
		Metadata: datatypes.JSONMap{
			generationdomain.MetaSpeakerSource:    string(speaker.Source),
			generationdomain.MetaSpeakerID:        speaker.ID,
			generationdomain.MetaRequestedVoice:   req.VoiceID,
			generationdomain.MetaUpstreamEndpoint: endpointFor(req.Type),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch req.Type {
	case generationdomain.TypeTranslateTTS:
		record.SourceLanguage = &req.SourceLanguage
		record.TargetLanguage = &req.TargetLanguage
	default:
		record.Language = &req.Language
	}
	return record
}

func endpointFor(t generationdomain.Type) string {
	if t == generationdomain.TypeTranslateTTS {
		return synthesis.EndpointTranslateTTS
	}
	return synthesis.EndpointTTS
}

func (s *Service) open(ctx context.Context, req generationdomain.Request, speaker synthesis.Speaker) (io.ReadCloser, error) {
	if req.Type == generationdomain.TypeTranslateTTS {
		return s.gateway.TranslateAndSynthesize(ctx, synthesis.TranslateRequest{
			Text:           req.Text,
			SpeakerID:      speaker.ID,
			SourceLanguage: req.SourceLanguage,
			TargetLanguage: req.TargetLanguage,
		})
	}
	return s.gateway.Synthesize(ctx, synthesis.SynthesizeRequest{
		Text:      req.Text,
		SpeakerID: speaker.ID,
		Language:  req.Language,
	})
}

// persist drains the persist branch into storage and settles the record.
func (s *Service) persist(ctx context.Context, log *zap.Logger, record *generationdomain.Generation, splitter *tee.Splitter) {
	ctx = obscontext.WithGenerationID(ctx, record.ID.String())
	s.stage(log, generationdomain.StagePersisting)

	putCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	written, putErr := s.store.Put(putCtx, record.StorageKey, splitter.Persist())
	cancel()
	if putErr != nil {
		_ = splitter.Persist().Close()
	}

	// The source outcome decides between failed and the two completed states.
	<-splitter.Done()
	term := generationdomain.Termination{At: s.clock.Now(), BytesWritten: written}
	switch srcErr := splitter.Err(); {
	case srcErr != nil:
		term.Status = generationdomain.StatusFailed
		term.Error = srcErr.Error()
		if upstream, ok := synthesis.AsUpstreamError(srcErr); ok && upstream.Timeout {
			term.Error = "synthesis timed out mid-stream"
		}
	case putErr != nil:
		term.Status = generationdomain.StatusCompletedUnsaved
		term.Error = "storage: " + putErr.Error()
		log.Error("audio was delivered but not saved", zap.Error(putErr))
	default:
		term.Status = generationdomain.StatusCompleted
	}
	s.metrics.RecordAudioBytes(ctx, "persist", written)
	s.settle(ctx, log, record, term)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := splitter.Wait(waitCtx); err != nil && waitCtx.Err() != nil {
		log.Warn("client branch still open after settlement")
		return
	}
	delivered := splitter.Client().BytesRead()
	s.metrics.RecordAudioBytes(ctx, "client", delivered)
	s.stage(log, generationdomain.StageDelivered, zap.Int64("client_bytes", delivered))

	// The caller may still hold record, so the stored document is a copy.
	meta := maps.Clone(record.Metadata)
	if meta == nil {
		meta = datatypes.JSONMap{}
	}
	meta[generationdomain.MetaClientBytes] = delivered
	if err := s.repo.UpdateMetadata(ctx, s.db, record.ID, meta, s.clock.Now()); err != nil {
		log.Error("failed to record delivered bytes", zap.Error(err))
	}
}

func (s *Service) settle(ctx context.Context, log *zap.Logger, record *generationdomain.Generation, term generationdomain.Termination) {
	changed, err := s.repo.MarkTerminal(ctx, s.db, record.ID, term)
	if err != nil {
		log.Error("failed to settle generation", zap.String("status", string(term.Status)), zap.Error(err))
		return
	}
	if !changed {
		log.Warn("generation already settled", zap.String("status", string(term.Status)))
		return
	}

	s.metrics.RecordGenerationFinished(ctx, string(record.Type), string(term.Status))
	stage := generationdomain.StageCompleted
	if term.Status == generationdomain.StatusFailed {
		stage = generationdomain.StageFailed
	}
	s.stage(log, stage,
		zap.String("status", string(term.Status)),
		zap.Int64("bytes_written", term.BytesWritten),
	)
}

func (s *Service) stage(log *zap.Logger, stage generationdomain.Stage, fields ...zap.Field) {
	log.Debug("generation stage", append([]zap.Field{zap.String("stage", string(stage))}, fields...)...)
}
