package synthesis

import (
	"context"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/smallbiznis/voxa/internal/config"
	voiceclonedomain "github.com/smallbiznis/voxa/internal/voiceclone/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SpeakerSource string

const (
	SpeakerSourceClone    SpeakerSource = "clone"
	SpeakerSourceDefault  SpeakerSource = "default"
	SpeakerSourceFallback SpeakerSource = "fallback"
)

// Speaker is the engine-side voice chosen for a caller's voice handle.
type Speaker struct {
	ID     string
	Source SpeakerSource
}

type SpeakerResolverParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	Catalogue *config.CatalogueHolder
	Repo      voiceclonedomain.Repository
}

// SpeakerResolver maps voice handles to engine speakers. An unknown handle
// falls back to the default speaker instead of failing the request.
type SpeakerResolver struct {
	db        *gorm.DB
	log       *zap.Logger
	catalogue *config.CatalogueHolder
	repo      voiceclonedomain.Repository
	clones    *cache.Cache
}

func NewSpeakerResolver(p SpeakerResolverParams) *SpeakerResolver {
	ttl := p.Config.Synthesis.SpeakerCacheTTL
	var clones *cache.Cache
	if ttl > 0 {
		clones = cache.New(ttl, 2*ttl)
	}
	return &SpeakerResolver{
		db:        p.DB,
		log:       p.Log.Named("synthesis.speaker"),
		catalogue: p.Catalogue,
		repo:      p.Repo,
		clones:    clones,
	}
}

func (r *SpeakerResolver) Resolve(ctx context.Context, voiceID string) Speaker {
	voiceID = strings.TrimSpace(voiceID)
	catalogue := r.catalogue.Get()

	if voiceID != "" && r.hasActiveClone(ctx, voiceID) {
		return Speaker{ID: voiceID, Source: SpeakerSourceClone}
	}
	if catalogue.IsDefaultSpeaker(voiceID) {
		return Speaker{ID: voiceID, Source: SpeakerSourceDefault}
	}
	return Speaker{ID: catalogue.FallbackSpeaker, Source: SpeakerSourceFallback}
}

func (r *SpeakerResolver) hasActiveClone(ctx context.Context, voiceID string) bool {
	if r.clones != nil {
		if found, ok := r.clones.Get(voiceID); ok {
			return found.(bool)
		}
	}

	clone, err := r.repo.FindActiveByVoiceID(ctx, r.db, voiceID)
	if err != nil {
		r.log.Warn("voice clone lookup failed", zap.String("voice_id", voiceID), zap.Error(err))
		return false
	}
	found := clone != nil
	if r.clones != nil {
		r.clones.SetDefault(voiceID, found)
	}
	return found
}
