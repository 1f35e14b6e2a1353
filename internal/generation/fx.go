package generation

import (
	"github.com/smallbiznis/voxa/internal/generation/repository"
	"github.com/smallbiznis/voxa/internal/generation/service"
	"github.com/smallbiznis/voxa/internal/synthesis"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(r *synthesis.SpeakerResolver) service.SpeakerResolver { return r }),
	fx.Provide(service.NewService),
	fx.Invoke(service.RegisterShutdown),
)
