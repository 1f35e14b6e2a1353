package voiceclone

import (
	"github.com/smallbiznis/voxa/internal/voiceclone/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("voiceclone.repository",
	fx.Provide(repository.Provide),
)
