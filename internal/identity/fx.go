package identity

import (
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	"github.com/smallbiznis/voxa/internal/identity/repository"
	"github.com/smallbiznis/voxa/internal/identity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identity.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s identitydomain.Service) identitydomain.Verifier { return s }),
)
