package credit

import "go.uber.org/fx"

var Module = fx.Module("credit.guard",
	fx.Provide(NewGuard),
)
