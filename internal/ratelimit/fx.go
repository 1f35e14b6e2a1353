package ratelimit

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewGenerationLimiter),
	fx.Invoke(func(lc fx.Lifecycle, l *GenerationLimiter) {
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return l.Close() }})
	}),
)
