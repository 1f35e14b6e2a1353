package synthesis

import "go.uber.org/fx"

var Module = fx.Module("synthesis",
	fx.Provide(
		NewClient,
		func(c *Client) Gateway { return c },
		NewSpeakerResolver,
	),
)
