package deployment

import (
	"github.com/docuvine/docuvine/internal/deployment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("deployment.service",
	fx.Provide(
		service.NewService,
		NewCompletionHook,
	),
)
