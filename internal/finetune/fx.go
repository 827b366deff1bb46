package finetune

import (
	"github.com/docuvine/docuvine/internal/finetune/service"
	"go.uber.org/fx"
)

var Module = fx.Module("finetune.service",
	fx.Provide(
		service.NewService,
	),
)
