package document

import (
	"github.com/docuvine/docuvine/internal/document/service"
	"go.uber.org/fx"
)

var Module = fx.Module("document.service",
	fx.Provide(
		service.NewService,
	),
)
