package providers

import (
	"github.com/docuvine/docuvine/internal/providers/extraction"
	"github.com/docuvine/docuvine/internal/providers/training"
	"go.uber.org/fx"
)

// Module wires the external collaborator clients behind their interfaces.
var Module = fx.Module("providers",
	fx.Provide(
		training.NewOpenAIProvider,
		extraction.NewHTTPProvider,
	),
)
