package steps

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/workflow"
)

// Builtins returns one executor per built-in step type.
func Builtins(client *http.Client, logger zerolog.Logger) []workflow.Executor {
	return []workflow.Executor{
		NewCompose(logger),
		NewShell(logger),
		NewWait(),
		NewHealth(client, logger),
	}
}

// NewRegistry returns a registry holding the built-in executors.
func NewRegistry(client *http.Client, logger zerolog.Logger) (*workflow.Registry, error) {
	return workflow.NewRegistry(Builtins(client, logger)...)
}
