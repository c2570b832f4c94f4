// Package faceprovider selects and constructs recognition backends. The
// adapter contract lives in the types subpackage and is re-exported here
// for consumers.
package faceprovider

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/example/face-kyc/internal/config"
	"github.com/example/face-kyc/internal/faceprovider/azure"
	"github.com/example/face-kyc/internal/faceprovider/compreface"
	"github.com/example/face-kyc/internal/faceprovider/types"
)

// Re-exported adapter contract.
type (
	Provider      = types.Provider
	Detection     = types.Detection
	CompareResult = types.CompareResult
	ProviderError = types.ProviderError
)

// ErrNotConfigured is re-exported for callers routing to named backends.
var ErrNotConfigured = types.ErrNotConfigured

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool { return types.IsTransient(err) }

// Registry holds every configured backend so a request can be routed to a
// specific one. Backends are constructed once at startup and never mixed
// within a single request.
type Registry struct {
	primary   string
	providers map[string]Provider
}

// NewRegistry builds adapters for every backend with credentials in cfg.
// The configured primary provider is guaranteed to be present.
func NewRegistry(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	reg := &Registry{
		primary:   cfg.Provider,
		providers: make(map[string]Provider),
	}

	if cfg.HasAzure() {
		reg.providers[config.ProviderAzure] = azure.NewClient(azure.Config{
			Endpoint: cfg.AzureFaceEndpoint,
			Key:      cfg.AzureFaceKey,
		}, logger)
	}
	if cfg.HasCompreFace() {
		reg.providers[config.ProviderCompreFace] = compreface.NewClient(compreface.Config{
			Domain:       cfg.CompreFaceDomain,
			Port:         cfg.CompreFacePort,
			VerifyAPIKey: cfg.CompreFaceAPIKey,
			DetectAPIKey: cfg.CompreFaceDetectAPIKey,
		}, logger)
	}

	if _, ok := reg.providers[cfg.Provider]; !ok {
		return nil, fmt.Errorf("primary provider %q is not configured", cfg.Provider)
	}
	return reg, nil
}

// Primary returns the backend selected by configuration.
func (r *Registry) Primary() Provider {
	return r.providers[r.primary]
}

// Get returns the named backend, or an error if it was not configured.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, types.ErrNotConfigured)
	}
	return p, nil
}
