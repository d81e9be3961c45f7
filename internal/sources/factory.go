package sources

import (
	"fmt"
	"log/slog"

	"github.com/fossable/fossdb/internal/config"
	"github.com/fossable/fossdb/internal/httpclient"
	"github.com/fossable/fossdb/internal/ratelimit"
)

// Default limiter settings per registry, in requests per second. crates.io
// asks crawlers to stay around 1 req/s; npm tolerates more; libraries.io
// enforces 60 req/min for authenticated requests, so the limiter starts at
// half that and never exceeds it.
var defaultRateLimits = map[string]ratelimit.Config{
	config.RegistryTypeCrates:      {Initial: 1, Min: 0.2, Max: 2, Burst: 1},
	config.RegistryTypeNPM:         {Initial: 5, Min: 1, Max: 10, Burst: 1},
	config.RegistryTypeLibrariesIO: {Initial: 0.5, Min: 0.1, Max: 1, Burst: 1},
}

// New creates the source described by cfg, wiring up its adaptive limiter
// and HTTP client. lastUpdated may be nil, in which case adapters fetch full
// details for every listed package.
func New(cfg config.RegistryConfig, lastUpdated LastUpdatedFunc, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// nixpkgs runs the local nix CLI, so it gets neither an HTTP client nor
	// a limiter.
	if cfg.Type == config.RegistryTypeNixpkgs {
		return NewNixpkgs(nil, lastUpdated, logger.With("registry", cfg.Name)), nil
	}

	limiterCfg, ok := defaultRateLimits[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported registry type: %s", cfg.Type)
	}
	if rl := cfg.RateLimit; rl != nil {
		if rl.Initial > 0 {
			limiterCfg.Initial = rl.Initial
		}
		if rl.Min > 0 {
			limiterCfg.Min = rl.Min
		}
		if rl.Max > 0 {
			limiterCfg.Max = rl.Max
		}
		if rl.Burst > 0 {
			limiterCfg.Burst = rl.Burst
		}
	}

	limiter, err := ratelimit.New(limiterCfg, logger.With("registry", cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("creating rate limiter for %s: %w", cfg.Name, err)
	}
	client := httpclient.New(limiter, 0)

	switch cfg.Type {
	case config.RegistryTypeCrates:
		return NewCrates(client, cfg.BaseURL, lastUpdated, logger), nil
	case config.RegistryTypeNPM:
		return NewNPM(client, cfg.BaseURL, lastUpdated, logger), nil
	case config.RegistryTypeLibrariesIO:
		apiKey, err := cfg.GetAPIKey()
		if err != nil {
			return nil, err
		}
		return NewLibrariesIO(client, cfg.BaseURL, apiKey, logger), nil
	default:
		return nil, fmt.Errorf("unsupported registry type: %s", cfg.Type)
	}
}
