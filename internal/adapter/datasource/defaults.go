package datasource

import (
	"github.com/fundamental/fundamental/internal/adapter/repo/postgres"
	"github.com/fundamental/fundamental/internal/config"
	"github.com/fundamental/fundamental/internal/domain"
)

// RegisterDefaults wires the standard providers. Open Library is always
// available; the local dump needs a pool; Hardcover only registers when a
// token is configured.
func RegisterDefaults(r *Registry, cfg config.Config, pool postgres.PgxPool) {
	r.Register(OpenLibraryName, func(kwargs map[string]any) (domain.DataSource, error) {
		if kwargs == nil {
			kwargs = map[string]any{}
		}
		if _, ok := kwargs["min_interval_ms"]; !ok {
			kwargs["min_interval_ms"] = float64(cfg.DataSourceMinInterval.Milliseconds())
		}
		if _, ok := kwargs["timeout_ms"]; !ok {
			kwargs["timeout_ms"] = float64(cfg.DataSourceTimeout.Milliseconds())
		}
		return NewOpenLibrary(kwargs)
	})
	if pool != nil {
		r.Register(DumpName, func(map[string]any) (domain.DataSource, error) {
			return NewDump(pool), nil
		})
	}
	if cfg.HardcoverAPIToken != "" {
		r.Register(HardcoverName, func(kwargs map[string]any) (domain.DataSource, error) {
			if kwargs == nil {
				kwargs = map[string]any{}
			}
			if _, ok := kwargs["token"]; !ok {
				kwargs["token"] = cfg.HardcoverAPIToken
			}
			return NewHardcover(kwargs)
		})
	}
}
