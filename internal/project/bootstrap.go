package project

import (
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/MeKo-Tech/tilehub/internal/projcfg"
)

// BootstrapConfig seeds metadata for projects that have no cache yet.
type BootstrapConfig struct {
	Disabled bool
	Scheme   string // default xyz
	TileCRS  string // default EPSG:3857
	ZoomMin  int
	ZoomMax  int
}

// DefaultBootstrapConfig returns the documented defaults.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{Scheme: "xyz", TileCRS: "EPSG:3857", ZoomMin: 0, ZoomMax: 5}
}

// Bootstrap runs the first-run metadata scan: every known project gets an
// index file and a persisted config with the bootstrap cache preferences.
// Existing files are left alone.
func (r *Registry) Bootstrap(cfg BootstrapConfig) error {
	if cfg.Disabled {
		r.logger.Info("project bootstrap disabled")
		return nil
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "xyz"
	}
	if cfg.TileCRS == "" {
		cfg.TileCRS = "EPSG:3857"
	}

	infos, err := r.List()
	if err != nil {
		return err
	}

	var errs error
	for _, info := range infos {
		if _, statErr := os.Stat(r.layout.IndexPath(info.ID)); os.IsNotExist(statErr) {
			if err := r.index.Bootstrap(info.ID); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
		}
		if _, statErr := os.Stat(r.layout.ConfigPath(info.ID)); os.IsNotExist(statErr) {
			_, err := r.configs.Mutate(info.ID, func(c *projcfg.ProjectConfig) {
				c.CachePreferences.Mode = cfg.Scheme
				c.CachePreferences.TileCRS = cfg.TileCRS
				zMin, zMax := cfg.ZoomMin, cfg.ZoomMax
				c.Zoom.Min, c.Zoom.Max = &zMin, &zMax
			})
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			r.logger.Info("project bootstrapped", "project", info.ID)
		}
	}
	return errs
}
