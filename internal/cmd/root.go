// Package cmd wires the CLI: the root command, configuration loading, and
// the serve command that assembles every subsystem.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tilehub",
	Short: "Tile cache and OGC endpoint server",
	Long: `TileHub manages per-project tile caches for a GIS rendering backend.

It drives an external renderer as child processes to fill caches, serves
tiles from disk or on demand, exposes WMTS/WMS capability documents derived
from the cache index, and runs scheduled recaches.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("cache-dir", "./cache", "Root directory for per-project tile caches")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory for runtime state (job pid files)")
	rootCmd.PersistentFlags().String("projects-dir", "./qgisprojects", "Directory holding project source files")
	rootCmd.PersistentFlags().String("logs-dir", "./logs", "Directory for per-project log files")
	rootCmd.PersistentFlags().String("grids-dir", "./config/tile-grids", "Directory with tile-matrix set presets")
	rootCmd.PersistentFlags().String("service-metadata", "./config/service-metadata.json", "OGC service metadata file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")

	for _, name := range []string{"cache-dir", "data-dir", "projects-dir", "logs-dir", "grids-dir", "service-metadata", "verbose"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
}

// legacyEnv maps viper keys to the bare environment variable names the
// deployment environment already uses, in addition to the TILEHUB_ prefix.
var legacyEnv = map[string]string{
	"job_max":                        "JOB_MAX",
	"job_ttl_ms":                     "JOB_TTL_MS",
	"abort_grace_ms":                 "ABORT_GRACE_MS",
	"progress_config_interval_ms":    "PROGRESS_CONFIG_INTERVAL_MS",
	"index_flush_interval_ms":        "INDEX_FLUSH_INTERVAL_MS",
	"schedule_min_lead_ms":           "SCHEDULE_MIN_LEAD_MS",
	"schedule_due_tolerance_ms":      "SCHEDULE_DUE_TOLERANCE_MS",
	"schedule_heartbeat_interval_ms": "SCHEDULE_HEARTBEAT_INTERVAL_MS",
	"schedule_overdue_grace_ms":      "SCHEDULE_OVERDUE_GRACE_MS",
	"project_batch_ttl_ms":           "PROJECT_BATCH_TTL_MS",
	"wmts_tile_cache_max_age_s":      "WMTS_TILE_CACHE_MAX_AGE_S",
	"wmts_default_publish_zoom_min":  "WMTS_DEFAULT_PUBLISH_ZOOM_MIN",
	"wmts_default_publish_zoom_max":  "WMTS_DEFAULT_PUBLISH_ZOOM_MAX",
	"min_tile_bytes":                 "MIN_TILE_BYTES",
	"on_demand_record_throttle_ms":   "ON_DEMAND_RECORD_THROTTLE_MS",
	"py_worker_pool_size":            "PY_WORKER_POOL_SIZE",
	"worker_count":                   "WORKER_COUNT",
	"render_timeout_ms":              "RENDER_TIMEOUT_MS",
	"render_tile_retries":            "RENDER_TILE_RETRIES",
	"disable_project_bootstrap":      "DISABLE_PROJECT_BOOTSTRAP",
	"project_bootstrap_scheme":       "PROJECT_BOOTSTRAP_SCHEME",
	"project_bootstrap_tile_crs":     "PROJECT_BOOTSTRAP_TILE_CRS",
	"project_bootstrap_zoom_min":     "PROJECT_BOOTSTRAP_ZOOM_MIN",
	"project_bootstrap_zoom_max":     "PROJECT_BOOTSTRAP_ZOOM_MAX",
	"port":                           "PORT",
	"python_bin":                     "PYTHON_BIN",
	"renderer_script":                "RENDERER_SCRIPT",
	"tile_worker_script":             "TILE_WORKER_SCRIPT",
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("TILEHUB")
	viper.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := viper.BindEnv(key, "TILEHUB_"+env, env); err != nil {
			panic(fmt.Sprintf("failed to bind env: %v", err))
		}
	}

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
