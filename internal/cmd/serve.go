package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilehub/internal/cluster"
	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/jobs"
	"github.com/MeKo-Tech/tilehub/internal/ogc"
	"github.com/MeKo-Tech/tilehub/internal/ondemand"
	"github.com/MeKo-Tech/tilehub/internal/projcfg"
	"github.com/MeKo-Tech/tilehub/internal/project"
	"github.com/MeKo-Tech/tilehub/internal/projlog"
	"github.com/MeKo-Tech/tilehub/internal/renderpool"
	"github.com/MeKo-Tech/tilehub/internal/schedule"
	"github.com/MeKo-Tech/tilehub/internal/server"
	"github.com/MeKo-Tech/tilehub/internal/storage"
	"github.com/MeKo-Tech/tilehub/internal/tilematrix"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tile cache server (one process)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 3000, "HTTP listen port")
	serveCmd.Flags().String("python-bin", "python3", "Interpreter for the renderer scripts")
	serveCmd.Flags().String("renderer-script", "scripts/generate_cache.py", "Cache-job renderer script")
	serveCmd.Flags().String("tile-worker-script", "scripts/render_tile.py", "Single-tile renderer worker script")

	for _, name := range []string{"port", "python-bin", "renderer-script", "tile-worker-script"} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
}

// msDur reads a millisecond-denominated config key as a duration, 0 when
// unset so subsystem defaults apply.
func msDur(key string) time.Duration {
	return time.Duration(viper.GetInt64(key)) * time.Millisecond
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServer(ctx)
}

// runServer assembles every subsystem and serves HTTP until ctx ends.
func runServer(ctx context.Context) error {
	cacheRoot := viper.GetString("cache-dir")
	dataDir := viper.GetString("data-dir")

	layout := storage.Layout{CacheRoot: cacheRoot}
	storage.PurgeLeftovers(cacheRoot, logger)

	idx := index.NewService(layout, logger)
	configs := projcfg.NewService(layout, logger)
	plog := projlog.New(viper.GetString("logs-dir"))

	presets, err := tilematrix.LoadPresets(viper.GetString("grids-dir"), logger)
	if err != nil {
		return fmt.Errorf("load tile-grid presets: %w", err)
	}

	pythonBin := viper.GetString("python_bin")
	if pythonBin == "" {
		pythonBin = viper.GetString("python-bin")
	}
	rendererScript := viper.GetString("renderer_script")
	if rendererScript == "" {
		rendererScript = viper.GetString("renderer-script")
	}
	tileWorkerScript := viper.GetString("tile_worker_script")
	if tileWorkerScript == "" {
		tileWorkerScript = viper.GetString("tile-worker-script")
	}

	pool := renderpool.New(renderpool.Config{
		Size:    viper.GetInt("py_worker_pool_size"),
		Command: []string{pythonBin, tileWorkerScript},
		Timeout: msDur("render_timeout_ms"),
		Logger:  logger,
	})
	pool.Start()
	defer pool.Close()

	od := ondemand.New(ondemand.Config{
		RecordThrottle: msDur("on_demand_record_throttle_ms"),
		MinTileBytes:   viper.GetInt64("min_tile_bytes"),
	}, pool, layout, idx, configs, presets, logger)

	jm := jobs.NewManager(jobs.Config{
		JobMax:                viper.GetInt("job_max"),
		JobTTL:                msDur("job_ttl_ms"),
		AbortGrace:            msDur("abort_grace_ms"),
		IndexFlushInterval:    msDur("index_flush_interval_ms"),
		ConfigFlushInterval:   msDur("progress_config_interval_ms"),
		PythonBin:             pythonBin,
		RendererScript:        rendererScript,
		PidDir:                filepath.Join(dataDir, "job-pids"),
		DefaultPublishZoomMin: viper.GetInt("wmts_default_publish_zoom_min"),
		DefaultPublishZoomMax: viper.GetInt("wmts_default_publish_zoom_max"),
		RenderTimeoutMs:       viper.GetInt("render_timeout_ms"),
		TileRetries:           viper.GetInt("render_tile_retries"),
	}, layout, idx, configs, plog, presets, logger)
	defer jm.Close()

	registry := project.NewRegistry(viper.GetString("projects-dir"), layout, idx, configs, jm, plog, logger)
	jm.ResolveProject = registry.Resolve

	if err := registry.Bootstrap(project.BootstrapConfig{
		Disabled: viper.GetBool("disable_project_bootstrap"),
		Scheme:   viper.GetString("project_bootstrap_scheme"),
		TileCRS:  viper.GetString("project_bootstrap_tile_crs"),
		ZoomMin:  viper.GetInt("project_bootstrap_zoom_min"),
		ZoomMax:  bootstrapZoomMax(),
	}); err != nil {
		logger.Warn("project bootstrap incomplete", "error", err)
	}

	if orphans := jm.ScanOrphans(); len(orphans) > 0 {
		logger.Warn("orphaned render jobs found at startup", "count", len(orphans))
	}

	runner := struct {
		*jobs.Manager
		*project.Registry
	}{jm, registry}
	engine := schedule.NewEngine(schedule.Config{
		MinLead:           msDur("schedule_min_lead_ms"),
		DueTolerance:      msDur("schedule_due_tolerance_ms"),
		HeartbeatInterval: msDur("schedule_heartbeat_interval_ms"),
		OverdueGrace:      msDur("schedule_overdue_grace_ms"),
		BatchTTL:          msDur("project_batch_ttl_ms"),
	}, configs, runner, plog, logger)
	engine.ListProjects = registry.IDs
	engine.Start()
	defer engine.Stop()

	meta := ogc.LoadServiceMetadata(viper.GetString("service-metadata"), logger)
	ogcSvc := ogc.NewService(ogc.Config{
		TileMaxAgeSeconds: viper.GetInt("wmts_tile_cache_max_age_s"),
		MinTileBytes:      viper.GetInt64("min_tile_bytes"),
	}, layout, idx, configs, presets, od, meta, logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := server.New(server.Config{Addr: addr}, layout, registry, configs, idx, jm, engine, od, ogcSvc, nil, logger)

	if cluster.IsWorker() {
		go cluster.RunMemoryWatchdog(ctx, logger)
		ln, err := cluster.Listen(ctx, addr)
		if err != nil {
			return fmt.Errorf("bind %s: %w", addr, err)
		}
		logger.Info("cluster worker serving", "worker", cluster.WorkerID(), "addr", addr)
		return srv.Serve(ctx, ln)
	}
	return srv.ListenAndServe(ctx)
}

// bootstrapZoomMax applies the documented default of 5 when the env leaves
// the value unset.
func bootstrapZoomMax() int {
	if viper.IsSet("project_bootstrap_zoom_max") {
		return viper.GetInt("project_bootstrap_zoom_max")
	}
	return 5
}
