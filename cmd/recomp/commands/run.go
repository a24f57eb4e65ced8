package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/willothy/recomp/internal/api"
	"github.com/willothy/recomp/internal/compositor"
	"github.com/willothy/recomp/internal/config"
	"github.com/willothy/recomp/internal/gpu"
	"github.com/willothy/recomp/internal/logger"
	"github.com/willothy/recomp/internal/output"
	"github.com/willothy/recomp/internal/x11"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start compositing the X session",
	Long: `Start compositing the current X session.

recomp takes over as the compositing manager: it acquires the
_NET_WM_CM_Sn selection, redirects all top-level windows offscreen and
presents composed frames onto the composite overlay window, one frame
pipeline per RandR output. It refuses to start while another
compositing manager owns the selection.`,
	Example: `  # Composite every connected output
  recomp run

  # Composite one output with the stats HUD
  recomp run --outputs eDP-1 --hud

  # Serve the debug API and MJPEG stream
  recomp run --http --stream

  # Debug logging on the console
  recomp run --log-level debug --pretty`,
	RunE: runRun,
}

var (
	runOutputs []string
	runHUD     bool
	runHTTP    bool
	runStream  bool
	runQuality int
	runPort    int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVar(&runOutputs, "outputs", nil, "RandR outputs to composite (default: all connected)")
	runCmd.Flags().BoolVar(&runHUD, "hud", false, "draw the frame stats HUD on each output")
	runCmd.Flags().BoolVar(&runHTTP, "http", false, "serve the debug HTTP API")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "serve the MJPEG stream (implies --http)")
	runCmd.Flags().IntVar(&runQuality, "stream-quality", 80, "MJPEG quality, 1 to 100")
	runCmd.Flags().IntVar(&runPort, "port", 0, "debug HTTP port (default from config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Flag overrides apply to this run only; the file is not rewritten.
	cfg := configMgr.Get()
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}
	if cmd.Flags().Changed("hud") {
		cfg.HUD = runHUD
	}
	if len(runOutputs) > 0 {
		cfg.Outputs = runOutputs
	}
	if runPort > 0 {
		cfg.HTTP.Port = runPort
	}
	if runHTTP || runStream {
		cfg.HTTP.Enabled = true
	}

	logger.Init(cfg.LogLevel, viper.GetBool("pretty"))
	log := logger.WithComponent("main")

	conn, err := x11.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	if err := conn.AcquireSelection(); err != nil {
		return fmt.Errorf("failed to acquire compositor selection: %w", err)
	}
	if err := conn.RedirectSubwindows(); err != nil {
		return fmt.Errorf("failed to redirect windows: %w", err)
	}
	overlay, err := conn.AcquireOverlay()
	if err != nil {
		return fmt.Errorf("failed to acquire overlay window: %w", err)
	}

	outs, err := conn.Outputs()
	if err != nil {
		return fmt.Errorf("failed to enumerate outputs: %w", err)
	}
	outs = filterOutputs(outs, cfg.Outputs)
	if len(outs) == 0 {
		return fmt.Errorf("no outputs matched %v", cfg.Outputs)
	}

	dev := gpu.NewSoftwareDevice()
	defer dev.Close()

	pres, err := x11.NewPresenter(conn, overlay)
	if err != nil {
		return fmt.Errorf("failed to set up presentation: %w", err)
	}
	defer pres.Close()

	var stream *output.MJPEG
	var sinks []output.Sink
	if runStream {
		stream = output.NewMJPEG(outs[0].Name, runQuality)
		sinks = append(sinks, stream)
	}

	session, err := compositor.NewSession(compositor.Options{
		Config:    cfg,
		ConfigMgr: configMgr,
		Conn:      conn,
		Device:    dev,
		Outputs:   outs,
		Presenter: pres,
		Sinks:     sinks,
	})
	if err != nil {
		return fmt.Errorf("failed to create compositor: %w", err)
	}
	defer session.Close()

	var server *api.Server
	if cfg.HTTP.Enabled {
		server = api.NewServer(session, configMgr, stream)
		go func() {
			if err := server.Start(cfg.HTTP.Port); err != nil {
				log.Error().Err(err).Msg("Debug API failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := session.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Debug API shutdown failed")
		}
		cancel()
	}

	if runErr != nil {
		return fmt.Errorf("compositor stopped: %w", runErr)
	}
	log.Info().Msg("Compositor stopped")
	return nil
}

func filterOutputs(outs []x11.Output, names []string) []x11.Output {
	if len(names) == 0 {
		return outs
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	kept := make([]x11.Output, 0, len(outs))
	for _, o := range outs {
		if want[o.Name] {
			kept = append(kept, o)
		}
	}
	return kept
}
