// Command api runs the roadside dispatch service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"roadside/internal/api"
	"roadside/internal/buildinfo"
	"roadside/internal/config"
	"roadside/internal/logger"
	"roadside/internal/telemetry"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "roadside",
	Short:         "Roadside assistance request lifecycle and dispatch service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	RunE:  serve,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables or indexes for the configured store and exit",
	RunE:  migrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg.Logging.Level)
	log := logger.New("main")
	log.Infof("starting %s", buildinfo.String())

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, logger.New("telemetry"))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warnf("telemetry shutdown: %v", err)
		}
	}()

	srv, err := api.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	return srv.Run(ctx, cfg.Server.Addr, cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout)
}

func migrate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg.Logging.Level)
	c := cfg.Store
	c.Migrate = true
	st, err := api.OpenStore(ctx, c)
	if err != nil {
		return fmt.Errorf("migrate %s store: %w", c.Driver, err)
	}
	logger.New("main").Infof("%s store is up to date", c.Driver)
	return st.Close()
}
