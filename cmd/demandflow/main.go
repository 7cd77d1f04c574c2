// Command demandflow runs the demand planning workflow engine behind an HTTP
// surface.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/retailops/demandflow"
	"github.com/retailops/demandflow/policy"
	"github.com/retailops/demandflow/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "demandflow",
		Short:   "Retail demand planning workflow engine",
		Version: version,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DEMANDFLOW")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}
	flags := cmd.Flags()
	flags.String("config", "", "configuration file URL (YAML)")
	flags.Int("port", server.DefaultConfig().Port, "HTTP listen port")
	flags.Int("workers", 0, "orchestrator worker count override")
	flags.String("policy-mode", "", "reforecast trigger policy: auto or manual")
	flags.String("trace-output", "", "tracing output file, empty for stdout")
	flags.Bool("trace", false, "enable OpenTelemetry tracing")
	_ = v.BindPFlags(flags)
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	config := demandflow.DefaultConfig()
	if configURL := v.GetString("config"); configURL != "" {
		loaded, err := demandflow.LoadConfig(ctx, configURL)
		if err != nil {
			return err
		}
		config = loaded
	}
	if workers := v.GetInt("workers"); workers > 0 {
		config.Orchestrator.WorkerCount = workers
	}
	if mode := v.GetString("policy-mode"); mode != "" {
		config.Policy.Mode = mode
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	options := []demandflow.Option{demandflow.WithConfig(config)}
	if config.Policy.Mode != "" {
		options = append(options, demandflow.WithPolicy(&policy.Policy{Mode: config.Policy.Mode}))
	}
	if v.GetBool("trace") {
		options = append(options, demandflow.WithTracing("demandflow", version, v.GetString("trace-output")))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runtime := demandflow.New(options...).Runtime()
	if err := runtime.Start(ctx); err != nil {
		return err
	}

	httpService := server.New(runtime, server.Config{Port: v.GetInt("port")})
	errCh := make(chan error, 1)
	go func() {
		if err := httpService.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Printf("demandflow %s listening on :%d", version, v.GetInt("port"))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-signals:
		log.Printf("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpService.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	return runtime.Shutdown(shutdownCtx)
}
