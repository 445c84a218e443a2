// ============================================================================
// Umbra Broker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and driving the broker
//
// Command Structure:
//   umbra-broker                   # Root command
//   ├── run                        # Start broker (gRPC + HTTP admin)
//   ├── execute                    # Submit an experiment action to a broker
//   │   ├── --file, -f            # Experiment file (JSON or YAML)
//   │   ├── --action              # start | stop
//   │   ├── --id                  # Request id (default: random uuid)
//   │   └── --broker              # Broker address (default: broker.address)
//   ├── validate                   # Parse and check an experiment file
//   ├── report <id>                # Print a persisted report
//   ├── status                     # Query the admin endpoint of a running broker
//   └── --config, -c               # Config file (default: configs/broker.yaml)
//
// run Command:
//   1. Load config file
//   2. Build transport client, metrics collector and coordinator
//   3. Serve the Broker gRPC service on broker.address
//   4. Serve /metrics, /healthz, /status, /events, /reports/{id} if http.enabled
//   5. On SIGINT/SIGTERM: stop gRPC, cancel background events, close clients
//
//   Examples:
//     ./umbra-broker run
//     ./umbra-broker run -c custom-config.yaml
//     ./umbra-broker execute -f experiment.json --action start
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/umbra-broker/internal/broker"
	"github.com/ChuLiYu/umbra-broker/internal/config"
	"github.com/ChuLiYu/umbra-broker/internal/experiment"
	"github.com/ChuLiYu/umbra-broker/internal/httpapi"
	"github.com/ChuLiYu/umbra-broker/internal/logging"
	"github.com/ChuLiYu/umbra-broker/internal/metrics"
	"github.com/ChuLiYu/umbra-broker/internal/plugins"
	"github.com/ChuLiYu/umbra-broker/internal/reportstore"
	"github.com/ChuLiYu/umbra-broker/internal/transport"
)

const shutdownTimeout = 10 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "umbra-broker",
		Short: "Umbra Broker: experiment orchestration across emulation environments",
		Long: `Umbra Broker deploys experiment topologies across environments with:
- Parallel fan-out of deploy and monitor calls
- Scheduled background events (scenario and fabric)
- Persisted execution reports
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildExecuteCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildReportCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && path == config.DefaultPath && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the broker",
		Long:  "Serve the Broker gRPC service and the HTTP admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBroker(ctx, cfg, newLogger(cfg))
		},
	}
}

// runBroker serves until ctx is cancelled.
func runBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	client := transport.NewClient(cfg.Broker.RPCTimeout)
	defer client.Close()

	coord := broker.NewCoordinator(broker.Config{
		Address:          cfg.Broker.Address,
		MaxConcurrency:   cfg.Broker.MaxConcurrency,
		StopEventsOnStop: cfg.Broker.StopEventsOnStop,
	}, client,
		broker.WithLogger(logger),
		broker.WithCatalog(plugins.DefaultCatalog(client, logger)),
		broker.WithRecorder(collector),
	)

	var store *reportstore.Store
	if cfg.Reports.Dir != "" {
		store = reportstore.New(cfg.Reports.Dir)
	}

	lis, err := net.Listen("tcp", cfg.Broker.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Broker.Address, err)
	}

	grpcServer := grpc.NewServer()
	transport.RegisterBrokerServer(grpcServer, broker.NewService(coord, store, logger))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", "address", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		opts := []httpapi.Option{httpapi.WithGatherer(reg)}
		if store != nil {
			opts = append(opts, httpapi.WithReportStore(store))
		}
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           httpapi.New(coord, logger, opts...),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "address", cfg.HTTP.Address)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}()
	}

	logger.Info("Broker started", "config", configFile)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		logger.Error("Server error, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", "error", err)
		}
	}
	grpcServer.GracefulStop()
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("Background events did not finish", "error", err)
	}

	logger.Info("Broker stopped")
	return runErr
}

// ============================================================================
// execute
// ============================================================================

func buildExecuteCommand() *cobra.Command {
	var (
		file       string
		action     string
		id         string
		brokerAddr string
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Submit an experiment action to a broker",
		Long:  "Read an experiment file and ask a running broker to start or stop it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if brokerAddr == "" {
				brokerAddr = cfg.Broker.Address
			}
			return executeExperiment(cmd.Context(), cmd.OutOrStdout(), brokerAddr, file, action, id, cfg.Broker.RPCTimeout)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "experiment file (JSON or YAML)")
	cmd.Flags().StringVar(&action, "action", "start", "action to execute: start or stop")
	cmd.Flags().StringVar(&id, "id", "", "request id (default: random uuid)")
	cmd.Flags().StringVar(&brokerAddr, "broker", "", "broker address (default: broker.address from config)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func executeExperiment(ctx context.Context, out io.Writer, addr, file, action, id string, timeout time.Duration) error {
	if _, err := broker.ParseAction(action); err != nil {
		return err
	}
	scenario, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read experiment file: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	client := transport.NewClient(timeout)
	defer client.Close()

	resp, err := client.Execute(ctx, addr, &transport.Config{
		ID:        id,
		Action:    action,
		Scenario:  scenario,
		Timestamp: timestamppb.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to execute on %s: %w", addr, err)
	}

	report, err := transport.FromReport(resp)
	if err != nil {
		return fmt.Errorf("failed to decode report: %w", err)
	}
	return printJSON(out, report)
}

// ============================================================================
// validate / report / status
// ============================================================================

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an experiment file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateExperiment(cmd.OutOrStdout(), args[0])
		},
	}
}

func validateExperiment(out io.Writer, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read experiment file: %w", err)
	}
	exp, err := experiment.Parse(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "experiment:   %s\n", exp.ID)
	fmt.Fprintf(out, "model:        %s\n", exp.Topology.Model())
	fmt.Fprintf(out, "environments: %s\n", strings.Join(exp.Topology.EnvironmentNames(), ", "))
	for _, category := range exp.Categories() {
		fmt.Fprintf(out, "events:       %s (%d)\n", category, len(exp.EventsFor(category)))
	}
	return nil
}

func buildReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <id>",
		Short: "Print a persisted execution report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Reports.Dir == "" {
				return errors.New("report persistence is disabled (reports.dir is empty)")
			}
			report, err := reportstore.New(cfg.Reports.Dir).Load(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show broker status",
		Long:  "Query the HTTP admin endpoint of a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cfg.HTTP.Enabled {
				return errors.New("http admin endpoint is disabled (http.enabled is false)")
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), adminURL(cfg.HTTP.Address)+"/status")
		},
	}
}

func showStatus(ctx context.Context, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker returned %s", resp.Status)
	}
	var status broker.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	return printJSON(out, status)
}

// adminURL turns a listen address into a URL reachable from this host.
func adminURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
