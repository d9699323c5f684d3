package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/spectrum-fit/internal/histogram"
	"github.com/ChuLiYu/spectrum-fit/internal/metrics"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/server"
	"github.com/ChuLiYu/spectrum-fit/internal/session"
)

// buildServeCommand builds the serve command
func buildServeCommand() *cobra.Command {
	var (
		histPath string
		port     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fit session engine with a gRPC surface",
		Long: `Run the session engine until SIGINT/SIGTERM.

The previous session is recovered from the session store and the journal
on startup, saved periodically while running and saved again on shutdown.

Examples:
  specfit serve --histogram data/co60.txt
  specfit serve --histogram data/co60.txt --port 6000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, histPath)
		},
	}

	cmd.Flags().StringVar(&histPath, "histogram", "", "histogram file to fit")
	cmd.Flags().IntVar(&port, "port", 0, "gRPC port (default from config)")
	_ = cmd.MarkFlagRequired("histogram")

	return cmd
}

func runServe(ctx context.Context, cfg *Config, histPath string) error {
	h, err := histogram.ReadFile(histPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)
	dispatcher := reporter.NewDispatcher(nil)

	store, storeCloser, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}

	loop, err := startLoop()
	if err != nil {
		_ = j.Close()
		return err
	}
	defer loop.Stop()

	srv := server.NewServer()
	engine := session.New(loop, cfg.EngineConfig(),
		session.WithSurface(srv),
		session.WithReporter(dispatcher),
		session.WithMetrics(collector),
		session.WithJournal(j),
		session.WithPersister(store),
	)
	srv.Attach(engine)

	err = call(ctx, engine, func() error {
		engine.SetHistogram(h)
		replayed, err := engine.Recover()
		if err != nil {
			return err
		}
		log.Info("Session recovered", "fits", len(engine.Fits()), "replayed", replayed)
		engine.StartAutosave(0)
		return nil
	})
	if err != nil {
		_ = engine.Do(context.Background(), func() { _ = engine.Close() })
		return fmt.Errorf("failed to start session: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		_ = engine.Do(context.Background(), func() { _ = engine.Close() })
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	grpcServer := grpc.NewServer()
	server.RegisterFitSessionServer(grpcServer, srv)

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	log.Info("Session engine started", "histogram", h.Name(), "backend", cfg.Session.Backend)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		log.Error("Server error, shutting down", "error", runErr)
	}

	grpcServer.GracefulStop()

	var closeErr error
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Do(closeCtx, func() { closeErr = engine.Close() }); err != nil {
		closeErr = err
	}
	if closeErr != nil {
		log.Error("Failed to close session", "error", closeErr)
	}

	log.Info("Session engine stopped")
	return errors.Join(runErr, closeErr)
}

// buildFitsCommand builds the fits command
func buildFitsCommand() *cobra.Command {
	var (
		addr    string
		id      int64
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fits",
		Short: "List the fits of a running server",
		Long: `Query a running 'specfit serve' over gRPC.

Examples:
  specfit fits --addr localhost:50051
  specfit fits --addr localhost:50051 --id 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
			defer cancel()
			return listRemote(ctx, cmd.OutOrStdout(), addr, id)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "server address")
	cmd.Flags().Int64Var(&id, "id", 0, "show the full result of one fit")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

func listRemote(ctx context.Context, w io.Writer, addr string, id int64) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	client := server.NewClient(conn)

	if id > 0 {
		fit, err := client.GetFit(ctx, id)
		if err != nil {
			return err
		}
		summary, _ := fit["summary"].(string)
		fmt.Fprint(w, summary)
		return nil
	}

	fits, active, err := client.ListFits(ctx)
	if err != nil {
		return err
	}
	printRemote(w, fits, active)
	return nil
}

// printRemote prints fits returned by the server; the active fit is marked.
func printRemote(w io.Writer, fits []map[string]any, active int64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tMODEL\tSTATUS\tCHI2/NDF\tFWHM")
	for _, f := range fits {
		id, _ := f["id"].(float64)
		mark := ""
		if int64(id) == active {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\t%s\t%s\n",
			mark, int64(id), f["name"], f["model"], f["status"], remoteNum(f["reduced_chi_square"]), remoteNum(f["fwhm"]))
	}
	_ = tw.Flush()
}

func remoteNum(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.3f", f)
	}
	return "-"
}
