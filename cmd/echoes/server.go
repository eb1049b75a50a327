package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/echoes/internal/api"
	"github.com/kalambet/echoes/internal/config"
	"github.com/kalambet/echoes/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echoes HTTP API (and MCP over stdio) in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running echoes server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show echoes server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "echoes.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	apiToken, err := config.EnsureAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	probe := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      apiToken,
		httpClient: &http.Client{},
	}
	if err := probe.health(context.Background()); err == nil {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("echoes is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("echoes is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewAppHandler(api.AppDeps{
		Session: a.session,
		Token:   apiToken,
		Metrics: metrics.Handler(a.registry),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("echoes listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Recommender: a.gemini,
			History:     a.history,
			BatchSize:   cfg.Pipeline.BatchSize,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			logger.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("echoes is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop echoes (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to echoes (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	if cfg.Gemini.APIKey == "" {
		printStatus("Gemini key", "missing")
	} else {
		printStatus("Gemini key", "configured")
	}
	printStatus("Models", "%s / %s / %s", cfg.Gemini.RecommendModel, cfg.Gemini.ContentModel, cfg.Gemini.ImageModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	return reportServer(ctx, client, cfg.Server.Port)
}

func reportServer(ctx context.Context, client *apiClient, port int) error {
	if err := client.health(ctx); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			printStatus("Server", "error (HTTP %d)", apiErr.Status)
		} else {
			printStatus("Server", "stopped")
		}
		return nil
	}
	printStatus("Server", "running on port %d", port)

	st, err := client.state(ctx)
	if isAPIError(err, "authentication_error") {
		printStatus("Session", "token rejected; the server was started with a different API token")
		return nil
	}
	if err != nil {
		return err
	}
	printStatus("Day", "%s", st.Formatted)
	printStatus("Author", "%s", st.Author)
	printStatus("Filter", "%s / %s", st.Filter.Era, st.Filter.Category)
	if st.Run.Err != nil {
		printStatus("Phase", "%s (%s)", st.Run.Phase, st.Run.Err.Message)
	} else {
		printStatus("Phase", "%s", st.Run.Phase)
	}
	if st.Narrating {
		printStatus("Narration", "in progress")
	}

	entries, err := client.entries(ctx)
	if err != nil {
		return err
	}
	printStatus("History", "%d saved", len(entries))
	return nil
}
