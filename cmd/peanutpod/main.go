// Command peanutpod runs the proxy pool daemon and its control client,
// using spf13/cobra for subcommands the way
// other_examples/drsoft-oss-proxyrotator lays out its CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/narrowmargin/peanutpod/internal/config"
	"github.com/narrowmargin/peanutpod/internal/control"
	"github.com/narrowmargin/peanutpod/internal/httpproxy"
	"github.com/narrowmargin/peanutpod/internal/logging"
	"github.com/narrowmargin/peanutpod/internal/pool"
	"github.com/narrowmargin/peanutpod/internal/probe"
	"github.com/narrowmargin/peanutpod/internal/rotate"
	"github.com/narrowmargin/peanutpod/internal/socks5"
	"github.com/narrowmargin/peanutpod/internal/upstream"
	"github.com/narrowmargin/peanutpod/internal/validate"
)

var (
	configPath  string
	poolPath    string
	controlAddr string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "peanutpod",
		Short: "Proxy validation pool and dual-protocol relay",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the listener-port config file")
	root.PersistentFlags().StringVar(&poolPath, "pool", "pool.json", "path to the pool file")
	root.PersistentFlags().StringVar(&controlAddr, "control-addr", "http://"+control.DefaultAddress, "address of a running peanutpod control API")

	root.AddCommand(serveCmd(), importCmd(), retestCmd(), switchCmd(), rotateCmd())
	return root
}

func serveCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: validator pool, SOCKS5/HTTP listeners, and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(os.Stdout)
			cfg := config.Load(configPath, logger.Printf)

			store := pool.NewStore(pool.NewFileStore(poolPath))
			if err := store.Load(); err != nil {
				logger.Printf("peanutpod: %v", err)
			}

			registry := upstream.NewRegistry()
			dialer := upstream.NewDialer(registry)
			publicIP := probe.NewPublicIP(http.DefaultClient, probe.DefaultTargets.AnonymityURL, 5*time.Minute)
			prober := probe.NewProber(probe.DefaultTargets, publicIP)
			validator := validate.NewValidator(prober)
			scheduler := rotate.NewScheduler(store, registry)
			scheduler.Logger = logger.Printf

			socksAddr := fmt.Sprintf("127.0.0.1:%d", cfg.SOCKS5Port)
			httpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort)
			socksListener := socks5.NewListener(socksAddr, dialer)
			socksListener.Logger = logger.Printf
			httpListener := httpproxy.NewListener(httpAddr, dialer)
			httpListener.Logger = logger.Printf

			exporter := pool.NoopExporter{}
			controller := control.New(store, registry, validator, scheduler, socksListener, httpListener, exporter, logger)

			if err := controller.StartListeners(); err != nil {
				return fmt.Errorf("peanutpod: %w", err)
			}

			server := control.NewServer(controller, control.ServerOptions{Addr: bind, Logger: log.New(os.Stdout, "", log.LstdFlags)})
			server.Start()
			logger.Printf("peanutpod: serving SOCKS5 on %s, HTTP on %s, control API on %s", socksAddr, httpAddr, bind)

			<-cmd.Context().Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			controller.StopListeners()
			return server.Stop(ctx)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", control.DefaultAddress, "address for the control HTTP API")
	return cmd
}

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Submit a batch of candidate proxies for validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates := args
			if file != "" {
				lines, err := readLines(file)
				if err != nil {
					return err
				}
				candidates = append(candidates, lines...)
			}
			if len(candidates) == 0 {
				return fmt.Errorf("peanutpod: no candidates given; pass them as arguments or --file")
			}
			return postJSON("/v1/import", map[string]any{"candidates": candidates})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "newline-delimited file of scheme://host:port candidates")
	return cmd
}

func retestCmd() *cobra.Command {
	var unavailableOnly bool
	cmd := &cobra.Command{
		Use:   "retest",
		Short: "Re-validate pool entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/v1/retest", map[string]any{"unavailable_only": unavailableOnly})
		},
	}
	cmd.Flags().BoolVar(&unavailableOnly, "unavailable-only", false, "only retest currently unavailable entries")
	return cmd
}

func switchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch [scheme://host:port]",
		Short: "Switch the active upstream (omit argument for direct)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return postJSON("/v1/upstream", map[string]any{})
			}
			cand, err := probe.ParseCandidate(args[0])
			if err != nil {
				return err
			}
			return postJSON("/v1/upstream", map[string]any{
				"scheme": cand.Scheme,
				"host":   cand.Host,
				"port":   cand.Port,
			})
		},
	}
	return cmd
}

func rotateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rotate", Short: "Control the rotation scheduler"}
	cmd.AddCommand(&cobra.Command{
		Use:   "enable [interval-seconds]",
		Short: "Enable periodic upstream rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var seconds int
			if _, err := fmt.Sscanf(args[0], "%d", &seconds); err != nil {
				return fmt.Errorf("peanutpod: invalid interval %q", args[0])
			}
			return postJSON("/v1/rotation/enable", map[string]any{"interval_seconds": seconds})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Disable rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/v1/rotation/disable", map[string]any{})
		},
	})
	return cmd
}

func postJSON(path string, body map[string]any) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}
	resp, err := http.Post(controlAddr+path, "application/json", buf)
	if err != nil {
		return fmt.Errorf("peanutpod: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peanutpod: %s: %s", resp.Status, out)
	}
	fmt.Println(string(out))
	return nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("peanutpod: %w", err)
	}
	var lines []string
	for _, line := range bytesSplitLines(data) {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func bytesSplitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			line := string(bytes.TrimSpace(data[start:i]))
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(bytes.TrimSpace(data[start:])))
	}
	return lines
}
