package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/hybridqa"
)

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var opts []hybridqa.Option
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, hybridqa.WithMetrics(reg))

		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("hybridqa: metrics server shutdown error", "error", err)
			}
		}()
	}

	eng, err := hybridqa.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s. Type /reset to start over, /quit to exit.\n", id)

	lines := readLines(ctx, cmd.InOrStdin())

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if _, err := eng.ResetSession(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(out, "Session cleared.")
			continue
		}

		answer, err := eng.HandleTurn(ctx, id, line)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n\n", answer)
	}
}

// readLines delivers lines from r until r is exhausted or ctx ends. The
// channel is closed either way.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func serveMetrics(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("hybridqa: metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("hybridqa: metrics server error", "error", err)
		}
	}()
	return srv
}
