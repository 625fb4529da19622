// Command hybridqa builds the listings graph and answers questions about it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/hybridqa"
)

var (
	configPath string
	inputPath  string
	sessionID  string
	verbose    bool

	cfg hybridqa.Config

	rootCmd = &cobra.Command{
		Use:           "hybridqa",
		Short:         "Ask questions about brokers, listings and associates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = hybridqa.LoadConfig(configPath); err != nil {
				return err
			}
			if verbose {
				cfg.Log.Level = "debug"
			}
			slog.SetDefault(newLogger(cfg.Log))
			return nil
		},
	}

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Build the graph from a CSV or XLSX listings export",
		RunE:  runBuild,
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question in a fresh session",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session (/reset clears it, /quit exits)",
		RunE:  runChat, // Defined in chat.go
	}

	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Print the schema artifact the query generator sees",
		RunE:  runSchema,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVarP(&inputPath, "input", "i", "", "Listings export (.csv or .xlsx)")
	buildCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().Bool("json", false, "Print the full reply as JSON")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&sessionID, "session", "", "Session id (random when empty)")

	rootCmd.AddCommand(schemaCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(c hybridqa.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runBuild(cmd *cobra.Command, args []string) error {
	rep, err := hybridqa.Build(cmd.Context(), cfg, inputPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"Built graph: %d listings, %d brokers, %d associates, %d relationships (%d rows skipped) in %s\nSchema version %s\n",
		rep.Listings, rep.Brokers, rep.Associates, rep.Edges, rep.Skipped, rep.Elapsed, rep.SchemaVersion)
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	eng, err := hybridqa.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	reply, err := eng.Ask(cmd.Context(), uuid.NewString(), strings.Join(args, " "))
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.Answer)
	return nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	eng, err := hybridqa.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	s := eng.Schema()
	fmt.Fprintf(cmd.OutOrStdout(), "dialect %s, version %s\n\n%s\n", s.Dialect, s.Version, s.Describe())
	return nil
}
