// Package main provides the coachnote command.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/coachnote/internal/bootstrap"
	"github.com/thebtf/coachnote/internal/config"
	"github.com/thebtf/coachnote/internal/export"
	"github.com/thebtf/coachnote/internal/notebook"
	"github.com/thebtf/coachnote/internal/persona"
	"github.com/thebtf/coachnote/internal/topic"
	"github.com/thebtf/coachnote/pkg/models"
)

// Version is set at build time via ldflags.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "coachnote",
		Short:         "Voice budget coaching session service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(debug)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newRegisterCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newNotebooksCmd())
	root.AddCommand(newNotesCmd())
	root.AddCommand(newPersonasCmd())
	return root
}

func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(config.Get().LogLevel); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
}

func loadConfig() *config.Config {
	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	return cfg
}

func openStorage() (*bootstrap.Storage, error) {
	return bootstrap.OpenStorage(loadConfig())
}

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := loadConfig()
			if port > 0 {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap.New(ctx, cfg, Version)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- app.Server.Start() }()

			select {
			case err := <-errCh:
				_ = app.Close()
				return err
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
			}
			return app.Shutdown(shutdownTimeout)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides COACHNOTE_PORT)")
	return cmd
}

func newExportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export <notebook-id|latest>",
		Short: "Export a notebook as json, csv or text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()

			mgr := notebook.NewManager(st.Tiers)
			nb := mgr.Load(cmd.Context(), args[0])
			if args[0] == "latest" {
				nb = mgr.Latest(cmd.Context())
			}
			if nb == nil {
				return fmt.Errorf("notebook %q not found", args[0])
			}

			out := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				out = file
			}
			return export.Write(out, nb, f)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Export format: json|csv|text")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <conversation-id> <therapist-id>",
		Short: "Register a conversation with its therapist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.Registry.Register(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newSessionsCmd() *cobra.Command {
	sessions := &cobra.Command{Use: "sessions", Short: "Inspect registered sessions"}

	latest := &cobra.Command{
		Use:   "latest",
		Short: "Show the most recently registered session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()

			rec, ok := st.Registry.Latest(cmd.Context())
			if !ok {
				return errors.New("no session registered")
			}
			return printJSON(cmd, rec)
		},
	}
	sessions.AddCommand(latest)
	return sessions
}

func newNotebooksCmd() *cobra.Command {
	notebooks := &cobra.Command{Use: "notebooks", Short: "Inspect stored notebooks"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List notebooks, newest session first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := notebook.NewManager(st.Tiers).List(cmd.Context())
			if err != nil {
				return err
			}
			for _, nb := range list {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n",
					nb.ID(), nb.SessionDate().Format("2006-01-02"), nb.Status(), nb.CurrentTopic(), nb.ClientName())
			}
			return nil
		},
	}
	notebooks.AddCommand(list)
	return notebooks
}

func newNotesCmd() *cobra.Command {
	var complete bool
	cmd := &cobra.Command{
		Use:   "notes <therapist-id> [client-name]",
		Short: "Take notes on the therapist's active notebook from stdin",
		Long: "Each input line becomes a note under the current topic. " +
			"A line \"/topic <name>\" moves the notebook to that topic.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			st, err := bootstrap.OpenStorage(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			client := ""
			if len(args) == 2 {
				client = args[1]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr := notebook.NewManager(st.Tiers, notebook.WithAutosavePeriod(cfg.AutosavePeriod()))
			nb, err := mgr.CreateOrRestore(ctx, args[0], client)
			if err != nil {
				return err
			}
			mgr.StartAutosave(ctx)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "notebook %s, topic %s\n", nb.ID(), nb.CurrentTopic())

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := mgr.Mutate(func(nb *models.Notebook) error {
					if name, ok := strings.CutPrefix(line, "/topic "); ok {
						t, err := topic.Parse(strings.TrimSpace(name))
						if err != nil {
							return err
						}
						nb.UpdateTopic(string(t))
						return nil
					}
					nb.AddNote(nb.CurrentTopic(), line)
					return nil
				}); err != nil {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			}
			if err := scanner.Err(); err != nil {
				_ = mgr.Close(context.Background())
				return err
			}

			// Signals cancel ctx; the final save still has to land.
			if complete {
				return mgr.CompleteSession(context.Background())
			}
			return mgr.Close(context.Background())
		},
	}
	cmd.Flags().BoolVar(&complete, "complete", false, "Mark the notebook completed at end of input")
	return cmd
}

func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List configured therapist personas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := persona.NewSource(loadConfig().PersonaFile)
			if err != nil {
				return err
			}
			for _, p := range src.Catalog().All() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.ID, p.Name)
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
