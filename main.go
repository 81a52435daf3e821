package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"restaurant-recommender/agent"
	"restaurant-recommender/config"
	"restaurant-recommender/models"
	"restaurant-recommender/server"
	"restaurant-recommender/services"
	"restaurant-recommender/storage"
	"restaurant-recommender/utils"
)

var (
	cfgFile   string
	exportCSV bool
	histLoc   string
	histCat   string
	histPrefs []string
)

var rootCmd = &cobra.Command{
	Use:   "recommender",
	Short: "Conversational restaurant recommender",
	Long: `Collects where and what you want to eat over a short conversation,
then searches nearby restaurants, reads their reviews and ranks them
against your preferences.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			return os.Setenv(config.ConfigPathEnvVar, cfgFile)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat over WebSocket",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal",
	RunE:  runChat,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the latest recommendation recorded for a search",
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")

	chatCmd.Flags().BoolVar(&exportCSV, "export", false, "write ranked results to the configured CSV file")

	historyCmd.Flags().StringVarP(&histLoc, "location", "l", "", "location of the search (required)")
	historyCmd.Flags().StringVarP(&histCat, "category", "t", "", "category of the search (required)")
	historyCmd.Flags().StringSliceVarP(&histPrefs, "preference", "p", nil, "preferences of the search")
	_ = historyCmd.MarkFlagRequired("location")
	_ = historyCmd.MarkFlagRequired("category")

	rootCmd.AddCommand(serveCmd, chatCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ================== Bootstrap ====================
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := bootstrap(os.Stdout)
	if err != nil {
		return err
	}
	logger.Info("Restaurant Recommender")
	logger.Info("Store: %s | Cache: %s | Fetch workers: %d | Cache window: %d days",
		cfg.Database.Driver, cfg.Cache.Backend, cfg.Scraper.MaxConcurrency, cfg.Recommend.CacheDays)

	// =================== Collaborators ========================================
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed: %v", err)
		return err
	}
	defer a.Close()

	// =============== Serve ===================================
	sessions := agent.NewManager(a.agent, cfg.Server.SessionTTL, logger)
	srv := server.New(cfg.Server, sessions, a.store, logger)
	return srv.Run(ctx)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logs go to stderr so they do not interleave with the conversation
	cfg, logger, err := bootstrap(os.Stderr)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed: %v", err)
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	var csvWriter *storage.CSVWriter
	if exportCSV {
		csvWriter = storage.NewCSVWriter(cfg.Recommend.CSVFilePath, logger)
	}

	fmt.Fprintln(out, "想在哪裡吃什麼呢？（輸入 exit 離開）")
	var state agent.State
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			break
		}

		recommended := false
		err := a.agent.HandleTurn(ctx, &state, text, func(e agent.Event) {
			if e.Type == agent.EventRecommendations {
				recommended = true
			}
			printEvent(out, state.Query(), e)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		// ========= CSV: ranked results ===========================
		if csvWriter != nil && recommended {
			if err := csvWriter.WriteRanked(state.Query(), state.Ranked); err != nil {
				logger.Error("Failed to write CSV: %v", err)
				// Non-fatal: the results were already shown
			}
		}
	}
	return scanner.Err()
}

func printEvent(w io.Writer, q models.Query, e agent.Event) {
	switch e.Type {
	case agent.EventProgress:
		fmt.Fprintf(w, "  … %s\n", e.Text)
	case agent.EventRecommendations:
		services.PrintRecommendations(w, q, e.Data)
	default:
		fmt.Fprintln(w, e.Text)
	}
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap(os.Stderr)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	q := models.Query{
		Location:    histLoc,
		Category:    histCat,
		Preferences: services.ClassifyPreferences(histPrefs),
	}
	rec, err := store.GetRecommendation(cmd.Context(), q.Key())
	if err != nil {
		return fmt.Errorf("no recommendation for %s %s: %w", histLoc, histCat, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recorded %s (%q)\n", rec.CreatedAt.Format("2006-01-02 15:04"), rec.Query.Text)
	services.PrintRecommendations(out, rec.Query, services.Top(rec.Results, cfg.Recommend.TopN))
	return nil
}

func bootstrap(logOut io.Writer) (*config.Config, *utils.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLoggerWithOptions(utils.LogOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: logOut,
	})
	return cfg, logger, nil
}
