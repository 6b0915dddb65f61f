package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AyaanMahimwala/RTT-Reader/internal/api"
	"github.com/AyaanMahimwala/RTT-Reader/internal/config"
	"github.com/AyaanMahimwala/RTT-Reader/internal/embedding"
	"github.com/AyaanMahimwala/RTT-Reader/internal/enrich"
	"github.com/AyaanMahimwala/RTT-Reader/internal/logging"
	"github.com/AyaanMahimwala/RTT-Reader/internal/pipeline"
	"github.com/AyaanMahimwala/RTT-Reader/internal/store"
	"github.com/AyaanMahimwala/RTT-Reader/internal/vector"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "rtt",
		Short:         "Enrich a calendar into a queryable database and vector index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: rtt.yaml in . or ~/.config/rtt)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(etlCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(similarCmd())
	rootCmd.AddCommand(taxonomyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func getStore(cfg *config.Config) (*store.Store, error) {
	return store.New(pipeline.PathsFor(cfg.DataDir).DB)
}

func etlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "etl",
		Short: "Rebuild both stores from the raw event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			registry := vector.NewRegistry()
			defer registry.Close()

			orch, _, cleanup, err := newOrchestrator(cmd.Context(), cfg, registry, log)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := orch.Rebuild(cmd.Context(), cfg.DataDir)
			if err != nil {
				return err
			}
			fmt.Println(res.Summary())
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch new events and add them to both stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			registry := vector.NewRegistry()
			defer registry.Close()

			orch, _, cleanup, err := newOrchestrator(cmd.Context(), cfg, registry, log)
			if err != nil {
				return err
			}
			defer cleanup()

			src, err := newSource(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}

			res, err := orch.Sync(cmd.Context(), cfg.DataDir, src)
			if err != nil {
				var ue *store.UpsertError
				if errors.As(err, &ue) {
					fmt.Fprintf(os.Stderr, "Not written: %s\n", strings.Join(ue.Pending, ", "))
				}
				return err
			}
			fmt.Println(res.Summary())
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var f store.ListFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := getStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			events, err := s.ListEvents(cmd.Context(), f)
			if err != nil {
				return err
			}

			if len(events) == 0 {
				fmt.Println("No events yet. Use 'rtt sync' to import some.")
				return nil
			}

			for _, e := range events {
				fmt.Printf("%s %5.2f  %-40s %s\n", e.Date, e.StartHour, truncate(e.Summary, 40), strings.Join(e.Categories, ","))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events to show")
	cmd.Flags().StringVar(&f.Category, "category", "", "only events in this category")
	cmd.Flags().StringVar(&f.Person, "person", "", "only events with this person")
	cmd.Flags().StringVar(&f.From, "from", "", "first date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.To, "to", "", "last date (YYYY-MM-DD)")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [event_id]",
		Short: "Show event details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := getStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.GetEvent(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%w: %s", err, args[0])
			}

			fmt.Printf("ID:       %s\n", e.ID)
			fmt.Printf("Summary:  %s\n", e.Summary)
			fmt.Printf("When:     %s %s (%.0f min)\n", e.Date, e.DayOfWeek, e.DurationMinutes)
			fmt.Printf("Category: %s\n", strings.Join(e.Categories, ", "))
			if len(e.People) > 0 {
				fmt.Printf("People:   %s\n", strings.Join(e.People, ", "))
			}
			if len(e.Locations) > 0 {
				fmt.Printf("Places:   %s\n", strings.Join(e.Locations, ", "))
			}
			if e.Mood != "" {
				fmt.Printf("Mood:     %s\n", e.Mood)
			}
			if e.WorkDepth != "" {
				fmt.Printf("Depth:    %s\n", e.WorkDepth)
			}

			if len(e.SubActivities) > 0 {
				fmt.Printf("\nActivities:\n")
				for _, a := range e.SubActivities {
					fmt.Printf("  - %s\n", a)
				}
			}
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	var (
		n          int
		filter     vector.Filter
		productive bool
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search activities by meaning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			emb, err := newEmbedder(cfg)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("productive") {
				filter.IsProductive = &productive
			}

			vec, err := embedding.Embed(cmd.Context(), emb, strings.Join(args, " "))
			if err != nil {
				return err
			}

			idx, err := vector.Open(pipeline.PathsFor(cfg.DataDir).Vectors)
			if err != nil {
				return err
			}
			defer idx.Close()

			matches, err := idx.Search(cmd.Context(), vec, n, filter)
			if err != nil {
				return err
			}
			printMatches(matches)
			return nil
		},
	}

	cmd.Flags().IntVarP(&n, "limit", "n", 10, "number of results")
	cmd.Flags().StringVar(&filter.Category, "category", "", "primary category")
	cmd.Flags().StringVar(&filter.Person, "person", "", "person present")
	cmd.Flags().StringVar(&filter.Mood, "mood", "", "mood")
	cmd.Flags().StringVar(&filter.DayOfWeek, "day", "", "day of week")
	cmd.Flags().IntVar(&filter.Year, "year", 0, "year")
	cmd.Flags().IntVar(&filter.Month, "month", 0, "month (1-12)")
	cmd.Flags().BoolVar(&productive, "productive", false, "productive or not")
	return cmd
}

func similarCmd() *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "similar [event_id]",
		Short: "Find activities similar to an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			idx, err := vector.Open(pipeline.PathsFor(cfg.DataDir).Vectors)
			if err != nil {
				return err
			}
			defer idx.Close()

			matches, err := idx.Similar(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			printMatches(matches)
			return nil
		},
	}

	cmd.Flags().IntVarP(&n, "limit", "n", 10, "number of results")
	return cmd
}

func printMatches(matches []vector.Match) {
	if len(matches) == 0 {
		fmt.Println("No matching activities found.")
		return
	}
	for _, m := range matches {
		fmt.Printf("%.4f  %s  %-30s %s\n", m.Score, m.Date, truncate(m.Activity, 30), truncate(m.ParentSummary, 40))
	}
}

func taxonomyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "taxonomy",
		Short: "Show the category taxonomy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			tax, err := enrich.LoadTaxonomy(pipeline.PathsFor(cfg.DataDir).Taxonomy)
			if errors.Is(err, enrich.ErrNoTaxonomy) {
				fmt.Println("No taxonomy yet. It is built by the first 'rtt sync' or 'rtt etl'.")
				return nil
			}
			if err != nil {
				return err
			}

			for _, c := range tax.Categories {
				fmt.Printf("%s\n  %s\n", c.Name, c.Description)
				if len(c.RawTags) > 0 {
					fmt.Printf("  tags: %s\n", truncate(strings.Join(c.RawTags, ", "), 100))
				}
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := getStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			st, err := s.Stats(ctx)
			if err != nil {
				return err
			}
			cats, err := s.CategoryDistribution(ctx)
			if err != nil {
				return err
			}
			people, err := s.PeopleFrequency(ctx)
			if err != nil {
				return err
			}
			lastSync, _, err := s.GetMeta(ctx, store.MetaLastSync)
			if err != nil {
				return err
			}

			fmt.Printf("Events:         %d\n", st.Events)
			fmt.Printf("Sub-activities: %d\n", st.SubActivities)
			fmt.Printf("Date range:     %s to %s\n", st.DateMin, st.DateMax)
			fmt.Printf("Unique people:  %d\n", st.UniquePeople)
			if lastSync != "" {
				fmt.Printf("Last sync:      %s\n", lastSync)
			}

			printCounts("Categories", cats, top)
			printCounts("People", people, top)
			return nil
		},
	}

	cmd.Flags().IntVarP(&top, "top", "n", 10, "rows per distribution")
	return cmd
}

func printCounts(title string, counts []store.Count, top int) {
	if len(counts) == 0 {
		return
	}
	fmt.Printf("\n%s:\n", title)
	for i, c := range counts {
		if i == top {
			break
		}
		fmt.Printf("  %-24s %d\n", c.Name, c.Events)
	}
}

func truncate(s string, max int) string {
	// Replace newlines with spaces for display
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			s, err := getStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			registry := vector.NewRegistry()
			defer registry.Close()

			server := api.Config{
				Target:   cfg.DataDir,
				Addr:     addr,
				Store:    s,
				Registry: registry,
				Log:      log,
			}

			// sync and search are served only when providers are configured
			orch, emb, cleanup, err := newOrchestrator(cmd.Context(), cfg, registry, log)
			if err != nil {
				log.Warn().Err(err).Msg("providers unavailable, serving read-only")
			} else {
				defer cleanup()
				server.Orchestrator = orch
				server.Embedder = emb
				if src, err := newSource(cmd.Context(), cfg, log); err == nil {
					server.Source = src
				} else {
					log.Warn().Err(err).Msg("sync disabled")
				}
			}

			return api.New(server).Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (default from config)")
	return cmd
}
