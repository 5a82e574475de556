package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/david/bandi-engine/internal/config"
	"github.com/david/bandi-engine/internal/db"
	"github.com/david/bandi-engine/internal/db/sqlite"
	"github.com/david/bandi-engine/internal/engine"
	"github.com/david/bandi-engine/internal/ingest"
	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
	"github.com/david/bandi-engine/internal/report"
	"github.com/david/bandi-engine/internal/sector"
)

var (
	configPath  string
	sqlitePath  string
	recordsPath string
	clientsPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bandi",
		Short:         "Aggregate grant calls, score them against clients and report",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.Path(), "config file")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "local database path (defaults to sqlite.path from config)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(matchesCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(seedCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// localEngine wires the engine to the SQLite store and, when records is set,
// to the export files.
func localEngine(records, clients string) (*engine.Engine, *sqlite.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	path := sqlitePath
	if path == "" {
		path = cfg.SQLite.Path
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}

	registry, err := ingest.LoadRegistry(cfg.Sources.RegistryPath)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	tbl, err := sector.LoadTable(cfg.Sources.ClassificationPath)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	deps := engine.Deps{Grants: store, Matches: store, Recorder: store}
	if records != "" {
		fs, err := ingest.LoadFileSource(records, clients)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		deps.Records, deps.Clients = fs, fs
	}
	return engine.New(deps, registry, tbl, cfg.Policy), store, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one aggregation over export files",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, err := localEngine(recordsPath, clientsPath)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := eng.Run(cmd.Context(), time.Now())
			if err != nil {
				return err
			}

			t := newTable()
			t.AppendHeader(table.Row{"Run", "Sources", "Records", "Grants", "Skipped", "Collisions", "Derived keys", "Clients", "Matches"})
			r := res.Run
			t.AppendRow(table.Row{r.RunID[:8], r.Sources, r.Records, r.Grants, r.Skipped, r.Collisions, r.DerivedKeys, r.Clients, r.Matches})
			t.Render()

			printSnapshot(res.Snapshot)
			return nil
		},
	}
	cmd.Flags().StringVar(&recordsPath, "records", "", "JSON records export")
	cmd.Flags().StringVar(&clientsPath, "clients", "", "YAML client profiles")
	cmd.MarkFlagRequired("records")
	cmd.MarkFlagRequired("clients")
	return cmd
}

func reportCmd() *cobra.Command {
	var xlsxPath, from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the report over the stored match history",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRange(from, to, time.Now())
			if err != nil {
				return err
			}
			eng, store, err := localEngine("", "")
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := eng.Snapshot(cmd.Context(), r)
			if err != nil {
				return err
			}
			printSnapshot(snap)

			if xlsxPath != "" {
				f, err := os.Create(xlsxPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", xlsxPath, err)
				}
				defer f.Close()
				if err := report.WriteXLSX(f, snap); err != nil {
					return err
				}
				fmt.Printf("Report written to %s\n", xlsxPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also write the report as an Excel workbook")
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD), defaults to now")
	return cmd
}

func matchesCmd() *cobra.Command {
	var clientID string
	var minScore int
	cmd := &cobra.Command{
		Use:   "matches",
		Short: "List stored match results",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, err := localEngine("", "")
			if err != nil {
				return err
			}
			defer store.Close()

			results, err := eng.Matches(cmd.Context(), match.Filter{ClientID: clientID, MinScore: minScore})
			if err != nil {
				return err
			}

			t := newTable()
			t.AppendHeader(table.Row{"Client", "Grant", "Score", "Sector", "Keyword", "Constraint", "Computed"})
			for _, m := range results {
				t.AppendRow(table.Row{m.ClientID, m.GrantKey, m.Score,
					fmt.Sprintf("%.2f", m.Breakdown.Sector), fmt.Sprintf("%.2f", m.Breakdown.Keyword),
					fmt.Sprintf("%.2f", m.Breakdown.Constraint), m.ComputedAt.Format("2006-01-02 15:04")})
			}
			t.AppendFooter(table.Row{"", "Total", len(results)})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "only this client")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "minimum score")
	return cmd
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent aggregation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := localEngine("", "")
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load export files into the Postgres database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fs, err := ingest.LoadFileSource(recordsPath, clientsPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.Connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.ApplyMigrations(ctx, pool); err != nil {
				return err
			}

			store := db.NewStore(pool)
			names, _ := fs.SourceNames(ctx)
			t := newTable()
			t.AppendHeader(table.Row{"Source", "Kind", "Records"})
			for _, name := range names {
				batch, _ := fs.Records(ctx, name)
				n, err := store.ImportBatch(ctx, batch)
				if err != nil {
					return err
				}
				t.AppendRow(table.Row{name, batch.Kind, n})
			}
			t.Render()

			if err := store.UpsertClients(ctx, fs.Clients()); err != nil {
				return err
			}
			fmt.Printf("%d client profiles loaded\n", len(fs.Clients()))
			return nil
		},
	}
	cmd.Flags().StringVar(&recordsPath, "records", "", "JSON records export")
	cmd.Flags().StringVar(&clientsPath, "clients", "", "YAML client profiles")
	cmd.MarkFlagRequired("records")
	return cmd
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func printSnapshot(snap models.ReportSnapshot) {
	fmt.Printf("\nMatch totali: %d  Tasso successo: %.1f%%  Fonti attive: %d\n\n",
		snap.TotaleMatch, snap.TassoSuccesso*100, snap.FontiAttive)

	t := newTable()
	t.SetTitle(report.SheetTimeline)
	t.AppendHeader(table.Row{"Periodo", "Match", "Successi", "Tasso"})
	for _, b := range snap.AnalisiTemporale {
		t.AppendRow(table.Row{b.Periodo, b.Conteggio, b.Successi, fmt.Sprintf("%.1f%%", b.TassoSuccesso*100)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	t.Render()

	d := newTable()
	d.SetTitle(report.SheetDistribution)
	d.AppendHeader(table.Row{"Fonte", "Bandi"})
	for _, sc := range snap.DistribuzioneFonti {
		d.AppendRow(table.Row{sc.Fonte, sc.Conteggio})
	}
	d.Render()
}

func printRuns(runs []models.RunSummary) {
	t := newTable()
	t.AppendHeader(table.Row{"Run", "Status", "Grants", "Skipped", "Matches", "Duration", "Started At", "Error"})
	for _, r := range runs {
		duration := "Running..."
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		id := r.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		t.AppendRow(table.Row{id, r.Status, r.Grants, r.Skipped, r.Matches, duration,
			r.StartedAt.Format("2006-01-02 15:04:05"), text.Trim(r.Error, 60)})
	}
	t.Render()
}

// parseRange reads the --from/--to flags. An empty --to means now.
func parseRange(from, to string, now time.Time) (report.Range, error) {
	r := report.Range{To: now.UTC()}
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return r, fmt.Errorf("invalid --from: %w", err)
		}
		r.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return r, fmt.Errorf("invalid --to: %w", err)
		}
		r.To = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return r, nil
}
