package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/spectrum-fit/internal/export"
	"github.com/ChuLiYu/spectrum-fit/internal/reporter"
	"github.com/ChuLiYu/spectrum-fit/internal/session"
	"github.com/ChuLiYu/spectrum-fit/internal/snapshot"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/journal"
	"github.com/ChuLiYu/spectrum-fit/internal/storage/sqlite"
	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// buildExportCommand builds the export command
func buildExportCommand() *cobra.Command {
	var (
		sessionPath string
		out         string
		peaksOut    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a saved session without refitting",
		Long: `Export the fit results of a saved session to CSV or JSON. The format
follows the extension of --out.

Without --session the configured session store is read and the journal
is replayed on top of it, so the export matches the last state of
'specfit serve'.

Examples:
  specfit export --out fits.csv
  specfit export --session out/session.json --out fits.json --peaks-out peaks.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runExport(commandContext(cmd), cmd.OutOrStdout(), cfg, sessionPath, out, peaksOut)
		},
	}

	cmd.Flags().StringVar(&sessionPath, "session", "", "session file (default: configured store + journal)")
	cmd.Flags().StringVarP(&out, "out", "o", "fits.csv", "fit results output (.csv or .json)")
	cmd.Flags().StringVar(&peaksOut, "peaks-out", "", "peak list output (.csv or .json)")

	return cmd
}

func runExport(ctx context.Context, w io.Writer, cfg *Config, sessionPath, out, peaksOut string) error {
	var (
		data types.SessionData
		err  error
	)
	if sessionPath != "" {
		data, err = snapshot.NewManager(sessionPath).Load()
	} else {
		data, err = recoverStored(ctx, cfg)
	}
	if err != nil {
		return err
	}

	recs := make([]types.FitRecord, 0, len(data.Fits))
	for _, st := range data.Fits {
		recs = append(recs, st.Record())
	}
	n, err := export.FitsToFile(out, data.Histogram, recs, time.Now())
	if err != nil {
		return fmt.Errorf("failed to export fits: %w", err)
	}
	fmt.Fprintf(w, "Exported %d fits to %s\n", n, out)

	if peaksOut != "" {
		n, err := export.PeaksToFile(peaksOut, data.Histogram, data.Peaks)
		if err != nil {
			return fmt.Errorf("failed to export peaks: %w", err)
		}
		fmt.Fprintf(w, "Exported %d peaks to %s\n", n, peaksOut)
	}
	return nil
}

// recoverStored rebuilds the session from the configured store and journal
// without writing to either.
func recoverStored(ctx context.Context, cfg *Config) (types.SessionData, error) {
	store, storeCloser, err := openStore(cfg)
	if err != nil {
		return types.SessionData{}, err
	}
	defer storeCloser.Close()

	j, err := openJournal(cfg)
	if err != nil {
		return types.SessionData{}, err
	}
	defer j.Close()

	loop, err := startLoop()
	if err != nil {
		return types.SessionData{}, err
	}
	defer loop.Stop()

	// The engine is not closed: Close would save and rotate the journal.
	engine := session.New(loop, cfg.EngineConfig(),
		session.WithReporter(reporter.NewDispatcher(nil)),
		session.WithJournal(j),
		session.WithPersister(store),
	)
	var data types.SessionData
	err = call(ctx, engine, func() error {
		if _, err := engine.Recover(); err != nil {
			return err
		}
		data = engine.Snapshot()
		return nil
	})
	return data, err
}

// buildStatusCommand builds the status command
func buildStatusCommand() *cobra.Command {
	var opts statusOptions

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration and session files",
		Long: `Show the effective configuration, the session store and the journal.

With --validate every record of the journal and of its rotated archives
is checked; compressed archives are unpacked to a temporary directory.
The command fails when any file is invalid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runStatus(commandContext(cmd), cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "dump every journal record")
	cmd.Flags().BoolVar(&opts.Validate, "validate", false, "validate the journal and its archives")

	return cmd
}

type statusOptions struct {
	Dump     bool
	Validate bool
}

func runStatus(ctx context.Context, w io.Writer, cfg *Config, opts statusOptions) error {
	fmt.Fprintf(w, "Config: %s\n", configFile)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_ = enc.Close()

	fmt.Fprintln(w, "\nSession store:")
	switch cfg.Session.Backend {
	case "sqlite":
		if _, err := os.Stat(cfg.Session.SQLitePath); err != nil {
			fmt.Fprintf(w, "  %s: not found\n", cfg.Session.SQLitePath)
			break
		}
		store, err := sqlite.NewStore(cfg.Session.SQLitePath, cfg.Session.Name)
		if err != nil {
			return err
		}
		defer store.Close()
		infos, err := store.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Fprintf(w, "  %s: %d fits (%d fitted), histogram %q, saved %s\n",
				info.Name, info.Fits, info.Fitted, info.Histogram, info.SavedAt.Format(time.RFC3339))
		}
	default:
		m := snapshot.NewManager(cfg.Session.SnapshotPath, snapshot.WithBackups(cfg.Session.KeepBackups))
		if backups, err := m.Backups(); err == nil && len(backups) > 0 {
			fmt.Fprintf(w, "  %d backups, newest %s\n", len(backups), backups[len(backups)-1])
		}
		if !m.Exists() {
			fmt.Fprintf(w, "  %s: not found\n", m.GetPath())
			break
		}
		data, err := m.Load()
		if err != nil {
			fmt.Fprintf(w, "  %s: %v\n", m.GetPath(), err)
			break
		}
		fmt.Fprintf(w, "  %s: %d fits, histogram %q, journal seq %d\n",
			m.GetPath(), len(data.Fits), data.Histogram, data.LastSeq)
	}

	fmt.Fprintln(w, "\nJournal:")
	if _, err := os.Stat(cfg.Session.JournalPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "  %s: not found\n", cfg.Session.JournalPath)
		return nil
	}
	stats, err := journal.GetStats(cfg.Session.JournalPath)
	if err != nil {
		fmt.Fprintf(w, "  %s: %v\n", cfg.Session.JournalPath, err)
		return nil
	}
	fmt.Fprintf(w, "  %s: %d records, seq %d..%d\n",
		cfg.Session.JournalPath, stats.TotalRecords, stats.FirstSeq, stats.LastSeq)
	for _, typ := range []journal.RecordType{journal.RecordCreate, journal.RecordUpdate, journal.RecordRemove, journal.RecordClear, journal.RecordSelect} {
		if n := stats.RecordTypes[typ]; n > 0 {
			fmt.Fprintf(w, "    %-6s %d\n", typ, n)
		}
	}
	if opts.Dump {
		if err := journal.Dump(cfg.Session.JournalPath, w); err != nil {
			return err
		}
	}
	if opts.Validate {
		return validateJournals(w, cfg.Session.JournalPath)
	}
	return nil
}

// validateJournals checks the journal and every rotated archive next to it.
func validateJournals(w io.Writer, path string) error {
	archives, err := filepath.Glob(path + ".*")
	if err != nil {
		return fmt.Errorf("failed to list journal archives: %w", err)
	}
	sort.Strings(archives)

	tmp, err := os.MkdirTemp("", "specfit-validate-")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	fmt.Fprintln(w, "\nValidation:")
	bad := 0
	for _, file := range append([]string{path}, archives...) {
		plain := file
		if strings.HasSuffix(file, ".gz") {
			plain = filepath.Join(tmp, filepath.Base(strings.TrimSuffix(file, ".gz")))
			if err := journal.DecompressArchive(file, plain); err != nil {
				fmt.Fprintf(w, "  %s: %v\n", file, err)
				bad++
				continue
			}
		}
		if err := journal.Validate(plain); err != nil {
			fmt.Fprintf(w, "  %s: %v\n", file, err)
			bad++
			continue
		}
		n, err := journal.CountRecords(plain)
		if err != nil {
			fmt.Fprintf(w, "  %s: %v\n", file, err)
			bad++
			continue
		}
		fmt.Fprintf(w, "  %s: ok, %d records\n", file, n)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d journal files failed validation", bad, len(archives)+1)
	}
	return nil
}
