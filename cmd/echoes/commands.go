package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/echoes/internal/config"
	"github.com/kalambet/echoes/internal/dayindex"
	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/filter"
	"github.com/kalambet/echoes/internal/narration"
	"github.com/kalambet/echoes/internal/session"
)

// --- day ---

var dayCmd = &cobra.Command{
	Use:   "day [YYYY-MM-DD]",
	Short: "Show the day of the year and the default filter for a date",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := time.Now()
		if len(args) == 1 {
			var err error
			if t, err = dayindex.Parse(args[0], time.Local); err != nil {
				return err
			}
		}
		writeDay(cmd.OutOrStdout(), t)
		return nil
	},
}

func writeDay(w io.Writer, t time.Time) {
	dc := dayindex.Compute(t)
	f := filter.Defaults(t)
	fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, dc.Formatted()), dc.FullDate)
	fmt.Fprintf(w, "%s filter: %s / %s\n", t.Weekday(), f.Era, f.Category)
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an echo in the terminal",
	Long: `Scan for events on a date, pick one and generate its echo.

Examples:
  echoes generate
  echoes generate --date 2026-03-01 --category science --pick 2 --save
  echoes generate --interactive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		author, _ := cmd.Flags().GetString("author")
		era, _ := cmd.Flags().GetString("era")
		category, _ := cmd.Flags().GetString("category")
		pick, _ := cmd.Flags().GetInt("pick")
		interactive, _ := cmd.Flags().GetBool("interactive")
		save, _ := cmd.Flags().GetBool("save")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, newLogger(cfg.Log.Level))
		if err != nil {
			return err
		}
		defer a.Close()

		if err := applyGenerateFlags(a.session, date, author, era, category); err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()

		printStep("Scanning %s...", a.session.DateContext().FullDate)
		cands, err := a.session.Scan(ctx, false)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			printWarning("No events found. Try a wider filter.")
			return nil
		}
		writeCandidates(out, cands)

		if interactive {
			if pick, err = promptPick(cmd.InOrStdin(), out, len(cands)); err != nil {
				return err
			}
		}
		if pick < 0 || pick >= len(cands) {
			return fmt.Errorf("--pick %d out of range (0-%d)", pick, len(cands)-1)
		}

		printStep("Weaving the echo of %q...", cands[pick].Title)
		result, err := a.session.Select(ctx, pick, "")
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		writeCard(out, result)

		if save {
			entry, err := a.session.Save()
			if err != nil {
				return err
			}
			printSuccess("Saved as %s", entry.ID)
		}
		return nil
	},
}

func applyGenerateFlags(s *session.Session, date, author, era, category string) error {
	if date != "" {
		if _, err := s.SetDate(date); err != nil {
			return err
		}
	}
	if author != "" {
		if err := s.SetAuthor(author); err != nil {
			return err
		}
	}
	if era != "" {
		e, err := echo.ParseEra(era)
		if err != nil {
			return err
		}
		s.SetEra(e)
	}
	if category != "" {
		c, err := echo.ParseCategory(category)
		if err != nil {
			return err
		}
		s.SetCategory(c)
	}
	return nil
}

func promptPick(in io.Reader, out io.Writer, n int) (int, error) {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "Pick an event [0-%d]: ", n-1)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("no event picked")
		}
		var i int
		if _, err := fmt.Sscanf(strings.TrimSpace(sc.Text()), "%d", &i); err == nil && i >= 0 && i < n {
			return i, nil
		}
		printWarning("Enter a number between 0 and %d", n-1)
	}
}

func init() {
	generateCmd.Flags().String("date", "", "target date YYYY-MM-DD (default today)")
	generateCmd.Flags().String("author", "", "name to sign the echo with (saved for next time)")
	generateCmd.Flags().String("era", "", "era filter (default: weekday rotation)")
	generateCmd.Flags().String("category", "", "category filter (default: weekday rotation)")
	generateCmd.Flags().Int("pick", 0, "index of the event to use")
	generateCmd.Flags().BoolP("interactive", "i", false, "choose the event at a prompt")
	generateCmd.Flags().Bool("save", false, "save the echo to history")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse and manage saved echoes",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved echoes, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(arc *archive) error {
			entries := arc.history.List()
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No saved echoes.")
				return nil
			}
			writeHistory(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

func writeHistory(w io.Writer, entries []echo.HistoryEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			colorize(colorCyan, e.ID),
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			e.DateLabel,
			e.Title,
		)
	}
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a saved echo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withArchive(func(arc *archive) error {
			r, err := arc.history.Load(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			writeCard(cmd.OutOrStdout(), r)
			return nil
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete saved echoes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(arc *archive) error {
			for _, id := range args {
				if err := arc.history.Delete(id); err != nil {
					return err
				}
				printSuccess("Deleted %s", id)
			}
			return nil
		})
	},
}

var historyReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Drop entries whose content is missing and remove orphaned content",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(arc *archive) error {
			dropped, removed, err := arc.history.Reconcile()
			if err != nil {
				return err
			}
			printSuccess("Dropped %d entries, removed %d orphaned items", dropped, removed)
			return nil
		})
	},
}

func withArchive(fn func(*archive) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	arc, err := openArchive(cfg, newLogger(cfg.Log.Level))
	if err != nil {
		return err
	}
	defer arc.Close()
	return fn(arc)
}

func init() {
	historyShowCmd.Flags().Bool("json", false, "print the stored echo as JSON")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyReconcileCmd)
}

// --- narrate ---

var narrateCmd = &cobra.Command{
	Use:   "narrate <history-id>",
	Short: "Read a saved echo aloud into a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = args[0] + ".wav"
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, newLogger(cfg.Log.Level))
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.history.Load(args[0])
		if err != nil {
			return err
		}

		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		printStep("Narrating %q...", r.Title())
		if err := a.narrator.Narrate(ctx, narration.Text(r), f); err != nil {
			f.Close()
			os.Remove(out)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		printSuccess("Narration written to %s", out)
		return nil
	},
}

func init() {
	narrateCmd.Flags().StringP("out", "o", "", "output WAV path (default <history-id>.wav)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key [api-key]",
	Short: "Store the Gemini API key (read from stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			fmt.Fprint(os.Stderr, "Gemini API key: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			key = line
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("empty API key")
		}
		if err := config.SetAPIKey(key); err != nil {
			return fmt.Errorf("storing API key: %w", err)
		}
		printSuccess("Gemini API key stored")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetKeyCmd)
}
