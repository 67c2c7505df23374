package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalhearts/core/internal/domain/logs"
	"github.com/vitalhearts/core/internal/gateways/archive"
)

var (
	logSource  string
	logAt      string
	logFrom    string
	logTo      string
	logLimit   int
	logCursor  string
	logReadAll bool
)

var logsCMD = &cobra.Command{
	Use:   "logs",
	Short: "Append to and page through user logs",
}

var logsAppendCMD = &cobra.Command{
	Use:     "append <user> <type> <kind=amount>...",
	Short:   "Append an entry to a user's log",
	Example: "  vitalhearts logs append u1 dataEntry food=1 water=250",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := logs.Type(args[1])
		if err := typ.Validate(); err != nil {
			return err
		}
		subs, err := parseSubEntries(args[2:])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			at := time.Now()
			if logAt != "" {
				if at, err = time.Parse(time.RFC3339, logAt); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			if typ == logs.TypeStreak {
				first, err := a.appender.MarkPresence(cmd.Context(), args[0], at.In(a.loc))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"date": logs.DateKey(at.In(a.loc)), "recorded": first})
			}
			e, err := a.appender.Append(cmd.Context(), args[0], typ, at, logSource, subs...)
			if err != nil {
				return err
			}
			return printJSON(cmd, e)
		})
	},
}

var logsReadCMD = &cobra.Command{
	Use:   "read <user> <type>",
	Short: "Read one page (or all pages) of a user's log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := logs.Type(args[1])
		if err := typ.Validate(); err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			from, to, err := window(a.loc)
			if err != nil {
				return err
			}
			rng := typ.Span(from, to)
			if logReadAll {
				entries, err := a.reader.ReadAll(cmd.Context(), args[0], typ, rng)
				if err != nil {
					return err
				}
				return printJSON(cmd, entries)
			}
			page, err := a.reader.Read(cmd.Context(), args[0], typ, rng, logLimit, logCursor)
			if err != nil {
				return err
			}
			return printJSON(cmd, page)
		})
	},
}

var archiveCMD = &cobra.Command{
	Use:   "archive <user> <type>",
	Short: "Export a user's log range to the archive bucket",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := logs.Type(args[1])
		if err := typ.Validate(); err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			from, to, err := window(a.loc)
			if err != nil {
				return err
			}
			exp, err := archive.New(cmd.Context(), cfg.Archive, a.reader)
			if err != nil {
				return err
			}
			obj, err := exp.Export(cmd.Context(), args[0], typ, from, to)
			if err != nil {
				return err
			}
			return printJSON(cmd, obj)
		})
	},
}

func parseSubEntries(args []string) ([]logs.SubEntry, error) {
	subs := make([]logs.SubEntry, 0, len(args))
	for _, arg := range args {
		kind, amount, ok := strings.Cut(arg, "=")
		if !ok || kind == "" {
			return nil, fmt.Errorf("invalid sub-entry %q, want kind=amount", arg)
		}
		n, err := strconv.ParseInt(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount in %q: %w", arg, err)
		}
		subs = append(subs, logs.SubEntry{Kind: kind, Amount: n})
	}
	return subs, nil
}

// window resolves --from/--to; the default is the last seven days.
func window(loc *time.Location) (time.Time, time.Time, error) {
	to, err := now(loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	from := to.AddDate(0, 0, -7)
	if logFrom != "" {
		if from, err = time.ParseInLocation(time.DateOnly, logFrom, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if logTo != "" {
		if to, err = time.ParseInLocation(time.DateOnly, logTo, loc); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = to.AddDate(0, 0, 1).Add(-time.Millisecond)
	}
	return from, to, nil
}

func init() {
	logsAppendCMD.Flags().StringVar(&logSource, "source", "cli", "producer recorded on the entry")
	logsAppendCMD.Flags().StringVar(&logAt, "at", "", "entry time (RFC3339), defaults to now")
	for _, c := range []*cobra.Command{logsReadCMD, archiveCMD} {
		c.Flags().StringVar(&logFrom, "from", "", "first day (YYYY-MM-DD)")
		c.Flags().StringVar(&logTo, "to", "", "last day (YYYY-MM-DD), inclusive")
	}
	logsReadCMD.Flags().IntVar(&logLimit, "limit", logs.DefaultPageSize, "page size")
	logsReadCMD.Flags().StringVar(&logCursor, "cursor", "", "continuation token from a previous page")
	logsReadCMD.Flags().BoolVar(&logReadAll, "all", false, "follow cursors to the end of the range")
	logsCMD.AddCommand(logsAppendCMD, logsReadCMD)
	rootCmd.AddCommand(logsCMD, archiveCMD)
}
