package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vitalhearts/core/internal/domain/counters"
	"github.com/vitalhearts/core/internal/domain/leaderboard"
)

var (
	scoreMode      string
	scoreIncrement bool
	lowerIsBetter  bool
	standingsLimit int
)

var scoreCMD = &cobra.Command{
	Use:   "score",
	Short: "Submit game scores and read standings",
}

var scoreSubmitCMD = &cobra.Command{
	Use:   "submit <game> <user> <score>",
	Short: "Submit a score (improve-only by default)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseAmount(args[2])
		if err != nil {
			return err
		}
		mode, err := leaderboard.ParseMode(scoreMode)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			if scoreIncrement {
				entry, err := a.board.IncrementScore(cmd.Context(), args[0], args[1], value)
				if err != nil {
					return err
				}
				return printJSON(cmd, leaderboard.ScoreResult{Entry: entry, Applied: true})
			}
			res, err := a.board.SubmitScore(cmd.Context(), args[0], args[1], value, mode)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var scoreStandingsCMD = &cobra.Command{
	Use:   "standings <game>",
	Short: "Rank every player of a game",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		order := counters.Ascending
		if lowerIsBetter {
			order = counters.Descending
		}
		return withApp(cmd.Context(), func(a *app) error {
			standings, err := a.board.Standings(cmd.Context(), args[0], order, standingsLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, standings)
		})
	},
}

var streakCMD = &cobra.Command{
	Use:   "streak",
	Short: "Record visits and read streaks",
}

var streakBumpCMD = &cobra.Command{
	Use:   "bump <user>",
	Short: "Record today's visit and advance the streak",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			today, err := now(a.loc)
			if err != nil {
				return err
			}
			res, err := a.board.BumpStreak(cmd.Context(), args[0], today)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var streakShowCMD = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's current streak",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			n, err := a.board.Streak(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"user": args[0], "streak": n})
		})
	},
}

func init() {
	scoreSubmitCMD.Flags().StringVar(&scoreMode, "mode", string(leaderboard.ModeImproveOnly), "improveOnly or force")
	scoreSubmitCMD.Flags().BoolVar(&scoreIncrement, "increment", false, "add the value to the stored score instead")
	scoreStandingsCMD.Flags().BoolVar(&lowerIsBetter, "lower-is-better", false, "rank lower scores first")
	scoreStandingsCMD.Flags().IntVar(&standingsLimit, "limit", 10, "number of ranks to print, 0 for all")
	scoreCMD.AddCommand(scoreSubmitCMD, scoreStandingsCMD)
	streakCMD.AddCommand(streakBumpCMD, streakShowCMD)
	rootCmd.AddCommand(scoreCMD, streakCMD)
}
