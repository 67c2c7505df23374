package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vitalhearts/core/internal/domain/missions"
	"github.com/vitalhearts/core/internal/domain/progress"
	"github.com/vitalhearts/core/internal/domain/rewards"
)

var missionWindow string

var missionCMD = &cobra.Command{
	Use:   "mission",
	Short: "Assign, inspect and complete daily and weekly missions",
}

var missionAssignCMD = &cobra.Command{
	Use:   "assign <user>",
	Short: "Create the current period's mission from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := missions.ParseWindow(missionWindow)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			at, err := now(a.loc)
			if err != nil {
				return err
			}
			m, err := a.missions.Assign(cmd.Context(), args[0], w, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		})
	},
}

var missionStatusCMD = &cobra.Command{
	Use:   "status <user>",
	Short: "Measure progress of every task in the current mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := missions.ParseWindow(missionWindow)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			at, err := now(a.loc)
			if err != nil {
				return err
			}
			st, err := a.missions.Status(cmd.Context(), args[0], w, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		})
	},
}

var missionCompleteCMD = &cobra.Command{
	Use:   "complete <user> <taskType>",
	Short: "Complete a task and grant its reward",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := missions.ParseWindow(missionWindow)
		if err != nil {
			return err
		}
		taskType, err := progress.ParseTaskType(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			at, err := now(a.loc)
			if err != nil {
				return err
			}
			res, err := a.missions.CompleteTask(cmd.Context(), args[0], w, taskType, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var catalogCMD = &cobra.Command{
	Use:   "catalog",
	Short: "Manage mission task templates",
}

var catalogSetCMD = &cobra.Command{
	Use:   "set <day|week> <taskType:target[:reward]>...",
	Short: "Replace the task templates of a window",
	Example: "  vitalhearts catalog set day foodEntry:3:tenHearts waterIntake:2000:twoHearts\n" +
		"  vitalhearts catalog set week loggingDays:5:external:coupon-weekly",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := missions.ParseWindow(args[0])
		if err != nil {
			return err
		}
		templates := make([]missions.Template, 0, len(args)-1)
		for _, arg := range args[1:] {
			t, err := parseTemplate(arg)
			if err != nil {
				return err
			}
			templates = append(templates, t)
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.catalog.Set(cmd.Context(), w, templates); err != nil {
				return err
			}
			return printJSON(cmd, templates)
		})
	},
}

var catalogShowCMD = &cobra.Command{
	Use:   "show <day|week>",
	Short: "Print the task templates of a window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := missions.ParseWindow(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			templates, err := a.catalog.Templates(cmd.Context(), w)
			if err != nil {
				return err
			}
			return printJSON(cmd, templates)
		})
	},
}

// parseTemplate reads taskType:target[:reward]. The reward part may itself
// contain a colon (external:code).
func parseTemplate(s string) (missions.Template, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return missions.Template{}, fmt.Errorf("invalid template %q, want taskType:target[:reward]", s)
	}
	taskType, err := progress.ParseTaskType(parts[0])
	if err != nil {
		return missions.Template{}, err
	}
	target, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return missions.Template{}, fmt.Errorf("invalid target in %q: %w", s, err)
	}
	t := missions.Template{TaskType: taskType, TargetAmount: target}
	if len(parts) == 3 {
		if t.Reward, err = rewards.Parse(parts[2]); err != nil {
			return missions.Template{}, err
		}
	}
	return t, nil
}

func init() {
	missionCMD.PersistentFlags().StringVarP(&missionWindow, "window", "w", string(missions.WindowDay), "day or week")
	missionCMD.AddCommand(missionAssignCMD, missionStatusCMD, missionCompleteCMD)
	catalogCMD.AddCommand(catalogSetCMD, catalogShowCMD)
	rootCmd.AddCommand(missionCMD, catalogCMD)
}
