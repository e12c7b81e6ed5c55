package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/tasksync/internal/conflict"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve [conflict-id]",
	GroupID: "sync",
	Short:   "List or resolve conflicts",
	Long: `Without an id, list unresolved conflicts. With an id, resolve it:

  local   keep your version and overwrite the server copy
  remote  drop your change and keep the server copy
  merge   pick each conflicting field from one side (--take field=local)

Without --strategy you are asked interactively when running in a terminal.

Examples:
  tasksync resolve t-42 --strategy remote
  tasksync resolve t-42 --strategy merge --take status=local --take assignee=server`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategyName, _ := cmd.Flags().GetString("strategy")
		takes, _ := cmd.Flags().GetStringSlice("take")

		return withApp(func(ctx context.Context, a *app) error {
			if len(args) == 0 {
				return listConflicts(a)
			}

			var c *conflict.Conflict
			for _, cf := range a.engine.Conflicts() {
				if cf.ID == args[0] || cf.TaskID == args[0] {
					c = cf
					break
				}
			}
			if c == nil {
				return fmt.Errorf("no unresolved conflict %s", args[0])
			}

			strategy, picks, err := chooseResolution(c, strategyName, takes)
			if err != nil {
				return err
			}

			var res *conflict.Resolution
			if strategy == conflict.StrategyMerge {
				task := conflict.MergeFields(c, picks)
				res, err = a.engine.ResolveConflict(ctx, c.ID, strategy, &task)
			} else {
				res, err = a.engine.ResolveConflict(ctx, c.ID, strategy, nil)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(res)
			}
			state := "synced"
			if res.Queued {
				state = "queued for sync"
			}
			fmt.Printf("%s Resolved %s with %s (%s)\n", ui.RenderPass("✓"), ui.RenderBold(c.TaskID), strategy, state)
			return nil
		})
	},
}

func init() {
	resolveCmd.Flags().StringP("strategy", "s", "", "Resolution strategy (local, remote, merge)")
	resolveCmd.Flags().StringSlice("take", nil, "For merge: field=local or field=server (repeatable)")

	rootCmd.AddCommand(resolveCmd)
}

func listConflicts(a *app) error {
	list := a.engine.Conflicts()
	if jsonOutput {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println(ui.RenderPass("✓") + " No unresolved conflicts")
		return nil
	}
	for _, c := range list {
		fmt.Println(ui.ConflictView(c))
		fmt.Println()
	}
	fmt.Printf("Resolve with: tasksync resolve <id> --strategy local|remote|merge\n")
	return nil
}

// chooseResolution takes the strategy from flags, or asks when stdin is a
// terminal.
func chooseResolution(c *conflict.Conflict, name string, takes []string) (conflict.Strategy, map[string]conflict.Side, error) {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	if name == "" {
		if !interactive {
			return "", nil, fmt.Errorf("--strategy is required when not running in a terminal")
		}
		fmt.Println(ui.ConflictView(c))
		var choice conflict.Strategy
		err := huh.NewSelect[conflict.Strategy]().
			Title("How do you want to resolve this conflict?").
			Options(
				huh.NewOption("Keep my version (overwrite the server)", conflict.StrategyLocal),
				huh.NewOption("Keep the server version (drop my change)", conflict.StrategyRemote),
				huh.NewOption("Merge field by field", conflict.StrategyMerge),
			).
			Value(&choice).
			Run()
		if err != nil {
			return "", nil, fmt.Errorf("failed to read choice: %w", err)
		}
		name = string(choice)
	}

	strategy, err := conflict.ParseStrategy(name)
	if err != nil {
		return "", nil, err
	}
	if strategy != conflict.StrategyMerge {
		return strategy, nil, nil
	}

	picks, err := parseTakes(takes)
	if err != nil {
		return "", nil, err
	}
	if len(picks) == 0 && interactive {
		if picks, err = askPicks(c); err != nil {
			return "", nil, err
		}
	}
	return strategy, picks, nil
}

// parseTakes reads field=local|server pairs.
func parseTakes(takes []string) (map[string]conflict.Side, error) {
	picks := make(map[string]conflict.Side, len(takes))
	for _, t := range takes {
		field, side, ok := strings.Cut(t, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --take %q (want field=local or field=server)", t)
		}
		switch s := conflict.Side(strings.ToLower(side)); s {
		case conflict.SideLocal, conflict.SideServer:
			picks[field] = s
		default:
			return nil, fmt.Errorf("invalid side %q in --take %q", side, t)
		}
	}
	return picks, nil
}

func askPicks(c *conflict.Conflict) (map[string]conflict.Side, error) {
	picks := make(map[string]conflict.Side, len(c.Fields))
	sides := make([]conflict.Side, len(c.Fields))

	fields := make([]huh.Field, 0, len(c.Fields))
	for i, f := range c.Fields {
		sides[i] = conflict.SideServer
		fields = append(fields, huh.NewSelect[conflict.Side]().
			Title(f.Field).
			Options(
				huh.NewOption(fmt.Sprintf("mine: %v", f.LocalValue), conflict.SideLocal),
				huh.NewOption(fmt.Sprintf("server: %v", f.ServerValue), conflict.SideServer),
			).
			Value(&sides[i]))
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return nil, fmt.Errorf("failed to read field choices: %w", err)
	}
	for i, f := range c.Fields {
		picks[f.Field] = sides[i]
	}
	return picks, nil
}
