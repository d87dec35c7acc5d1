package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/msageha/cascadeview/internal/prefs"
)

var prefsRecentLimit int

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change display preferences",
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preferences, including defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrefs(cmd, func(ctx context.Context, s *prefs.Store) error {
			list, err := s.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range list {
				source := p.UpdatedAt.Local().Format("2006-01-02 15:04")
				if p.Default {
					source = "default"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Key, p.Value, source)
			}
			return tw.Flush()
		})
	},
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one preference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrefs(cmd, func(ctx context.Context, s *prefs.Store) error {
			v, err := s.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one preference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrefs(cmd, func(ctx context.Context, s *prefs.Store) error {
			return s.Set(ctx, args[0], args[1])
		})
	},
}

var prefsUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore one preference to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrefs(cmd, func(ctx context.Context, s *prefs.Store) error {
			return s.Delete(ctx, args[0])
		})
	},
}

var prefsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently opened cascades",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPrefs(cmd, func(ctx context.Context, s *prefs.Store) error {
			docs, err := s.Recent(ctx, prefsRecentLimit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.OpenedAt.Local().Format("2006-01-02 15:04"), d.CascadeID, d.Path)
			}
			return tw.Flush()
		})
	},
}

func init() {
	prefsRecentCmd.Flags().IntVarP(&prefsRecentLimit, "limit", "n", 10, "Maximum entries")
	prefsCmd.AddCommand(prefsListCmd, prefsGetCmd, prefsSetCmd, prefsUnsetCmd, prefsRecentCmd)
	rootCmd.AddCommand(prefsCmd)
}

func withPrefs(cmd *cobra.Command, fn func(ctx context.Context, s *prefs.Store) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := prefs.Open(ctx, e.path(e.cfg.Prefs.DBPath))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// touchRecent remembers an opened cascade. Failures only get logged.
func touchRecent(ctx context.Context, e *env, path, cascadeID string) {
	s, err := prefs.Open(ctx, e.path(e.cfg.Prefs.DBPath))
	if err != nil {
		e.logger.Debugf("prefs unavailable: %v", err)
		return
	}
	defer s.Close()
	if err := s.TouchRecent(ctx, path, cascadeID); err != nil {
		e.logger.Warnf("record recent cascade: %v", err)
	}
}
