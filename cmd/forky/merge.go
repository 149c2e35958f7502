package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ishandhanani/forky/internal/conversation"
	"github.com/ishandhanani/forky/internal/storage/sqlite"
)

func newEligibilityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "eligibility <a> <b>",
		Short: "Check whether two branches or nodes can be merged",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := a.loadTree(cmd.Context(), false)
			if err != nil {
				return err
			}
			e, err := tree.CheckEligibility(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mergeable: common ancestor %s, %d and %d messages since\n",
				describeNode(e.LCA), e.DistanceA, e.DistanceB)
			return nil
		},
	}
}

func newMergeCmd(a *app) *cobra.Command {
	var strategy, prompt string
	cmd := &cobra.Command{
		Use:   "merge <branch|node-id>",
		Short: "Merge a branch or node into the current node",
		Long: `Merge summarizes the common ancestor and both branches, diffs each branch
against the ancestor, merges the diffs and streams the model's continuation.
Nothing is saved unless every step succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var opts conversation.MergeOptions
			if strategy != "" {
				s, err := conversation.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				opts.Strategy = s
			}
			opts.Prompt = prompt

			tree, err := a.loadTree(ctx, false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			opts.OnChunk = streamTo(out)

			outcome, err := tree.MergeBranches(ctx, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			if err := a.saveTree(ctx, tree); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nMerged %s into the current branch at %s (base %s, %d and %d messages since)\n",
				args[0], short(outcome.MergeNode.ID), short(outcome.LCA.ID), outcome.DistanceA, outcome.DistanceB)
			if n := len(outcome.Result.Conflicts); n > 0 {
				fmt.Fprintf(out, "%d unresolved conflict(s):\n", n)
				for _, c := range outcome.Result.Conflicts {
					fmt.Fprintf(out, "  - %s: A %s, B %s\n", c.Topic, c.AChange, c.BChange)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "Merge strategy: llm or simple (default from config)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt sent after the merge node")
	return cmd
}

func newBackupCmd(a *app) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the SQLite store to a verified backup file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, ok := a.store.(*sqlite.Store)
			if !ok {
				return fmt.Errorf("backup requires the sqlite storage engine, not %q", a.cfg.Storage.Engine)
			}
			if dest == "" {
				dest = filepath.Join(a.cfg.Storage.DataPath, "backups",
					fmt.Sprintf("forky-%s.db", time.Now().UTC().Format("20060102-150405")))
			}
			if err := ensureDir(filepath.Dir(dest)); err != nil {
				return err
			}
			if err := s.Backup(cmd.Context(), dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "output", "o", "", "Backup file path (default: <data_path>/backups/forky-<timestamp>.db)")
	return cmd
}
