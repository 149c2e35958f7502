package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/pkg/types"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "forky",
		Short: "Branching conversations with semantic merge",
		Long: `forky keeps an LLM conversation as a DAG. Fork at any message, explore
alternatives on separate branches, and merge branches back together with a
three-way merge of their summarized state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML config file (env vars still win)")
	root.PersistentFlags().StringVarP(&a.conversation, "conversation", "c", "default", "Conversation to operate on")

	root.AddCommand(
		newNewCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newChatCmd(a),
		newAddCmd(a),
		newForkCmd(a),
		newCheckoutCmd(a),
		newHeadCmd(a),
		newHistoryCmd(a),
		newTreeCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newEligibilityCmd(a),
		newMergeCmd(a),
		newBackupCmd(a),
	)
	return root
}

func newNewCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !force {
				exists, err := a.exists(ctx)
				if err != nil {
					return err
				}
				if exists {
					return fmt.Errorf("conversation %q already exists (use --force to replace it)", a.conversation)
				}
			}
			tree, err := a.newTree()
			if err != nil {
				return err
			}
			if err := a.saveTree(ctx, tree); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created conversation %s (root %s)\n", a.conversation, short(tree.Current().ID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing conversation")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(out, "No conversations.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tNODES\tUPDATED")
			for _, info := range infos {
				marker := ""
				if info.ID == a.conversation {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", marker, info.ID, info.NodeCount,
					info.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the selected conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.Delete(cmd.Context(), a.conversation); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", a.conversation)
			return nil
		},
	}
}

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message at the current node and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tree, err := a.loadTree(ctx, true)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := tree.Chat(ctx, strings.Join(args, " "), streamTo(out)); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return a.saveTree(ctx, tree)
		},
	}
}

func newAddCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add <user|assistant|system> <content>",
		Short: "Append a message without calling the model",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			role := types.Role(strings.ToLower(args[0]))
			if !types.IsValidRole(role) {
				return fmt.Errorf("invalid role %q", args[0])
			}
			tree, err := a.loadTree(ctx, true)
			if err != nil {
				return err
			}
			n, err := tree.AddMessage(strings.Join(args[1:], " "), role)
			if err != nil {
				return err
			}
			if err := a.saveTree(ctx, tree); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s %s\n", role, short(n.ID))
			return nil
		},
	}
}

func newForkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fork [name]",
		Short: "Open a branch at the current node",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tree, err := a.loadTree(ctx, true)
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			n, err := tree.Fork(name)
			if err != nil {
				return err
			}
			if err := a.saveTree(ctx, tree); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forked branch %s at %s\n", n.BranchName, short(n.ID))
			return nil
		},
	}
}

func newCheckoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <branch|node-id>",
		Short: "Move the current node to a branch head or a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tree, err := a.loadTree(ctx, false)
			if err != nil {
				return err
			}
			n, err := tree.Checkout(args[0])
			if err != nil {
				return err
			}
			if err := a.saveTree(ctx, tree); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked out %s\n", describeNode(n))
			return nil
		},
	}
}

func newHeadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "head <branch>",
		Short: "Show the newest node on a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := a.loadTree(cmd.Context(), false)
			if err != nil {
				return err
			}
			n, err := tree.Graph().FindBranchHead(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeNode(n))
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation leading to the current node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tree, err := a.loadTree(cmd.Context(), false)
			if err != nil {
				return err
			}
			history := tree.History()
			if len(history) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages yet.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), llm.FormatConversation(history))
			return nil
		},
	}
}

func newTreeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Draw the conversation graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tree, err := a.loadTree(cmd.Context(), false)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tree.Graph().Render())
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file|->",
		Short: "Write the conversation record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.store.Load(cmd.Context(), a.conversation)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			data = append(data, '\n')
			if args[0] == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s (%d nodes) to %s\n", a.conversation, len(rec.Nodes), args[0])
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Load a conversation record from JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var rec graph.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to parse record: %w", err)
			}

			if !force {
				exists, err := a.exists(ctx)
				if err != nil {
					return err
				}
				if exists {
					return fmt.Errorf("conversation %q already exists (use --force to replace it)", a.conversation)
				}
			}
			tree, err := a.newTree()
			if err != nil {
				return err
			}
			if err := tree.Load(&rec); err != nil {
				return err
			}
			if err := a.saveTree(ctx, tree); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%d nodes)\n", a.conversation, tree.Graph().Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing conversation")
	return cmd
}

// streamTo writes streamed chunks straight to out.
func streamTo(out io.Writer) llm.ChunkFunc {
	return func(chunk string) error {
		_, err := io.WriteString(out, chunk)
		return err
	}
}

func describeNode(n *graph.Node) string {
	label := n.Content
	if n.BranchName != "" {
		label = "branch " + n.BranchName
	}
	if r := []rune(label); len(r) > 60 {
		label = string(r[:57]) + "..."
	}
	label = strings.ReplaceAll(label, "\n", " ")
	return fmt.Sprintf("%s [%s] %s", short(n.ID), n.Role, label)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
