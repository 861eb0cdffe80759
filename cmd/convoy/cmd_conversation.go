package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/convoy/internal/gateway"
	"github.com/user/convoy/internal/types"
)

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(conversationListCmd, conversationShowCmd, conversationCompactCmd)
	conversationCompactCmd.Flags().IntVar(&compactKeep, "keep", 0, "checkpoints to keep per conversation (default store.keep_checkpoints)")
}

var compactKeep int

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Inspect stored conversations",
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		list, err := st.conversations.List(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tVERSION\tUPDATED\tSUBJECT")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				c.ID,
				c.Owner.Key(),
				c.LatestCheckpoint,
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
				c.Subject,
			)
		}
		return w.Flush()
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.ConversationID(args[0])
		if !types.ValidConversationID(id) {
			return fmt.Errorf("invalid conversation ID: %s", args[0])
		}
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.close()

		ctx := context.Background()
		conv, err := st.conversations.Get(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("conversation not found: %s", args[0])
		}
		if err != nil {
			return err
		}
		msgs, err := st.checkpoints.ListMessages(ctx, id)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("list messages: %w", err)
		}

		fmt.Printf("%s  %s  (version %d)\n\n", conv.ID, conv.Subject, conv.LatestCheckpoint)
		for _, m := range msgs {
			label := string(m.Role)
			if m.Role == types.RoleTool {
				label = "tool:" + m.ToolName
			}
			text := m.Text
			if text == "" {
				text = m.ToolResult
			}
			fmt.Printf("[%s] %s\n%s\n\n", m.CreatedAt.Format("15:04:05"), label, strings.TrimSpace(text))
		}
		return nil
	},
}

var conversationCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Prune old checkpoints, keeping the newest per conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		keep := compactKeep
		if keep <= 0 {
			keep = cfg.Store.KeepCheckpoints
		}
		if keep <= 0 {
			return errors.New("keep must be positive")
		}
		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.close()

		gw := gateway.New(st.conversations, st.checkpoints, nil)
		removed, err := gw.Compact(context.Background(), keep)
		if err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Removed %d checkpoints (keeping %d per conversation).\n", removed, keep)
		return nil
	},
}
