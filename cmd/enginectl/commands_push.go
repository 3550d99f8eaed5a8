package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p2engine/convorch/internal/state"
)

// buildPushCmd creates the "push" command: appends a user message onto a
// conversation/agent's interaction stack and enqueues a tick so the tick
// driver picks it up on its next pass.
func buildPushCmd() *cobra.Command {
	var conversationID, agentID, text string

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a user message onto an agent's stack and enqueue a tick",
		Example: `  enginectl push --conversation conv-1 --agent assistant --text "hello"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if conversationID == "" || agentID == "" {
				return fmt.Errorf("--conversation and --agent are required")
			}
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			defer e.rdb.Close()

			st := e.stackFor(ctx, conversationID, agentID)
			if err := st.Push(ctx, state.UserMessageState{Text: text}); err != nil {
				return fmt.Errorf("push message: %w", err)
			}
			if err := e.ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": conversationID}); err != nil {
				return fmt.Errorf("enqueue tick: %w", err)
			}
			fmt.Printf("pushed message and enqueued tick for %s/%s\n", conversationID, agentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	return cmd
}
