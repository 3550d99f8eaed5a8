package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// buildTickCmd creates the "tick" command: forces an immediate session tick
// enqueue for a conversation without waiting for the tick driver's poll
// interval, useful when debugging a stuck session.
func buildTickCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:     "tick",
		Short:   "Force-enqueue a session tick for a conversation",
		Example: `  enginectl tick --conversation conv-1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if conversationID == "" {
				return fmt.Errorf("--conversation is required")
			}
			ctx := cmd.Context()
			e, err := buildEngine(ctx)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			defer e.rdb.Close()

			if err := e.ticks.Enqueue(ctx, "process_session_tick", map[string]string{"conversation_id": conversationID}); err != nil {
				return fmt.Errorf("enqueue tick: %w", err)
			}
			fmt.Printf("enqueued tick for %s\n", conversationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	return cmd
}

// buildBranchesCmd creates the "branches" command: lists every known branch
// for a (conversation, agent) pair, flagging the one currently checked out.
func buildBranchesCmd() *cobra.Command {
	var conversationID, agentID string

	cmd := &cobra.Command{
		Use:     "branches",
		Short:   "List an agent's interaction-stack branches",
		Example: `  enginectl branches --conversation conv-1 --agent assistant`,
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
			infos, err := st.GetBranchInfo(ctx)
			if err != nil {
				return fmt.Errorf("get branch info: %w", err)
			}
			for _, info := range infos {
				marker := " "
				if info.IsCurrent {
					marker = "*"
				}
				ts := time.Unix(int64(info.LastTS), 0).UTC().Format(time.RFC3339)
				fmt.Printf("%s %-10s len=%-6d last=%s\n", marker, info.BranchID, info.Length, ts)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	return cmd
}

// buildForkCmd creates the "fork" command: branches an agent's stack at a
// given index, leaving the source branch untouched.
func buildForkCmd() *cobra.Command {
	var conversationID, agentID string
	var index int64

	cmd := &cobra.Command{
		Use:     "fork",
		Short:   "Fork an agent's stack at an entry index into a new branch",
		Example: `  enginectl fork --conversation conv-1 --agent assistant --index 2`,
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
			branch, err := st.Fork(ctx, index)
			if err != nil {
				return fmt.Errorf("fork: %w", err)
			}
			fmt.Printf("forked %s/%s at index %d into branch %s\n", conversationID, agentID, index, branch)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().Int64Var(&index, "index", 0, "entry index to fork at (inclusive)")
	return cmd
}

// buildRewindCmd creates the "rewind" command: truncates the agent's
// currently checked-out branch back to a given index, in place.
func buildRewindCmd() *cobra.Command {
	var conversationID, agentID string
	var index int64

	cmd := &cobra.Command{
		Use:     "rewind",
		Short:   "Truncate the current branch back to an entry index",
		Example: `  enginectl rewind --conversation conv-1 --agent assistant --index 1`,
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
			if err := st.Rewind(ctx, index); err != nil {
				return fmt.Errorf("rewind: %w", err)
			}
			fmt.Printf("rewound %s/%s to index %d\n", conversationID, agentID, index)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().Int64Var(&index, "index", 0, "entry index to rewind to (inclusive)")
	return cmd
}
