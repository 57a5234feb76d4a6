package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coverdesk/policy-cli/internal/dispatch"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Ask a question about a policy",
	Long: `Sends one message to the policy assistant. Both the question and the reply
are stored in the conversation, so follow-up questions with --conversation
keep their context.

Examples:
  chat --policy 42 --user u1 "What does my deductible cover?"
  chat --conversation c7 --user u1 "And outside the EU?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.String("policy", "", "policy the conversation is about")
	f.String("conversation", "", "existing conversation ID to continue")
	f.String("user", "", "acting user ID")

	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policyID, _ := cmd.Flags().GetString("policy")
	conversationID, _ := cmd.Flags().GetString("conversation")
	userID, _ := cmd.Flags().GetString("user")
	message := strings.Join(args, " ")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := oracleClient()
	if err != nil {
		return err
	}

	d := dispatch.New(client, st, cfg.Oracle)
	outcome, err := d.Dispatch(ctx, dispatch.Task{
		Type: dispatch.TaskChat,
		Data: map[string]any{
			"message":         message,
			"conversation_id": conversationID,
			"policy_id":       policyID,
			"user_id":         userID,
		},
	})
	if err != nil {
		fmt.Println(friendlyError(err))
		return err
	}

	fmt.Println(outcome.Content)
	if conversationID == "" {
		fmt.Printf("\n(conversation %s; pass --conversation %s to continue)\n",
			outcome.ConversationID, outcome.ConversationID)
	}
	return nil
}
