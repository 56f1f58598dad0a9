package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	velora "github.com/velora-app/velora/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// msg history
	msgHistoryTail int

	// msg watch
	msgWatchMarkRead bool
)

// ============================================================================
// Root msg command
// ============================================================================

var msgCmd = &cobra.Command{
	Use:   "msg",
	Short: "Messaging commands",
	Long:  "Interact with Velora messaging: list conversations, send messages, and watch realtime feeds.",
}

// ============================================================================
// msg conversations
// ============================================================================

var msgConversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Messaging().ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			name := "(unknown user)"
			if c.OtherUser != nil {
				name = c.OtherUser.DisplayName
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			last := ""
			if c.LastMessage != nil {
				last = " — " + c.LastMessage.Content
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, name, unread, last)
		}
		return nil
	},
}

// ============================================================================
// msg open
// ============================================================================

var msgOpenCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Get or create a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Messaging().GetOrCreateConversation(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conv == nil {
			return fmt.Errorf("gateway rejected the conversation")
		}

		fmt.Printf("Conversation: %s\n", conv.ID)
		if conv.OtherUser != nil {
			fmt.Printf("  With: %s\n", conv.OtherUser.DisplayName)
		}
		return nil
	},
}

// ============================================================================
// msg history
// ============================================================================

var msgHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show message history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages := client.Messaging().ListMessages(ctx, conversationID)
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		if msgHistoryTail > 0 && len(messages) > msgHistoryTail {
			messages = messages[len(messages)-msgHistoryTail:]
		}

		for _, msg := range messages {
			read := " "
			if msg.IsRead {
				read = "✓"
			}
			fmt.Printf("[%s] %s %s: %s\n", msg.CreatedAt, read, msg.SenderID, msg.Content)
		}
		return nil
	},
}

// ============================================================================
// msg send
// ============================================================================

var msgSendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, content := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Messaging().GetOrCreateConversation(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conv == nil {
			return fmt.Errorf("gateway rejected the conversation")
		}

		msg, err := client.Messaging().Send(ctx, conv.ID, userID, content)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if msg == nil {
			return fmt.Errorf("message was not sent")
		}

		fmt.Printf("Message sent to conversation %s\n", conv.ID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// msg read
// ============================================================================

var msgReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Messaging().MarkConversationRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Conversation %s marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// msg delete
// ============================================================================

var msgDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !client.Messaging().DeleteConversation(ctx, conversationID) {
			return fmt.Errorf("delete failed")
		}

		fmt.Printf("Conversation %s deleted.\n", conversationID)
		return nil
	},
}

var msgDeleteMessageCmd = &cobra.Command{
	Use:   "delete-message <message-id>",
	Short: "Delete a single message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if !client.Messaging().DeleteMessage(ctx, messageID) {
			return fmt.Errorf("delete failed")
		}

		fmt.Printf("Message %s deleted.\n", messageID)
		return nil
	},
}

// ============================================================================
// msg watch
// ============================================================================

var msgWatchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream realtime messages",
	Long:  "Connect to the realtime channel and print incoming messages as they arrive.\nWith a conversation ID, watches that conversation; otherwise watches the session feed only.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		messaging := client.Messaging()

		messaging.SetMessageHandler(func(msg *velora.Message) {
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, msg.SenderID, msg.Content)
			if msgWatchMarkRead && msg.RecipientID == client.UserID() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				messaging.MarkConversationRead(ctx, msg.ConversationID)
			}
		})

		rt := client.Realtime(&velora.RealtimeConfig{AutoReconnect: true})
		messaging.AttachRealtime(rt)

		rt.OnDisconnected(func(code int, reason string) {
			fmt.Fprintf(os.Stderr, "disconnected: %s\n", reason)
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d, in %s)...\n", attempt, delay)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer rt.Disconnect()

		if err := messaging.SubscribeSession(ctx); err != nil {
			return fmt.Errorf("session subscribe failed: %w", err)
		}
		if len(args) == 1 {
			if err := messaging.WatchConversation(ctx, args[0]); err != nil {
				return fmt.Errorf("watch failed: %w", err)
			}
			defer messaging.UnwatchAll(context.Background())
		}

		fmt.Println("Watching for messages. Press Ctrl-C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	msgHistoryCmd.Flags().IntVarP(&msgHistoryTail, "limit", "n", 0, "Show only the last N messages")
	msgWatchCmd.Flags().BoolVar(&msgWatchMarkRead, "mark-read", false, "Mark incoming messages as read automatically")

	msgCmd.AddCommand(msgConversationsCmd)
	msgCmd.AddCommand(msgOpenCmd)
	msgCmd.AddCommand(msgHistoryCmd)
	msgCmd.AddCommand(msgSendCmd)
	msgCmd.AddCommand(msgReadCmd)
	msgCmd.AddCommand(msgDeleteCmd)
	msgCmd.AddCommand(msgDeleteMessageCmd)
	msgCmd.AddCommand(msgWatchCmd)

	rootCmd.AddCommand(msgCmd)
}
