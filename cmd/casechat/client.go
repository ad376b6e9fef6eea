package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	"github.com/hrygo/casechat/client"
	"github.com/hrygo/casechat/plugin/chatstream"
	"github.com/hrygo/casechat/server/auth"
	"github.com/hrygo/casechat/server/notify"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user",
	Long: `Issue an access token signed with the server secret (--secret or CASECHAT_SECRET).
Export it as CASECHAT_TOKEN for the other client commands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = viper.GetString("secret")
		}
		if secret == "" {
			secret = "casechat-" + viper.GetString("mode")
		}
		if userID == "" {
			return errors.New("--user is required")
		}
		if name == "" {
			name = userID
		}
		token, err := auth.GenerateAccessToken(userID, name, time.Now().Add(ttl), []byte(secret))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		conversations, err := newAPIClient().ListConversations(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
		for _, c := range conversations {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, time.Unix(c.UpdatedTs, 0).Format(time.DateTime))
		}
		return w.Flush()
	},
}

var conversationsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Start a conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := ""
		if len(args) == 1 {
			title = args[0]
		}
		conversation, err := newAPIClient().CreateConversation(cmd.Context(), title)
		if err != nil {
			return err
		}
		fmt.Println(conversation.ID)
		return nil
	},
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := newAPIClient().RenameConversation(cmd.Context(), args[0], args[1])
		return err
	},
}

var conversationsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newAPIClient().DeleteConversation(cmd.Context(), args[0])
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in a conversation",
	Long: `Start an interactive session in a conversation. Replies stream in as they
are generated. Without --conversation a new conversation is created.

Type 'exit' or 'quit' to end the session.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		api := newAPIClient()
		conversationID, _ := cmd.Flags().GetString("conversation")
		if conversationID == "" {
			conversation, err := api.CreateConversation(ctx, "")
			if err != nil {
				return err
			}
			conversationID = conversation.ID
		}

		view := client.NewConversationView(api, conversationID)
		if err := view.Load(ctx); err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold)
		dim := color.New(color.FgHiBlack)
		green := color.New(color.FgGreen)

		fmt.Fprintln(os.Stderr)
		cyan.Fprintln(os.Stderr, "  casechat")
		dim.Fprintf(os.Stderr, "  Conversation %s. Type 'exit' to quit.\n\n", conversationID)
		for _, m := range view.Snapshot().Messages {
			printMessage(m)
		}

		r := &replyRenderer{spinner: newWaitSpinner("Thinking...")}
		unsubscribe := view.Subscribe(r.render)
		defer unsubscribe()

		go func() {
			err := api.Watch(ctx, conversationID, func(notice chatv1.Notice) {
				if notice.Type == notify.EventConversationDeleted {
					dim.Fprintf(os.Stderr, "\n  This conversation was deleted.\n")
					cancel()
					return
				}
				if err := view.HandleNotice(ctx, notice); err != nil && ctx.Err() == nil {
					dim.Fprintf(os.Stderr, "\n  Could not refresh messages: %v\n", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				dim.Fprintf(os.Stderr, "\n  Live updates stopped: %v\n", err)
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)
		for ctx.Err() == nil {
			green.Fprint(os.Stderr, "  you → ")
			if !scanner.Scan() {
				break
			}
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}
			if input == "exit" || input == "quit" {
				dim.Fprintf(os.Stderr, "\n  Bye.\n\n")
				break
			}

			r.begin()
			err := view.Submit(ctx, input)
			r.end()
			if err != nil {
				reason := err.Error()
				if failed := view.Snapshot().Failed; failed != nil {
					reason = failed.Reason
				}
				r.spinner.Fail(reason)
			}
			fmt.Fprintln(os.Stderr)
		}
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user ID to issue the token for")
	tokenCmd.Flags().String("name", "", "display name, defaults to the user ID")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("secret", "", "secret used to sign access tokens")

	chatCmd.Flags().String("conversation", "", "conversation ID to continue")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsNewCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	conversationsCmd.AddCommand(conversationsRemoveCmd)
}

func newAPIClient() *client.Client {
	return client.New(viper.GetString("server"), viper.GetString("token"))
}

func printMessage(m *chatv1.Message) {
	if m.Role == "assistant" {
		color.New(color.FgCyan).Fprint(os.Stderr, "  assistant → ")
	} else {
		color.New(color.FgGreen).Fprint(os.Stderr, "  you → ")
	}
	fmt.Fprintf(os.Stderr, "%s\n\n", m.Content)
}

// replyRenderer prints the live reply of the turn in flight as it grows.
type replyRenderer struct {
	mu      sync.Mutex
	spinner *waitSpinner
	active  bool
	printed int
}

func (r *replyRenderer) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.printed = 0
}

func (r *replyRenderer) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spinner.Stop()
	r.active = false
	if r.printed > 0 {
		fmt.Fprintln(os.Stderr)
	}
}

func (r *replyRenderer) render(v client.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	switch v.Live.State {
	case chatstream.StateAwaiting:
		r.spinner.Start()
	case chatstream.StateStreaming, chatstream.StateCompleted:
		if len(v.Live.Text) <= r.printed {
			return
		}
		r.spinner.Stop()
		if r.printed == 0 {
			color.New(color.FgCyan).Fprint(os.Stderr, "  assistant → ")
		}
		fmt.Fprint(os.Stderr, v.Live.Text[r.printed:])
		r.printed = len(v.Live.Text)
	case chatstream.StateFailed:
		r.spinner.Stop()
	}
}
