package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eldtechnologies/confab/internal/chat"
	"github.com/eldtechnologies/confab/internal/models"
)

func init() {
	sessionsCmd.Flags().Int("limit", 20, "sessions per page")
	sessionsCmd.Flags().Int("offset", 0, "sessions to skip")
	historyCmd.Flags().Int("page", -1, "page index (default: newest)")
	historyCmd.Flags().Int("page-size", chat.DefaultPageSize, "messages per page")
	rootCmd.AddCommand(sessionsCmd, newCmd, joinCmd, inviteCmd, deleteCmd, historyCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List your sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		ctx, cancel := requestContext(cmd)
		defer cancel()

		list, err := newClient().ListSessions(ctx, limit, offset)
		if err != nil {
			return err
		}
		if len(list.Sessions) == 0 {
			fmt.Println("No sessions yet. Start one with: confab new [title]")
			return nil
		}
		for _, s := range list.Sessions {
			fmt.Printf("  %s  %-40s  %s\n", s.ID, s.Title, humanize.Time(s.CreatedAt))
		}
		if list.HasMore {
			fmt.Printf("  ... %d more (use --offset %d)\n", list.Total-offset-len(list.Sessions), offset+len(list.Sessions))
		}
		return nil
	},
}

var newCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a session and print its invite token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		session, err := newClient().CreateSession(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("Created %q\n", session.Title)
		fmt.Printf("  session: %s\n", session.ID)
		fmt.Printf("  invite:  %s\n", session.InviteToken)
		fmt.Printf("Share: confab join %s %s\n", session.ID, session.InviteToken)
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <session-id> <invite-token>",
	Short: "Join a session with an invite token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		joined, err := newClient().JoinSession(ctx, id, args[1])
		if err != nil {
			return err
		}
		if joined {
			fmt.Println("Joined.")
		} else {
			fmt.Println("Already a member.")
		}
		return nil
	},
}

var inviteCmd = &cobra.Command{
	Use:   "invite <session-id>",
	Short: "Issue a new invite token (earlier tokens stop working)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		token, err := newClient().RotateInvite(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Share: confab join %s %s\n", id, token)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session you created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient().DeleteSession(ctx, id); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print one page of a session's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		index, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("page-size")
		ctx, cancel := requestContext(cmd)
		defer cancel()

		pager := chat.NewPager(newClient(), id, size)
		if index < 0 {
			total, err := pager.Total(ctx)
			if err != nil {
				return err
			}
			index = chat.LastPageIndex(total, pager.Size())
		}
		page, err := pager.Page(ctx, index)
		if err != nil {
			return err
		}

		fmt.Printf("page %d of %d (%s messages)\n", page.Index+1,
			chat.LastPageIndex(page.Total, pager.Size())+1, humanize.Comma(int64(page.Total)))
		for _, m := range page.Messages {
			printEntry(m, "")
		}
		return nil
	},
}

func printEntry(m chat.Message, self string) {
	who := "assistant"
	if m.Role == models.RoleUser {
		who = "user"
		if m.SenderID != nil {
			who = shortID(m.SenderID.String())
			if m.SenderID.String() == self {
				who = "you"
			}
		}
	}
	marker := ""
	switch m.Status {
	case chat.StatusPending:
		marker = " (sending)"
	case chat.StatusFailed:
		marker = " (failed: /retry " + m.ID + ")"
	}
	fmt.Printf("[%s] %s%s: %s\n", humanize.Time(m.CreatedAt), who, marker, m.Content)
}
