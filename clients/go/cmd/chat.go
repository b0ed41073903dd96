package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eldtechnologies/confab/internal/chat"
)

func init() {
	chatCmd.Flags().Bool("no-assistant", false, "do not request assistant replies")
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Type a message and press enter. Commands:
  /more         load older history
  /history      reprint the timeline
  /cancel       stop the assistant reply in progress
  /retry <id>   resend a failed message
  /quit         leave the session`

var chatCmd = &cobra.Command{
	Use:   "chat <session-id>",
	Short: "Join a session interactively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		noAssistant, _ := cmd.Flags().GetBool("no-assistant")

		client := newClient()
		if client.UserID == "" {
			return errors.New("not registered: run register first")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var logger *zerolog.Logger
		if verbose {
			l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				With().Timestamp().Logger()
			logger = &l
		}

		view := newTimelineView(client.UserID)
		resync := make(chan struct{}, 1)

		cfg := chat.Config{
			SessionID: id,
			Self:      client.Self(),
			Logger:    logger,
			OnError: func(seq int64, err error) {
				view.notice(fmt.Sprintf("turn %d: %v", seq, err))
			},
			OnResync: func() {
				select {
				case resync <- struct{}{}:
				default:
				}
			},
		}

		var provider chat.Provider
		if !noAssistant {
			provider = client.Completions(id)
		}
		conv := chat.NewConversation(cfg, client, client, provider)
		defer conv.Close()

		unsubscribe := conv.OnTimelineChanged(view.update)
		defer unsubscribe()

		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = conv.Start(startCtx)
		cancel()
		if err != nil {
			return err
		}

		fmt.Println(chatHelp)
		view.reprint(conv.Timeline().Snapshot())
		if conv.HasOlder() {
			fmt.Println("(older messages available: /more)")
		}

		go keepInSync(ctx, conv, resync, view)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 64*1024), chat.MaxContentLength*4)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					conv.Wait()
					return nil
				}
				if done := handleLine(ctx, conv, view, strings.TrimSpace(line)); done {
					return nil
				}
			}
		}
	},
}

// handleLine runs one REPL input and reports whether to leave.
func handleLine(ctx context.Context, conv *chat.Conversation, view *timelineView, line string) bool {
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case line == "/help":
		fmt.Println(chatHelp)
	case line == "/history":
		view.reprint(conv.Timeline().Snapshot())
	case line == "/more":
		if !conv.HasOlder() {
			view.notice("no older messages")
			return false
		}
		if err := conv.LoadOlderPage(ctx); err != nil {
			view.notice(err.Error())
			return false
		}
		view.reprint(conv.Timeline().Snapshot())
	case line == "/cancel":
		if !conv.CancelCurrentCompletion() {
			view.notice("no reply in progress")
		}
	case strings.HasPrefix(line, "/retry "):
		if _, err := conv.RetryFailed(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry "))); err != nil {
			view.notice(err.Error())
		}
	case strings.HasPrefix(line, "/"):
		view.notice("unknown command; /help lists them")
	default:
		if _, err := conv.SubmitUserTurn(ctx, line); err != nil {
			view.notice(err.Error())
		}
	}
	return false
}

// keepInSync reopens the feed after a disconnect, backing off between tries.
func keepInSync(ctx context.Context, conv *chat.Conversation, resync <-chan struct{}, view *timelineView) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-resync:
		}

		view.notice("connection lost, resyncing...")
		delay := time.Second
		for conv.ResyncRequired() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := conv.Resync(ctx); err != nil {
				if errors.Is(err, chat.ErrClosed) {
					return
				}
				if delay < 30*time.Second {
					delay *= 2
				}
				continue
			}
			view.notice("back in sync")
		}
	}
}

// timelineView prints entries as they settle. Pending and streaming entries
// are shown once they are confirmed.
type timelineView struct {
	self string

	mu        sync.Mutex
	printed   map[string]chat.Status
	streaming bool
}

func newTimelineView(self string) *timelineView {
	return &timelineView{self: self, printed: make(map[string]chat.Status)}
}

func (v *timelineView) update(snapshot []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	streaming := false
	for _, m := range snapshot {
		switch m.Status {
		case chat.StatusStreaming:
			streaming = true
			continue
		case chat.StatusPending:
			continue
		}
		if prev, ok := v.printed[m.ID]; ok && prev == m.Status {
			continue
		}
		v.printed[m.ID] = m.Status
		printEntry(m, v.self)
	}
	if streaming && !v.streaming {
		fmt.Println("  assistant is typing... (/cancel to stop)")
	}
	v.streaming = streaming
}

func (v *timelineView) reprint(snapshot []chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	fmt.Println(strings.Repeat("-", 40))
	for _, m := range snapshot {
		if m.Status == chat.StatusStreaming {
			continue
		}
		v.printed[m.ID] = m.Status
		printEntry(m, v.self)
	}
}

func (v *timelineView) notice(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Printf("  ! %s\n", msg)
}
