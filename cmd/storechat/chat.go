package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/4xmen/storechat/internal/directory"
	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/obs"
	"github.com/4xmen/storechat/internal/pushclient"
	"github.com/4xmen/storechat/internal/reconcile"
	"github.com/4xmen/storechat/internal/restapi"
	"github.com/4xmen/storechat/internal/session"
	"github.com/4xmen/storechat/pkg/config"
)

type chatOptions struct {
	Server   string
	Token    string
	UserID   string
	Username string
	Password string
	Verbose  bool
}

func newChatCmd(cfg *config.Config) *cobra.Command {
	opts := chatOptions{
		Server: cfg.ServerURL,
		Token:  cfg.Token,
		UserID: cfg.UserID,
	}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat client",
		Long: strings.TrimSpace(`
Connect to a relay and chat from the terminal.

Authenticate with --token and --user-id, or with --username and --password.
Type /help once connected for the list of commands. Any other line is sent
to the open conversation.
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Server, "server", opts.Server, "relay base URL")
	cmd.Flags().StringVar(&opts.Token, "token", opts.Token, "JWT issued by the relay")
	cmd.Flags().StringVar(&opts.UserID, "user-id", opts.UserID, "user id the token belongs to")
	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "log in with this username")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password for --username")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log client diagnostics to stderr")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, opts chatOptions, in io.Reader, out io.Writer) error {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := obs.NewLoggerTo(os.Stderr, cfg.Environment, level)

	api, err := restapi.New(opts.Server, opts.Token, nil, logger)
	if err != nil {
		return err
	}
	if opts.Username != "" {
		resp, err := api.Login(ctx, opts.Username, opts.Password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		opts.Token, opts.UserID = resp.Token, resp.User.ID
		api = api.WithToken(opts.Token)
		fmt.Fprintf(out, "logged in as %s\n", resp.User.Username)
	}
	if opts.Token == "" || opts.UserID == "" {
		return errors.New("a token and user id, or --username and --password, are required")
	}

	pc := pushclient.New(pushclient.Config{
		URL:            api.PushURL(),
		Token:          opts.Token,
		AckTimeout:     cfg.SendAckTimeout,
		TypingDebounce: cfg.TypingDebounce,
		Logger:         logger,
	})
	defer pc.Close()

	sess := session.New(api, pc, session.Options{
		CurrentUserID:   opts.UserID,
		PageSize:        cfg.PageSize,
		TypingStopDelay: cfg.TypingStopDelay,
		TypingExpiry:    cfg.TypingExpiry,
		Locale:          cfg.Locale,
		Logger:          logger,
	})

	r := &repl{sess: sess, out: out, me: opts.UserID, locale: cfg.Locale, pageSize: cfg.PageSize}
	events, unsubscribe := pc.Subscribe(64)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pc.Run(ctx) })
	g.Go(func() error { return sess.Run(ctx) })
	g.Go(func() error { return r.watch(ctx, events) })
	g.Go(func() error {
		defer cancel()
		if err := sess.Open(ctx); err != nil {
			fmt.Fprintf(out, "! could not load conversations: %v\n", err)
		}
		r.printConversations(sess.Snapshot().Conversations)
		return r.loop(ctx, in)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// repl turns terminal lines into session operations and prints what the
// session renders.
type repl struct {
	sess     *session.Controller
	out      io.Writer
	me       string
	locale   string
	pageSize int
}

const chatHelp = `commands:
  /list              show conversations
  /open <user_id>    open a conversation
  /close             close the chat
  /history           print the open conversation again
  /retry             retry loading history and conversations
  /search <text>     filter conversations by name
  /image <path>      send an image
  /items             list inventory items that can be shared
  /offer <item_id>   share an inventory item
  /unread            ask the relay for the unread total
  /quit              exit
`

func parseCommand(line string) (cmd, arg string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line, false
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg), true
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, arg, isCmd := parseCommand(line)
	if !isCmd {
		if arg != "" {
			r.sendText(ctx, arg)
		}
		return false
	}

	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(r.out, chatHelp)
	case "list":
		if err := r.sess.Open(ctx); err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
		}
		r.printConversations(r.sess.Snapshot().Conversations)
	case "search":
		r.printConversations(r.sess.Search(arg))
	case "open":
		if arg == "" {
			fmt.Fprintln(r.out, "! usage: /open <user_id>")
			return false
		}
		if err := r.sess.Open(ctx); err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
		}
		if err := r.sess.Select(ctx, arg); err != nil {
			fmt.Fprintf(r.out, "! %v (try /retry)\n", err)
		}
		r.printTimeline()
	case "close":
		r.sess.Close()
		fmt.Fprintln(r.out, "chat closed")
	case "history":
		r.printTimeline()
	case "retry":
		if err := r.sess.RetryConversations(ctx); err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
		}
		if err := r.sess.RetryHistory(ctx); err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
		}
		r.printTimeline()
	case "image":
		r.sendImage(ctx, arg)
	case "items":
		items, err := r.sess.OfferItems(ctx, 1, r.pageSize)
		if err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
			return false
		}
		for _, item := range items {
			fmt.Fprintln(r.out, formatOfferItem(item))
		}
	case "offer":
		if _, err := r.sess.SendInventoryItem(ctx, arg); err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
		}
	case "unread":
		n, err := r.sess.RefreshUnreadCount(ctx)
		if err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "unread: %d\n", n)
	default:
		fmt.Fprintf(r.out, "! unknown command /%s, try /help\n", cmd)
	}
	return false
}

func (r *repl) sendText(ctx context.Context, text string) {
	r.sess.InputChanged(text)
	msg, err := r.sess.SendText(ctx)
	switch {
	case errors.Is(err, pushclient.ErrNotConnected):
		fmt.Fprintln(r.out, "! not connected, message kept in the input")
	case err != nil:
		fmt.Fprintf(r.out, "! %v\n", err)
	default:
		fmt.Fprintf(r.out, "  sent %s\n", msg.SentAt.Local().Format("15:04"))
	}
}

func (r *repl) sendImage(ctx context.Context, path string) {
	if path == "" {
		fmt.Fprintln(r.out, "! usage: /image <path>")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(r.out, "! %v\n", err)
		return
	}
	defer f.Close()
	if _, err := r.sess.SendImage(ctx, filepath.Base(path), f); err != nil {
		fmt.Fprintf(r.out, "! %v\n", err)
	}
}

// watch prints live events for the open conversation and a short notice for
// the others.
func (r *repl) watch(ctx context.Context, events <-chan pushclient.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.printEvent(ev)
		}
	}
}

func (r *repl) printEvent(ev pushclient.Event) {
	snap := r.sess.Snapshot()
	switch e := ev.(type) {
	case pushclient.StateEvent:
		fmt.Fprintf(r.out, "[%s]\n", e.State)
	case pushclient.MessageEvent:
		msg := e.Message
		if snap.State == session.StateConversation && msg.Counterpart(r.me) == snap.ActiveID {
			if !msg.IsMine(r.me) {
				fmt.Fprintln(r.out, formatMessage(msg, r.me, r.locale))
			}
			return
		}
		if !msg.IsMine(r.me) {
			fmt.Fprintf(r.out, "* new message from %s: %s\n", msg.SenderID, directory.Preview(msg, r.locale))
		}
	case pushclient.TypingEvent:
		if snap.State == session.StateConversation && e.UserID == snap.ActiveID && e.IsTyping {
			fmt.Fprintf(r.out, "  %s is typing...\n", e.UserID)
		}
	case pushclient.PresenceEvent:
		if snap.State == session.StateConversation && e.UserID == snap.ActiveID {
			fmt.Fprintf(r.out, "  %s\n", formatPresence(e.IsOnline, e.LastSeen))
		}
	}
}

func (r *repl) printConversations(convs []models.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(r.out, "no conversations")
		return
	}
	for _, c := range convs {
		fmt.Fprintln(r.out, formatConversation(c))
	}
}

func (r *repl) printTimeline() {
	snap := r.sess.Snapshot()
	if snap.State != session.StateConversation {
		fmt.Fprintln(r.out, "no conversation open")
		return
	}
	if snap.HistoryErr != nil {
		fmt.Fprintf(r.out, "! %v\n", snap.HistoryErr)
	}
	status := "offline"
	if snap.CounterpartOnline {
		status = "online"
	}
	fmt.Fprintf(r.out, "-- %s (%s) --\n", snap.ActiveID, status)
	for _, item := range snap.Timeline {
		fmt.Fprintln(r.out, formatItem(item, r.me, r.locale))
	}
}

func formatConversation(c models.Conversation) string {
	var b strings.Builder
	if c.IsOnline {
		b.WriteString("● ")
	} else {
		b.WriteString("○ ")
	}
	fmt.Fprintf(&b, "%s (%s)", c.DisplayName, c.UserID)
	if c.UnreadCount > 0 {
		fmt.Fprintf(&b, " [%d]", c.UnreadCount)
	}
	if c.LastMessage != "" {
		fmt.Fprintf(&b, ": %s", c.LastMessage)
	}
	return b.String()
}

func formatItem(item reconcile.Item, me, locale string) string {
	if item.Separator {
		return "   " + item.Day.Format("Mon 02 Jan 2006")
	}
	return formatMessage(item.Message, me, locale)
}

func formatMessage(msg models.Message, me, locale string) string {
	who := msg.SenderID
	if msg.IsMine(me) {
		who = "you"
	}
	line := fmt.Sprintf("%s %s: %s", msg.SentAt.Local().Format("15:04"), who, messageBody(msg, locale))
	switch msg.Delivery {
	case models.DeliveryPending:
		line += " (sending)"
	case models.DeliveryFailed:
		line += " (failed)"
	}
	return line
}

func messageBody(msg models.Message, locale string) string {
	switch p := msg.Payload.(type) {
	case models.Media:
		return directory.Preview(msg, locale) + " " + p.FileURL
	case models.InventoryItem:
		return directory.Preview(msg, locale) + " " + p.ProductName + " [" + p.ItemID + "]"
	}
	return directory.Preview(msg, locale)
}

func formatOfferItem(item models.OfferItem) string {
	return fmt.Sprintf("%s  %s  x%d  %s", item.ItemID, item.Name, item.Quantity, strconv.FormatFloat(item.UnitPrice, 'f', 2, 64))
}

func formatPresence(online bool, lastSeen *time.Time) string {
	if online {
		return "online"
	}
	if lastSeen == nil {
		return "offline"
	}
	return "last seen " + lastSeen.Local().Format("2006-01-02 15:04")
}
