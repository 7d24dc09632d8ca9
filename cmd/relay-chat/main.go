// ABOUTME: Terminal chat client for relay-gateway conversations
// ABOUTME: Sends messages over the HTTP API and follows replies over SSE with JWT or dev auth

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/client"
	"github.com/2389/relay-gateway/internal/store"
)

// getToken returns the bearer token from RELAY_TOKEN or ~/.config/relay/token
func getToken() string {
	if token := os.Getenv("RELAY_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "relay", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	tenant := flag.String("tenant", "", "Tenant slug (default: resolved from the server host)")
	user := flag.String("user", os.Getenv("USER"), "User ID for gateways without jwt_secret")
	conversation := flag.String("conversation", "", "Conversation to resume")
	flag.Parse()

	token := getToken()
	c := client.New(client.Options{
		BaseURL: *server,
		Token:   token,
		User:    *user,
		Tenant:  *tenant,
	})

	fmt.Printf("relay-chat connected to %s\n", *server)
	if token != "" {
		fmt.Println("Auth: bearer token configured (RELAY_TOKEN)")
	} else {
		fmt.Printf("Auth: development user %q (set RELAY_TOKEN for bearer auth)\n", *user)
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := &session{client: c, out: os.Stdout}
	defer s.stopWatch()

	if *conversation != "" {
		if err := s.use(ctx, *conversation); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := s.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// session is the state of one interactive chat.
type session struct {
	client *client.Client
	out    io.Writer
	outMu  sync.Mutex

	mu       sync.Mutex
	convID   string
	timeline *client.Timeline
	watcher  *client.Watcher
}

func (s *session) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)

	for {
		s.prompt()

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		var err error
		if strings.HasPrefix(input, "/") {
			err = s.command(ctx, input)
		} else {
			err = s.send(ctx, client.Outgoing{Kind: store.MessageKindText, Content: input})
		}
		if err != nil {
			s.printf("%s %v\n", color.RedString("[error]"), err)
		}
	}
}

func (s *session) prompt() {
	s.mu.Lock()
	id := s.convID
	s.mu.Unlock()
	if id != "" {
		s.printf("[%s]> ", truncate(id, 8))
	} else {
		s.printf("> ")
	}
}

func (s *session) command(ctx context.Context, input string) error {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/help":
		printHelp(s.out)
	case "/new":
		conv, err := s.client.CreateConversation(ctx, arg)
		if err != nil {
			return err
		}
		return s.use(ctx, conv.ID)
	case "/list":
		return s.list(ctx, arg == "all")
	case "/use":
		if arg == "" {
			return errors.New("usage: /use <conversation-id>")
		}
		return s.use(ctx, arg)
	case "/title":
		id := s.current()
		if id == "" {
			return errors.New("no conversation selected")
		}
		conv, err := s.client.RenameConversation(ctx, id, arg)
		if err != nil {
			return err
		}
		s.printf("Renamed to %q\n", title(conv))
	case "/delete":
		id := s.current()
		if id == "" {
			return errors.New("no conversation selected")
		}
		if err := s.client.DeleteConversation(ctx, id); err != nil {
			return err
		}
		s.stopWatch()
		s.mu.Lock()
		s.convID, s.timeline = "", nil
		s.mu.Unlock()
		s.printf("Deleted %s\n", id)
	case "/upload":
		return s.upload(ctx, arg)
	default:
		return fmt.Errorf("unknown command %s (try /help)", name)
	}
	return nil
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /new [title]     Start a new conversation")
	fmt.Fprintln(w, "  /list [all]      List your conversations (all: across tenants)")
	fmt.Fprintln(w, "  /use <id>        Switch to a conversation and show its history")
	fmt.Fprintln(w, "  /title [text]    Rename the current conversation (empty clears)")
	fmt.Fprintln(w, "  /delete          Delete the current conversation")
	fmt.Fprintln(w, "  /upload <path>   Send an image, video or audio file")
	fmt.Fprintln(w, "  /help            Show this help")
	fmt.Fprintln(w, "  /quit            Exit")
}

func (s *session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

func (s *session) list(ctx context.Context, all bool) error {
	convs, err := s.client.ListConversations(ctx, all)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		s.printf("No conversations\n")
		return nil
	}
	for _, conv := range convs {
		s.printf("  %s  %-10s %s %s\n", conv.ID, conv.TenantSlug, title(conv),
			color.HiBlackString(conv.UpdatedAt.Local().Format("Jan 02 15:04")))
	}
	return nil
}

// use switches to conversation id and follows it from the beginning; the
// replayed backlog doubles as the history view.
func (s *session) use(ctx context.Context, id string) error {
	if _, err := s.client.GetConversation(ctx, id); err != nil {
		return err
	}
	s.follow(ctx, id, client.NewTimeline())
	return nil
}

// follow replaces the current watch with one on id resuming after the
// timeline's last seq.
func (s *session) follow(ctx context.Context, id string, tl *client.Timeline) {
	s.stopWatch()

	w := s.client.Watch(ctx, id, tl.LastSeq())
	s.mu.Lock()
	s.convID, s.timeline, s.watcher = id, tl, w
	s.mu.Unlock()

	go func() {
		for ev := range w.Events() {
			if tl.ApplyEvent(ev) {
				s.show(ev.Message, ev.ClientRef)
			}
		}
		if err := w.Err(); err != nil {
			s.printf("\n%s watch stopped: %v\n", color.RedString("[error]"), err)
		}
	}()
}

func (s *session) stopWatch() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// send submits msg with a fresh client_ref and shows it as pending until
// the gateway confirms it.
func (s *session) send(ctx context.Context, msg client.Outgoing) error {
	s.mu.Lock()
	id, tl := s.convID, s.timeline
	s.mu.Unlock()
	if tl == nil {
		tl = client.NewTimeline()
	}

	msg.ClientRef = uuid.NewString()
	tl.AddPending(msg.ClientRef, msg)

	res, err := s.client.Submit(ctx, id, msg)
	if err != nil {
		tl.Fail(msg.ClientRef)
		return err
	}

	if id == "" {
		// First message created the conversation; nothing watched it yet
		tl.Apply(res.Message, msg.ClientRef)
		if tl.Apply(res.Reply, "") {
			s.show(res.Reply, "")
		}
		s.printf("%s\n", color.HiBlackString("started conversation "+res.Conversation.ID))
		s.follow(ctx, res.Conversation.ID, tl)
	} else {
		// Usually a no-op: the stream delivered both already
		tl.Apply(res.Message, msg.ClientRef)
		if tl.Apply(res.Reply, "") {
			s.show(res.Reply, "")
		}
	}

	if res.RelayError != "" {
		s.printf("%s\n", color.YellowString("(assistant error: %s)", res.RelayError))
	}
	return nil
}

func (s *session) upload(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /upload <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	up, err := s.client.UploadMedia(ctx, f, filepath.Base(path))
	if err != nil {
		return err
	}
	return s.send(ctx, client.Outgoing{Kind: up.Kind, MediaURL: up.URL})
}

// show prints a confirmed message. The user's own sends from this session
// are already on screen as typed input.
func (s *session) show(m *store.Message, clientRef string) {
	if m == nil {
		return
	}
	if m.Sender == store.SenderUser && clientRef != "" {
		return
	}
	s.printf("\r%s\n", formatMessage(m))
}

func formatMessage(m *store.Message) string {
	var prefix string
	if m.Sender == store.SenderBot {
		prefix = color.GreenString("←")
	} else {
		prefix = color.BlueString("→")
	}

	text := m.Content
	if m.MediaURL != nil {
		media := color.HiBlackString("[%s] %s", m.Kind, *m.MediaURL)
		if text == "" {
			text = media
		} else {
			text += " " + media
		}
	}
	return fmt.Sprintf("%s %s", prefix, text)
}

func title(conv *store.Conversation) string {
	if conv.Title == nil {
		return color.HiBlackString("(untitled)")
	}
	return *conv.Title
}

func (s *session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// truncate shortens s to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
