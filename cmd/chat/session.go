package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/folio-labs/chat-edge/internal/chatclient"
	"github.com/folio-labs/chat-edge/internal/conversation"
	"github.com/folio-labs/chat-edge/internal/model"
	"github.com/folio-labs/chat-edge/internal/typewriter"
)

// suggestedPrompts are offered in a fresh conversation; typing a number
// sends the matching prompt.
var suggestedPrompts = []string{
	"What's your tech stack?",
	"What projects have you built?",
	"Are you open to work?",
	"Tell me about yourself",
}

// session binds a conversation store to the terminal.
type session struct {
	out      io.Writer
	store    *conversation.Store
	renderer *typewriter.Renderer

	mu      sync.Mutex
	replyID string
	printed int
}

func run(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	transport := chatclient.New(chatclient.Config{
		Endpoint:    opts.endpoint,
		Origin:      opts.origin,
		UserAgent:   opts.userAgent,
		IdleTimeout: opts.idleTimeout,
	})

	s := &session{out: os.Stdout, store: conversation.New(transport)}
	if !opts.noTypewriter {
		tw := []typewriter.Option{
			typewriter.OnReveal(func(ch rune, _ string) { fmt.Fprint(s.out, string(ch)) }),
		}
		if opts.bell {
			tw = append(tw, typewriter.KeyClick(func(rune) { fmt.Fprint(s.out, "\a") }))
		}
		s.renderer = typewriter.New(tw...)
	}
	s.store.Subscribe(s.render)

	printBanner(s.out, opts.endpoint)
	s.printWelcome()

	in := bufio.NewScanner(os.Stdin)
	for {
		printPrompt(s.out)
		if !in.Scan() {
			fmt.Fprintln(s.out)
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			s.store.ClearChat()
			printInfo(s.out, "Started a new conversation.")
			s.printWelcome()
			continue
		}
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(suggestedPrompts) && s.fresh() {
			line = suggestedPrompts[n-1]
			printInfo(s.out, line)
		}
		s.turn(ctx, line)
	}
}

// fresh reports whether the conversation holds only the welcome message.
func (s *session) fresh() bool {
	return len(s.store.Snapshot().Messages) == 1
}

func (s *session) printWelcome() {
	msgs := s.store.Snapshot().Messages
	printAssistantLabel(s.out)
	fmt.Fprintln(s.out, msgs[0].Content)
	for i, p := range suggestedPrompts {
		printInfo(s.out, fmt.Sprintf("  %d. %s", i+1, p))
	}
	fmt.Fprintln(s.out)
}

// turn sends one message and blocks until its reply is fully shown. Ctrl-C
// stops the stream; a second Ctrl-C skips the rest of the reveal.
func (s *session) turn(ctx context.Context, text string) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	if !s.store.SendMessage(text) {
		return
	}

	finished := make(chan struct{})
	go func() {
		s.store.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-interrupt:
		s.store.StopStreaming()
		<-finished
	case <-ctx.Done():
		s.store.StopStreaming()
		<-finished
	}

	if s.renderer != nil {
		drainCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-interrupt:
				cancel()
			case <-drainCtx.Done():
			}
		}()
		if err := s.renderer.Drain(drainCtx); err != nil {
			s.renderer.Stop()
			fmt.Fprint(s.out, s.unrevealed())
		}
		cancel()
	}
	fmt.Fprintln(s.out)

	if msg := s.store.Snapshot().Error; msg != "" {
		printError(s.out, msg)
	}
	fmt.Fprintln(s.out)
}

// render follows the reply being streamed. The label is printed when a new
// reply first appears, which only happens for an accepted send.
func (s *session) render(snap conversation.Snapshot) {
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != model.RoleAssistant || last.ID == conversation.WelcomeID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if last.ID != s.replyID {
		s.replyID = last.ID
		s.printed = 0
		printAssistantLabel(s.out)
		if s.renderer != nil {
			s.renderer.Update("", false)
		}
	}

	if s.renderer != nil {
		s.renderer.Update(last.Content, last.Streaming)
		return
	}
	if len(last.Content) > s.printed {
		fmt.Fprint(s.out, last.Content[s.printed:])
		s.printed = len(last.Content)
	}
}

// unrevealed returns the part of the reply the typewriter has not shown.
func (s *session) unrevealed() string {
	msgs := s.store.Snapshot().Messages
	content := msgs[len(msgs)-1].Content
	return strings.TrimPrefix(content, s.renderer.Revealed())
}
