// Command chat is a terminal client for the gateway. It keeps the
// conversation locally and sends it through the retrying proxy client.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/proxyclient"
	"github.com/fairyhunter13/llm-chat-gateway/internal/config"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/fairyhunter13/llm-chat-gateway/pkg/textx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	model := flag.String("model", "", "model id (defaults to the gateway's DEFAULT_MODEL)")
	system := flag.String("system", "", "optional system prompt")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := proxyclient.New(proxyclient.Config{
		BaseURL:    cfg.GatewayURL,
		Token:      cfg.APIToken,
		Timeout:    cfg.ClientTimeout,
		MaxRetries: cfg.ClientMaxRetries,
		Policy:     ai.DefaultBackoffPolicy(),
	})
	s := &session{client: client, model: *model, out: os.Stdout}
	if *system != "" {
		s.history = append(s.history, domain.ChatMessage{Role: domain.RoleSystem, Content: *system})
	}
	if err := s.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type sender interface {
	Send(ctx context.Context, p proxyclient.Payload) (*proxyclient.Reply, error)
}

type session struct {
	client  sender
	model   string
	history []domain.ChatMessage
	out     io.Writer
}

// run reads one prompt per line until EOF or /quit.
func (s *session) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Fprintln(s.out, "Type a message, /reset to clear history, /model <id> to switch, /quit to exit.")
	for {
		fmt.Fprint(s.out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(s.out)
			return sc.Err()
		}
		line := textx.SanitizeText(sc.Text())
		if textx.IsBlank(line) {
			continue
		}
		if done := s.command(line); done {
			return nil
		}
		if strings.HasPrefix(line, "/") {
			continue
		}
		if err := s.ask(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

// command handles slash commands and reports whether the session should end.
func (s *session) command(line string) bool {
	switch {
	case line == "/quit" || line == "/exit":
		return true
	case line == "/reset":
		kept := s.history[:0]
		for _, m := range s.history {
			if m.Role == domain.RoleSystem {
				kept = append(kept, m)
			}
		}
		s.history = kept
		fmt.Fprintln(s.out, "history cleared")
	case strings.HasPrefix(line, "/model"):
		s.model = strings.TrimSpace(strings.TrimPrefix(line, "/model"))
		fmt.Fprintf(s.out, "model set to %q\n", s.model)
	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(s.out, "unknown command")
	}
	return false
}

func (s *session) ask(ctx context.Context, text string) error {
	msgs := append(s.history, domain.ChatMessage{Role: domain.RoleUser, Content: text}) //nolint:gocritic // appended copy is committed on success only
	reply, err := s.client.Send(ctx, proxyclient.Payload{Messages: msgs, Model: s.model})
	if err != nil {
		return err
	}
	content := reply.Content()
	s.history = append(msgs, domain.ChatMessage{Role: domain.RoleAssistant, Content: content})
	fmt.Fprintln(s.out, content)
	if reply.Usage.TotalTokens > 0 {
		fmt.Fprintf(s.out, "[%s, %d tokens, ref %s]\n", reply.Model, reply.Usage.TotalTokens, reply.CorrelationID)
	}
	return nil
}
