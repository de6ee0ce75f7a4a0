package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"pocketd/internal/chat"
	"pocketd/internal/engine"
	"pocketd/pkg/types"
)

const chatHelp = "commands: /regen /clear /history /quit"

func newChatCmd(o *options) *cobra.Command {
	var system string
	cmd := &cobra.Command{
		Use:   "chat [MODEL]",
		Short: "Chat with a model in the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := o.cfg.DefaultModel
			if len(args) == 1 {
				model = args[0]
			}
			if model == "" {
				return fmt.Errorf("no model given and no default model configured")
			}
			if system == "" {
				system = o.cfg.SystemPrompt
			}
			return runChat(cmd.Context(), o, model, system, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	return cmd
}

func runChat(ctx context.Context, o *options, model, system string, in io.Reader, out io.Writer) error {
	cfg := o.cfg
	if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	a, err := newApp(cfg, os.Stderr, false)
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.engine(o, true)
	if err != nil {
		return err
	}
	defer eng.Dispose()

	interactive := isTerminal(in)
	_, err = eng.LoadModel(ctx, model,
		engine.WithWorker(cfg.UseWorker),
		engine.WithProgress(func(p types.LoadingProgress) {
			if interactive {
				fmt.Fprintf(os.Stderr, "\r%3.0f%% %s\033[K", p.Progress*100, p.Text)
			}
		}),
	)
	if interactive {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	session := chat.NewSession(eng, chat.Options{SystemPrompt: system, Generation: cfg.Generation, Logger: a.logger})
	unsubscribe := session.Subscribe(func(ev chat.Event) {
		switch ev.Kind {
		case chat.EventDelta:
			fmt.Fprint(out, ev.Delta)
		case chat.EventFinish:
			fmt.Fprintln(out)
		case chat.EventStop:
			fmt.Fprintln(out, " [stopped]")
		case chat.EventError:
			fmt.Fprintf(out, "\n[error] %v\n", ev.Err)
		}
	})
	defer unsubscribe()

	if interactive {
		fmt.Fprintf(out, "%s loaded; %s\n", model, chatHelp)
	}
	lines, readErr := readLines(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-readErr
			}
			line = strings.TrimSpace(l)
		}
		var start func() error
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			session.Clear()
			continue
		case "/history":
			for _, m := range session.Messages() {
				fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
			}
			continue
		case "/help":
			fmt.Fprintln(out, chatHelp)
			continue
		case "/regen":
			start = func() error { return session.Regenerate(ctx) }
		default:
			start = func() error { return session.Send(ctx, line) }
		}
		if err := start(); err != nil {
			fmt.Fprintf(out, "[error] %v\n", err)
			continue
		}
		if err := session.Wait(ctx); err != nil {
			session.Stop()
			return nil
		}
	}
}

// readLines feeds lines of r to a channel so the prompt can be abandoned on
// interrupt. The error channel receives the scan result once lines is closed.
func readLines(r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
