package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	clog "downpour/internal/log"
	"downpour/internal/relay"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	Server     string
	Name       string
	Passphrase string
	Room       string
	Export     string
	LogLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:   "downpour",
		Short: "End-to-end encrypted terminal chat",
		Long: `Chat in an ephemeral room. Messages are encrypted with a key derived from
the passphrase and the room id; the server only stores ciphertext.

Lines typed on stdin are sent as messages. "/export FILE" writes the decrypted
transcript as JSON and "/quit" leaves the room.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			clog.InitWriter("dev", opts.LogLevel, os.Stderr)
		},
	}
	root.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "relay server url")
	root.PersistentFlags().StringVarP(&opts.Name, "name", "n", "", "display name")
	root.PersistentFlags().StringVarP(&opts.Passphrase, "passphrase", "p", "", "room passphrase")
	root.PersistentFlags().StringVar(&opts.Export, "export", "", "write the transcript to this file on exit")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")
	_ = root.MarkPersistentFlagRequired("name")
	_ = root.MarkPersistentFlagRequired("passphrase")

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a new room and enter it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relay.NewClient(opts.Server)
			if err != nil {
				return err
			}
			roomID, err := c.CreateRoom(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "room created: %s\n", roomID)
			return chat(cmd, c, opts, roomID)
		},
	}

	join := &cobra.Command{
		Use:   "join",
		Short: "Join an existing room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relay.NewClient(opts.Server)
			if err != nil {
				return err
			}
			online, err := c.JoinRoom(cmd.Context(), opts.Room)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joining %s (%d online)\n", opts.Room, online)
			return chat(cmd, c, opts, opts.Room)
		},
	}
	join.Flags().StringVarP(&opts.Room, "room", "r", "", "room id")
	_ = join.MarkFlagRequired("room")

	root.AddCommand(create, join)
	return root
}

func chat(cmd *cobra.Command, c *relay.Client, opts options, roomID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enterCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	s, err := relay.Enter(enterCtx, c, opts.Name, opts.Passphrase, roomID)
	cancel()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-s.Events():
			if !ok {
				break loop
			}
			render(out, ev)
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if done := handleLine(out, s, line); done {
				break loop
			}
		}
	}

	if err := s.Close(); err != nil {
		log.Debug().Err(err).Msg("close session")
	}
	if opts.Export != "" {
		return exportTo(s.Transcript(), opts.Export)
	}
	return nil
}

func handleLine(out io.Writer, s *relay.Session, line string) bool {
	switch {
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/export "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/export "))
		if err := exportTo(s.Transcript(), path); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		} else {
			fmt.Fprintf(out, "* transcript written to %s\n", path)
		}
	default:
		s.Keystroke()
		if err := s.Send(line); err != nil && !errors.Is(err, relay.ErrEmptyMessage) {
			fmt.Fprintf(out, "! send failed: %v\n", err)
		}
	}
	return false
}

func render(out io.Writer, ev relay.Event) {
	switch ev.Kind {
	case relay.EventMessage:
		who := ev.Entry.Username
		if ev.Entry.Own {
			who += " (you)"
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", ev.Entry.CreatedAt.Local().Format("15:04:05"), who, ev.Entry.Text)
	case relay.EventNotice:
		fmt.Fprintf(out, "* %s\n", ev.Entry.Text)
	case relay.EventTyping:
		if len(ev.Typing) > 0 {
			fmt.Fprintf(out, "* %s typing...\n", strings.Join(ev.Typing, ", "))
		}
	case relay.EventError:
		fmt.Fprintf(out, "! %s\n", ev.Err)
	case relay.EventClosed:
		fmt.Fprintf(out, "! disconnected: %s\n", ev.Err)
	}
}

func exportTo(t *relay.Transcript, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.Export(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
