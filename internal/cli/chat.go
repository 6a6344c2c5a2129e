package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/switchboard/pkg/runner"
	"github.com/spf13/cobra"
)

var chatAgent string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agents in the terminal",
	Long: `Start a conversation and chat with it in the terminal. Replies are
streamed as they are generated. Type /help for the available commands.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "agent to start with (defaults to the catalog entry)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := a.runner.Start(ctx, chatAgent)
	if err != nil {
		return err
	}
	return chatLoop(ctx, a.runner, id, cmd.InOrStdin(), cmd.OutOrStdout())
}

const chatHelp = `Commands:
  /agent    show the active agent
  /history  print the conversation so far
  /new      end this conversation and start another
  /exit     quit`

// chatLoop sends each input line as a user turn and prints the streamed
// reply. Lines starting with a slash are commands.
func chatLoop(ctx context.Context, r *runner.Runner, id string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)

	active, err := r.Agent(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Talking to %s. Type /help for commands.\n", active)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
			continue
		case "/agent":
			active, err := r.Agent(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Active agent: %s\n", active)
			continue
		case "/history":
			msgs, err := r.History(ctx, id)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
			}
			continue
		case "/new":
			if err := r.End(ctx, id); err != nil {
				return err
			}
			if id, err = r.Start(ctx, ""); err != nil {
				return err
			}
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		}

		if err := streamReply(ctx, r, id, line, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// streamReply prints fragments as they arrive. The final reply has passed
// output guardrails and is printed again when it differs from the fragments.
func streamReply(ctx context.Context, r *runner.Runner, id, text string, out io.Writer) error {
	var streamed strings.Builder
	for ev := range r.Stream(ctx, id, text) {
		switch ev.Type {
		case runner.EventFragment:
			if streamed.Len() == 0 {
				fmt.Fprintf(out, "%s: ", ev.Agent)
			}
			streamed.WriteString(ev.Text)
			fmt.Fprint(out, ev.Text)
		case runner.EventToolCall:
			fmt.Fprintf(out, "  [%s] calling %s\n", ev.Agent, ev.Call.Name)
		case runner.EventHandoff:
			fmt.Fprintf(out, "  [handoff] %s -> %s\n", ev.Handoff.From, ev.Handoff.To)
		case runner.EventDone:
			switch {
			case streamed.Len() == 0:
				fmt.Fprintf(out, "%s: %s\n", ev.Agent, ev.Text)
			case streamed.String() != ev.Text:
				fmt.Fprintf(out, "\n%s: %s\n", ev.Agent, ev.Text)
			default:
				fmt.Fprintln(out)
			}
			if ev.Reply != nil && ev.Reply.Status == runner.StatusTerminated {
				fmt.Fprintln(out, "Conversation ended. Type /new to start over.")
			}
		case runner.EventError:
			return ev.Err
		}
	}
	return nil
}
