package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/chat"
	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/store"
)

var (
	userStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")).Bold(true)
	aiStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	pinStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

const helpText = `Commands:
  /new              start a new conversation
  /list             list conversations
  /open <n|id>      open a conversation from /list
  /rename <title>   rename the current conversation
  /pin              pin or unpin the current conversation
  /delete           delete the current conversation
  /share            copy the current conversation as Markdown
  /attach <path>    attach a text file to the next message
  /files            list attachments
  /drop <n>         remove an attachment
  /quit             exit
Ctrl+C cancels a response in progress.`

func runInteractive(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, logger, appOptions{clipboard: true})
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	a.refresh(ctx)

	r := &repl{app: a, out: os.Stdout, composer: &chat.Composer{}}
	defer a.store.Subscribe(r.printer().onSnapshot)()
	defer a.session.Reconciler().Watch(r.onTurnState)()

	// Ctrl+C cancels the running turn instead of exiting.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if a.session.Cancel() {
				fmt.Fprintln(r.out, dimStyle.Render("\n[cancelled]"))
			} else {
				fmt.Fprintln(r.out, dimStyle.Render("\n(type /quit to exit)"))
			}
		}
	}()

	fmt.Fprintln(r.out, dimStyle.Render("SportSphere ready. Type /help for commands."))
	r.showCurrent()
	return r.loop(ctx, os.Stdin)
}

type repl struct {
	app      *app
	out      io.Writer
	composer *chat.Composer
	stream   *streamPrinter
	listed   []models.Conversation // last /list output, for /open <n>
}

func (r *repl) printer() *streamPrinter {
	if r.stream == nil {
		r.stream = &streamPrinter{out: r.out}
	}
	return r.stream
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(r.out, userStyle.Render("You")+": ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" && len(r.composer.Attachments()) == 0 {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "/") {
			if quit := r.command(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) send(ctx context.Context, line string) {
	r.composer.SetText(line)
	turn, err := r.app.session.SubmitComposer(ctx, r.composer)
	r.printer().end()
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		fmt.Fprintln(r.out, dimStyle.Render("(nothing to send)"))
	case err != nil:
		fmt.Fprintf(r.out, "%s %v\n", warnStyle.Render("error:"), err)
	case turn.State == chat.Failed:
		logger.Debug("turn failed", zap.String("conversation_id", turn.ConversationID), zap.Error(turn.Err))
	}
}

// onTurnState starts printing the reply once a turn is accepted. The history is
// complete at that point, so anything past it belongs to this turn.
func (r *repl) onTurnState(state chat.TurnState) {
	if state != chat.Sending {
		return
	}
	conv := r.app.session.Store().EnsureCurrent()
	r.printer().begin(conv.ID, len(conv.Messages))
}

// command runs a slash command and reports whether the session should end.
func (r *repl) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	s := r.app.session

	var err error
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/new":
		s.NewChat()
		fmt.Fprintln(r.out, dimStyle.Render("New conversation."))
	case "/list":
		r.listed = s.Store().List()
		if len(r.listed) == 0 {
			fmt.Fprintln(r.out, dimStyle.Render("No conversations yet."))
		}
		for i, c := range r.listed {
			fmt.Fprintf(r.out, "%3d %s\n", i+1, formatListEntry(c.ID, c.Title, c.Pinned))
		}
	case "/open":
		id := r.resolve(arg)
		if err = s.Open(ctx, id); err == nil {
			r.showCurrent()
		}
	case "/rename":
		err = s.Rename(ctx, r.currentID(), arg)
	case "/pin":
		var pinned bool
		if pinned, err = s.TogglePin(r.currentID()); err == nil {
			msg := "Unpinned."
			if pinned {
				msg = "Pinned."
			}
			fmt.Fprintln(r.out, dimStyle.Render(msg))
		}
	case "/delete":
		if err = s.Delete(ctx, r.currentID()); err == nil {
			fmt.Fprintln(r.out, dimStyle.Render("Deleted. Started a new conversation."))
		}
	case "/share":
		if _, err = s.Share(ctx, r.currentID()); err == nil {
			fmt.Fprintln(r.out, dimStyle.Render("Copied to clipboard."))
		}
	case "/attach":
		if err = r.composer.AttachFile(arg); err == nil {
			fmt.Fprintln(r.out, dimStyle.Render("Attached "+arg+"."))
		}
	case "/files":
		for i, f := range r.composer.Attachments() {
			fmt.Fprintf(r.out, "%3d %s\n", i+1, f.Name)
		}
	case "/drop":
		n, convErr := strconv.Atoi(arg)
		if convErr != nil {
			err = fmt.Errorf("usage: /drop <n>")
			break
		}
		r.composer.Remove(n - 1)
	default:
		err = fmt.Errorf("unknown command %s (try /help)", name)
	}

	if errors.Is(err, store.ErrNotFound) {
		err = errors.New("no such conversation")
	}
	if err != nil {
		fmt.Fprintf(r.out, "%s %v\n", warnStyle.Render("error:"), err)
	}
	return false
}

// resolve maps a /list index to an id; anything else is taken as an id.
func (r *repl) resolve(arg string) string {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(r.listed) {
		return r.listed[n-1].ID
	}
	return arg
}

func (r *repl) currentID() string {
	return r.app.session.Store().EnsureCurrent().ID
}

func (r *repl) showCurrent() {
	conv, ok := r.app.session.Store().Current()
	if !ok || len(conv.Messages) == 0 {
		return
	}
	fmt.Fprintln(r.out, dimStyle.Render("── "+conv.Title+" ──"))
	for _, m := range conv.Messages {
		label := aiStyle.Render("AI")
		if m.Role == models.RoleUser {
			label = userStyle.Render("You")
		}
		fmt.Fprintf(r.out, "%s: %s\n", label, m.Content)
	}
}

// streamPrinter writes the growing assistant reply of one conversation as store
// snapshots arrive, printing only what has not been printed yet.
type streamPrinter struct {
	out io.Writer

	mu      sync.Mutex
	id      string
	base    int // message count before the turn
	printed string
	active  bool
}

func (p *streamPrinter) begin(id string, base int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
	p.base = base
	p.printed = ""
	p.active = true
	fmt.Fprint(p.out, aiStyle.Render("AI")+": ")
}

func (p *streamPrinter) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		fmt.Fprintln(p.out)
	}
	p.active = false
}

func (p *streamPrinter) onSnapshot(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	var conv models.Conversation
	if snap.Draft != nil && snap.Draft.ID == p.id {
		conv = *snap.Draft
	} else if i := slices.IndexFunc(snap.Conversations, func(c models.Conversation) bool { return c.ID == p.id }); i >= 0 {
		conv = snap.Conversations[i]
	} else {
		return
	}
	if len(conv.Messages) <= p.base {
		return
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != models.RoleAssistant || last.Content == p.printed {
		return
	}
	if strings.HasPrefix(last.Content, p.printed) {
		fmt.Fprint(p.out, last.Content[len(p.printed):])
	} else {
		// Replaced rather than extended, e.g. by the failure message.
		fmt.Fprint(p.out, "\n"+last.Content)
	}
	p.printed = last.Content
}
