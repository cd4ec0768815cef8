package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sportsphere/sportchat/internal/server"
	"github.com/sportsphere/sportchat/internal/store"
)

var (
	serveAddr      string
	noBrowser      bool
	sharePrintOnly bool
	forceInit      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat session to a browser over a local HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, pinned first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var renameCmd = &cobra.Command{
	Use:   "rename [id] [title]",
	Short: "Rename a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRename,
}

var pinCmd = &cobra.Command{
	Use:   "pin [id]",
	Short: "Pin or unpin a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runPin,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var shareCmd = &cobra.Command{
	Use:   "share [id]",
	Short: "Copy a conversation to the clipboard as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runShare,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the config file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	srv := server.New(a.session,
		server.WithLogger(logger.Named("server")),
		server.WithAddr(serveAddr),
		server.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})),
	)
	if err := srv.Listen(); err != nil {
		return err
	}

	fmt.Printf("sportchat running at http://%s\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		if err := a.session.Refresh(gctx); err != nil {
			logger.Warn("initial refresh failed", zap.Error(err))
		}
		if !noBrowser {
			openBrowser("http://" + srv.Addr())
		}
		return nil
	})
	err = g.Wait()
	fmt.Println("\nShutting down...")
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Refresh(cmd.Context()); err != nil {
		return err
	}
	list := a.store.List()
	if len(list) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}
	for _, c := range list {
		fmt.Println(formatListEntry(c.ID, c.Title, c.Pinned))
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	return nil
}

func formatListEntry(id, title string, pinned bool) string {
	marker := " "
	if pinned {
		marker = pinStyle.Render("*")
	}
	return fmt.Sprintf("%s %s  %s", marker, dimStyle.Render(id), title)
}

// withConversation loads the listing and runs fn against the app.
func withConversation(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(cfg, logger, appOptions{clipboard: !sharePrintOnly})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Refresh(ctx); err != nil {
		return err
	}
	return fn(a)
}

func runRename(cmd *cobra.Command, args []string) error {
	return withConversation(cmd.Context(), func(a *app) error {
		if err := a.session.Rename(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
			return notFound(args[0], err)
		}
		fmt.Println("Renamed.")
		return nil
	})
}

func runPin(cmd *cobra.Command, args []string) error {
	return withConversation(cmd.Context(), func(a *app) error {
		pinned, err := a.session.TogglePin(args[0])
		if err != nil {
			return notFound(args[0], err)
		}
		if pinned {
			fmt.Println("Pinned.")
		} else {
			fmt.Println("Unpinned.")
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withConversation(cmd.Context(), func(a *app) error {
		if err := a.session.Delete(cmd.Context(), args[0]); err != nil {
			return notFound(args[0], err)
		}
		fmt.Println("Deleted.")
		return nil
	})
}

func runShare(cmd *cobra.Command, args []string) error {
	return withConversation(cmd.Context(), func(a *app) error {
		text, err := a.session.Share(cmd.Context(), args[0])
		if text == "" && err != nil {
			return notFound(args[0], err)
		}
		fmt.Println(text)
		if err != nil {
			return err
		}
		if !sharePrintOnly {
			fmt.Fprintln(os.Stderr, dimStyle.Render("Copied to clipboard."))
		}
		return nil
	})
}

func notFound(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no conversation with id %q", id)
	}
	return err
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return
	}
	if err := cmd.Start(); err != nil {
		logger.Debug("opening browser", zap.Error(err))
		return
	}
	go cmd.Wait()
}
