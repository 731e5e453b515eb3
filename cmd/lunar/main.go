// Package main is the LUNAR terminal chat client. It talks to the chat
// API server for completions and keeps history reconciled between the
// local cache and the remote store.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lunar-ai/lunar/internal/config"
	"github.com/lunar-ai/lunar/internal/history"
	"github.com/lunar-ai/lunar/internal/identity"
	"github.com/lunar-ai/lunar/internal/localstore"
	"github.com/lunar-ai/lunar/internal/model"
	natsclient "github.com/lunar-ai/lunar/internal/nats"
	"github.com/lunar-ai/lunar/internal/session"
	"github.com/lunar-ai/lunar/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lunar: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logger.New(getenv("LUNAR_LOG_LEVEL", "warn"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := localstore.Open(cfg.LocalCachePath, log)
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer store.Close()

	token := os.Getenv("LUNAR_TOKEN")
	provider := identity.NewDeviceProvider(store, token)

	// Remote history is optional; without NATS the client runs from the
	// local cache alone.
	var remote history.RemoteStore
	var migrationStore identity.HistoryStore
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, history is local-only", zap.Error(err))
	} else {
		defer natsClient.Close()
		hs, err := natsclient.NewHistoryStore(ctx, natsClient)
		if err != nil {
			log.Warn("failed to open remote history store", zap.Error(err))
		} else {
			remote = hs
			migrationStore = hs
		}
	}

	migrator := identity.NewMigrator(provider, migrationStore, log)
	ident := provider.Current()
	if token != "" {
		ident, err = migrator.SignIn(ctx)
		if err != nil {
			return fmt.Errorf("sign-in failed: %w", err)
		}
	}

	rec := history.New(store, remote, log, history.WithDebounce(cfg.RemoteSaveDebounce))
	rec.Start(ctx, ident.ID, !ident.Anonymous)
	defer rec.Stop()

	streamer := session.NewHTTPStreamer(
		getenv("LUNAR_SERVER", "http://localhost:"+cfg.ServerPort),
		session.WithToken(token),
	)
	mgr := session.NewManager(streamer, rec, log,
		session.WithDeltaHook(func(delta string) { fmt.Print(delta) }))

	return repl(ctx, mgr, rec, ident)
}

func repl(ctx context.Context, mgr *session.Manager, rec *history.Reconciler, ident identity.Identity) error {
	who := "anonymous"
	if !ident.Anonymous {
		who = ident.ID
	}
	fmt.Printf("LUNAR AI — signed in as %s\n", who)
	fmt.Println("Commands: /new /list /open <n> /delete <n> /clear-today /quit")
	fmt.Println()
	fmt.Println("lunar> " + session.Greeting)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := command(ctx, mgr, rec, line); quit {
				return nil
			}
			continue
		}

		fmt.Print("\nlunar> ")
		if err := mgr.Send(ctx, line); err != nil {
			fmt.Printf("(%v)\n", err)
			continue
		}
		mgr.Wait()
		fmt.Println()
		if err := mgr.Err(); err != nil {
			fmt.Printf("(stream failed: %v)\n", err)
		}
	}
}

func command(ctx context.Context, mgr *session.Manager, rec *history.Reconciler, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/new":
		mgr.Reset()
		fmt.Println("lunar> " + session.Greeting)

	case "/list":
		view := rec.View()
		if len(view) == 0 {
			fmt.Println("(no conversations)")
			break
		}
		if rec.Degraded() {
			fmt.Println("(offline: showing cached history)")
		}
		for i, c := range view {
			fmt.Printf("%3d. %s  (%d messages, %s)\n",
				i+1, titleOf(c), len(c.Messages), c.LastModified.Local().Format("Jan 2 15:04"))
		}

	case "/open":
		c, ok := pick(rec, fields)
		if !ok {
			break
		}
		if err := mgr.Open(c.ID); err != nil {
			fmt.Printf("(%v)\n", err)
			break
		}
		for _, m := range mgr.Messages() {
			prefix := "you> "
			if m.Role == model.RoleAssistant {
				prefix = "lunar> "
			}
			fmt.Println(prefix + m.Content)
		}

	case "/delete":
		c, ok := pick(rec, fields)
		if !ok {
			break
		}
		mgr.Delete(ctx, c.ID)
		fmt.Printf("deleted %s\n", titleOf(c))

	case "/clear-today":
		ids := mgr.ClearToday(ctx)
		fmt.Printf("cleared %d conversation(s) from today\n", len(ids))

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

// pick resolves a 1-based list index argument against the history view.
func pick(rec *history.Reconciler, fields []string) (model.Conversation, bool) {
	if len(fields) < 2 {
		fmt.Printf("usage: %s <n>\n", fields[0])
		return model.Conversation{}, false
	}
	n, err := strconv.Atoi(fields[1])
	view := rec.View()
	if err != nil || n < 1 || n > len(view) {
		fmt.Printf("no conversation %q\n", fields[1])
		return model.Conversation{}, false
	}
	return view[n-1], true
}

func titleOf(c model.Conversation) string {
	if c.Title == "" {
		return model.DefaultTitle
	}
	return c.Title
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
