package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"docsync/backend/config"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

// sync_client 是单文档的行编辑器：stdin 每行追加到文档末尾；
// /undo、/show、/reconnect、/quit 为命令
func main() {
	configPath := flag.String("config", "", "path to syncConfig.yaml")
	docID := flag.String("doc", "", "document id to open")
	flag.Parse()
	if *docID == "" {
		log.Fatal("-doc is required")
	}

	cfg, v, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger := logging.Setup(cfg.Log)

	clientID := cfg.Client.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 本地修订落在 sqlite，离线编辑在重启后仍会补发
	var revLog store.Log = store.NewMemoryLog()
	if cfg.Client.SQLitePath != "" {
		l, err := store.OpenSQLLog(ctx, "sqlite3", cfg.Client.SQLitePath)
		if err != nil {
			log.Fatalf("open local cache: %v", err)
		}
		defer l.Close()
		revLog = l
	}

	changed := make(chan struct{}, 1)
	listener := collab.ListenerFuncs{
		Revision: func(ev collab.Event) {
			if ev.Origin == collab.OriginLocal {
				return
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		},
		Status: func(ev collab.StatusEvent) {
			fmt.Fprintf(os.Stderr, "[%s] %s", ev.DocumentID, ev.Status)
			if ev.Err != nil {
				fmt.Fprintf(os.Stderr, ": %v", ev.Err)
			}
			fmt.Fprintln(os.Stderr)
		},
	}

	m, err := collab.OpenManager(ctx, store.New(*docID, revLog, store.Options{CacheSize: cfg.Store.CacheSize}), collab.ManagerOptions{
		ClientID: clientID,
		Listener: listener,
	})
	if err != nil {
		log.Fatalf("open document: %v", err)
	}
	defer m.Close()

	client, err := ws.NewClient(ws.ClientOptions{
		URL:           cfg.Client.URL,
		ClientID:      clientID,
		Timings:       timings(cfg.Transport),
		MaxReconnects: cfg.Transport.MaxReconnects,
		Listener:      listener,
	})
	if err != nil {
		log.Fatalf("start transport: %v", err)
	}
	defer client.Close()
	if err := client.Open(ctx, m); err != nil {
		log.Fatalf("attach document: %v", err)
	}

	config.Watch(v, func(c *config.Config) {
		logging.SetLevel(c.Log.Level)
		client.SetTimings(timings(c.Transport))
	})

	logger.Info("editing", "doc", *docID, "client", clientID, "url", cfg.Client.URL)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				show(ctx, m)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		switch strings.TrimSpace(line) {
		case "/quit":
			return
		case "/show":
			show(ctx, m)
		case "/reconnect":
			client.Reconnect()
		case "/undo":
			if _, err := m.Undo(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "undo:", err)
			}
		default:
			if err := appendLine(ctx, m, line); err != nil {
				fmt.Fprintln(os.Stderr, "edit:", err)
			}
		}
	}
}

func appendLine(ctx context.Context, m *collab.Manager, line string) error {
	cur, err := m.Content(ctx)
	if err != nil {
		return err
	}
	_, err = m.ApplyLocal(ctx, delta.New().Retain(len([]rune(cur)), nil).Insert(line+"\n", nil).Delta())
	return err
}

func show(ctx context.Context, m *collab.Manager) {
	text, err := m.Content(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "content:", err)
		return
	}
	fmt.Printf("--- rev %d ---\n%s", m.Head(), text)
}

func timings(t config.Transport) ws.Timings {
	return ws.Timings{
		HeartbeatInterval: t.HeartbeatInterval,
		HeartbeatTimeout:  t.HeartbeatTimeout,
		BaseBackoff:       t.BaseBackoff,
		MaxBackoff:        t.MaxBackoff,
		Jitter:            t.Jitter,
	}
}
