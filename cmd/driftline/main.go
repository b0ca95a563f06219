package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"driftline/internal/apiclient"
	"driftline/internal/config"
	"driftline/internal/entities"
	"driftline/internal/logging"
	"driftline/internal/metrics"
	"driftline/internal/model"
	"driftline/internal/notifications"
	"driftline/internal/streaming"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "tail":
		cmdTail()
	case "notifications":
		cmdNotifications()
	default:
		printHelp()
	}
}

func printHelp() {
	fmt.Println("Usage: driftline <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init           Create a config file at ./driftline.yaml")
	fmt.Println("  tail           Follow a timeline live (fetch + stream)")
	fmt.Println("  notifications  Show grouped notifications")
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./driftline.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	cfg := config.Default()
	if err := config.Save(*path, cfg); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	abs, _ := filepath.Abs(*path)
	fmt.Println("Config written to:", abs)
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	if cfg.Server.BaseURL == "" {
		fmt.Println("error: server.baseUrl is not set (or DRIFTLINE_SERVER)")
		os.Exit(1)
	}
	return cfg
}

func cmdTail() {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	cfgPath := fs.String("config", "./driftline.yaml", "config path")
	name := fs.String("timeline", "home", "timeline to follow (home, public)")
	_ = fs.Parse(os.Args[2:])
	cfg := loadConfig(*cfgPath)

	log := logging.New(cfg.Log.Level)
	defer log.Sync()
	metrics.StartServer(cfg.Metrics.Addr)

	client := apiclient.New(cfg.Server.BaseURL, cfg.Server.Token)
	store := entities.NewStore(cfg.Cache.StaleAfter())

	key := "timeline:" + *name
	list := entities.NewListHandle(store, model.KindStatus, key, client.Timeline(*name, cfg.Cache.PageLimit))

	ctx := context.Background()
	if err := list.EnsureFresh(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	printed := make(map[string]bool)
	for _, rec := range list.Entities() {
		printStatus(store, rec, printed)
	}

	topic := "public"
	if *name == "home" {
		topic = "user"
	}
	dialer := streaming.NewWebSocketDialer(streamURL(cfg), cfg.Server.Token)
	disp := streaming.New(store, dialer, log,
		streaming.WithBackoff(time.Duration(cfg.Streaming.MinBackoffMS)*time.Millisecond, time.Duration(cfg.Streaming.MaxBackoffMS)*time.Millisecond))
	disp.Subscribe(topic, streaming.TopicOptions{
		ListKey:   key,
		OnConnect: func(t string) { log.Info("stream live", zap.String("topic", t)) },
		// While disconnected, approximate missed updates by refetching.
		Poll: func(ctx context.Context) error { return list.Refetch(ctx) },
	})

	sub := store.Subscribe()
	defer store.Unsubscribe(sub.ID)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case kind := <-sub.C:
			if kind != model.KindStatus {
				continue
			}
			for _, rec := range list.Entities() {
				printStatus(store, rec, printed)
			}
		case <-stop:
			disp.Shutdown()
			return
		}
	}
}

func cmdNotifications() {
	fs := flag.NewFlagSet("notifications", flag.ExitOnError)
	cfgPath := fs.String("config", "./driftline.yaml", "config path")
	limit := fs.Int("limit", 40, "notifications to fetch")
	_ = fs.Parse(os.Args[2:])
	cfg := loadConfig(*cfgPath)

	log := logging.New(cfg.Log.Level)
	defer log.Sync()

	client := apiclient.New(cfg.Server.BaseURL, cfg.Server.Token)
	store := entities.NewStore(cfg.Cache.StaleAfter())
	list := entities.NewListHandle(store, model.KindNotification, entities.ListKeyNotifications, client.Notifications(*limit))

	ctx := context.Background()
	if err := list.EnsureFresh(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}

	batch := make([]model.Notification, 0)
	actorIDs := make([]string, 0)
	for _, rec := range list.Entities() {
		n, ok := rec.(model.Notification)
		if !ok {
			continue
		}
		batch = append(batch, n)
		if n.AccountID != "" {
			actorIDs = append(actorIDs, n.AccountID)
		}
	}
	// One batched request hydrates relationships for every actor.
	if err := store.FetchMissing(ctx, model.KindRelationship, actorIDs, client.Relationships); err != nil {
		log.Warn("relationship hydration failed", zap.Error(err))
	}

	for _, g := range notifications.Dedup(batch) {
		fmt.Printf("%s %s by %s\n", g.CreatedAt.Format("15:04"), g.Type, strings.Join(actorNames(store, g.AccountIDs), ", "))
	}
}

func actorNames(store *entities.Store, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		name := id
		if rec, ok := store.GetEntity(model.KindAccount, id); ok {
			if acc, ok := rec.(model.Account); ok && acc.Acct != "" {
				name = "@" + acc.Acct
			}
		}
		if rec, ok := store.GetEntity(model.KindRelationship, id); ok {
			if rel, ok := rec.(model.Relationship); ok && rel.Following {
				name += " (following)"
			}
		}
		out = append(out, name)
	}
	return out
}

func printStatus(store *entities.Store, rec model.Record, printed map[string]bool) {
	s, ok := rec.(model.Status)
	if !ok || printed[s.ID] {
		return
	}
	printed[s.ID] = true
	author := s.AccountID
	if arec, ok := store.GetEntity(model.KindAccount, s.AccountID); ok {
		if acc, ok := arec.(model.Account); ok && acc.Acct != "" {
			author = "@" + acc.Acct
		}
	}
	text := s.Content
	if len(text) > 120 {
		text = text[:120] + "…"
	}
	fmt.Printf("%s %s: %s\n", s.CreatedAt.Format("15:04"), author, text)
}

func streamURL(cfg config.Config) string {
	if cfg.Streaming.URL != "" {
		return cfg.Streaming.URL
	}
	u := cfg.Server.BaseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/v1/streaming"
}
