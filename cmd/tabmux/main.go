// ABOUTME: Entry point for the tabmux context coordinator
// ABOUTME: Runs an interactive context against shared storage and broadcast backends

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/tabmux/tabmux/internal/backendapi"
	"github.com/tabmux/tabmux/internal/bus"
	busmemory "github.com/tabmux/tabmux/internal/bus/memory"
	busredis "github.com/tabmux/tabmux/internal/bus/redis"
	"github.com/tabmux/tabmux/internal/config"
	"github.com/tabmux/tabmux/internal/conn/ws"
	"github.com/tabmux/tabmux/internal/kv"
	kvmemory "github.com/tabmux/tabmux/internal/kv/memory"
	kvredis "github.com/tabmux/tabmux/internal/kv/redis"
	kvsqlite "github.com/tabmux/tabmux/internal/kv/sqlite"
	"github.com/tabmux/tabmux/internal/tab"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _        _
| |_ __ _| |__  _ __ ___  _   ___  __
| __/ _' | '_ \| '_ ' _ \| | | \ \/ /
| || (_| | |_) | | | | | | |_| |>  <
 \__\__,_|_.__/|_| |_| |_|\__,_/_/\_\
`

// getConfigPath returns the path to the tabmux config file.
// Priority: TABMUX_CONFIG env var > XDG_CONFIG_HOME/tabmux/config.yaml > ~/.config/tabmux/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TABMUX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tabmux", "config.yaml")
}

// getDataPath returns the path to the tabmux data directory.
// Priority: XDG_DATA_HOME/tabmux > ~/.local/share/tabmux
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tabmux")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tabmux <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run     Start an interactive context")
		fmt.Println("  init    Create a new config file")
		fmt.Println("  health  Check backend connectivity")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runTab(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTab(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Storage: %s\n", cfg.Storage.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Bus:     %s\n", cfg.Bus.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Push:    %s\n", cfg.Server.WSURL)
	fmt.Println()

	store, hub, cleanup, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := tab.New(ctx, tab.Config{
		Store: store,
		Bus:   hub,
		Transport: &ws.Transport{
			URL: cfg.Server.WSURL,
		},
		Observed:           true,
		HeartbeatInterval:  cfg.Timings.HeartbeatInterval,
		PassiveTimeout:     cfg.Timings.PassiveTimeout,
		VisibilityTimeout:  cfg.Timings.VisibilityTimeout,
		ConnectionDebounce: cfg.Timings.ConnectionDebounce,
		CacheTTL:           cfg.Timings.CacheTTL,
		MaxSessions:        cfg.Sessions.Max,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("creating context: %w", err)
	}
	defer t.Close(context.Background())

	api := backendapi.NewClient(cfg.Server.APIURL, t.ID(), []byte(cfg.Server.Secret))

	logger.Info("context started", "id", t.ID())

	return repl(ctx, t, api)
}

// openBackends constructs the configured kv store and broadcast bus. The
// returned cleanup closes both plus any shared Redis client.
func openBackends(cfg *config.Config, logger *slog.Logger) (kv.Store, bus.Bus, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var rdb *redis.Client
	redisClient := func(addr string) *redis.Client {
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{Addr: addr})
			closers = append(closers, func() { rdb.Close() })
		}
		return rdb
	}

	var store kv.Store
	switch cfg.Storage.Backend {
	case "memory":
		store = kvmemory.New()
	case "sqlite":
		s, err := kvsqlite.New(cfg.Storage.Path, kvsqlite.Options{Logger: logger})
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		store = s
	case "redis":
		s, err := kvredis.New(kvredis.Config{
			Client: redisClient(cfg.Storage.RedisAddr),
			Logger: logger,
		})
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("opening redis store: %w", err)
		}
		store = s
	}
	closers = append(closers, func() { store.Close() })

	var hub bus.Bus
	switch cfg.Bus.Backend {
	case "memory":
		hub = busmemory.New()
	case "redis":
		b, err := busredis.New(busredis.Config{
			Client: redisClient(cfg.Bus.RedisAddr),
			Logger: logger,
		})
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("opening redis bus: %w", err)
		}
		hub = b
	}
	closers = append(closers, func() { hub.Close() })

	return store, hub, cleanup, nil
}

// repl reads commands from stdin until EOF or ctx cancellation.
func repl(ctx context.Context, t *tab.Tab, api *backendapi.Client) error {
	fmt.Println("Commands: register, unregister, send, watch, sessions, status, observe, drain, threads, history, delete, quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if err := dispatch(ctx, t, api, fields); err != nil {
			if err == errQuit {
				return nil
			}
			color.Red("  %v", err)
		}
	}
}

var errQuit = fmt.Errorf("quit")

func dispatch(ctx context.Context, t *tab.Tab, api *backendapi.Client, fields []string) error {
	switch fields[0] {
	case "quit", "exit":
		return errQuit

	case "status":
		role := "follower"
		if t.IsLeader() {
			role = "leader"
		}
		fmt.Printf("  id=%s role=%s observed=%v sessions=%d\n", t.ID(), role, t.Observed(), t.Sessions().Len())
		return nil

	case "register":
		if len(fields) != 2 {
			return fmt.Errorf("usage: register <conversation-id>")
		}
		t.Register(ctx, fields[1])
		return nil

	case "unregister":
		if len(fields) != 2 {
			return fmt.Errorf("usage: unregister <conversation-id>")
		}
		t.Unregister(ctx, fields[1])
		return nil

	case "send":
		if len(fields) < 3 {
			return fmt.Errorf("usage: send <conversation-id> <text>")
		}
		payload, err := json.Marshal(map[string]string{"text": strings.Join(fields[2:], " ")})
		if err != nil {
			return err
		}
		if !t.Send(ctx, fields[1], payload) {
			return fmt.Errorf("send not accepted (no connection yet)")
		}
		return nil

	case "watch":
		if len(fields) != 2 {
			return fmt.Errorf("usage: watch <conversation-id>")
		}
		ch, subID := t.Subscribe(ctx, fields[1])
		go func() {
			for u := range ch {
				fmt.Printf("\n  [%s] %s\n> ", u.ConversationID, string(u.Payload))
			}
		}()
		fmt.Printf("  watching %s (sub %s)\n", fields[1], subID)
		return nil

	case "sessions":
		active := t.Sessions().Active()
		for _, id := range t.Sessions().IDs() {
			marker := " "
			if active != nil && id == active.ID {
				marker = "*"
			}
			fmt.Printf("  %s %s\n", marker, id)
		}
		return nil

	case "observe":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return fmt.Errorf("usage: observe on|off")
		}
		t.SetObserved(ctx, fields[1] == "on")
		return nil

	case "drain":
		if len(fields) != 2 {
			return fmt.Errorf("usage: drain <conversation-id>")
		}
		entries, err := t.DrainCache(ctx, fields[1])
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("  %s %s\n", e.CachedAt.Format("15:04:05"), string(e.Payload))
		}
		fmt.Printf("  %d cached response(s)\n", len(entries))
		return nil

	case "threads":
		convs, err := api.ListConversations(ctx)
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Printf("  %s  %s\n", c.ID, c.Title)
		}
		return nil

	case "history":
		if len(fields) != 2 {
			return fmt.Errorf("usage: history <conversation-id>")
		}
		msgs, err := api.GetMessages(ctx, fields[1])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("  %s\n", string(m))
		}
		return nil

	case "delete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: delete <conversation-id>")
		}
		return api.DeleteConversation(ctx, fields[1])

	default:
		return fmt.Errorf("unknown command: %s", fields[0])
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runInit creates a starter config file with a random request-token secret.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "tabmux.db")

	green := color.New(color.FgGreen)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# tabmux configuration
# Generated by tabmux init

storage:
  backend: "sqlite"
  path: "%s"

bus:
  backend: "memory"

server:
  ws_url: "wss://localhost:8443/push"
  api_url: "https://localhost:8443/api"
  secret: "%s"

timings:
  heartbeat_interval: "2s"
  passive_timeout: "5s"
  visibility_timeout: "3s"
  connection_debounce: "300ms"
  cache_ttl: "24h"

sessions:
  max: 6

logging:
  level: "info"
  format: "text"
`, dbPath, secret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	return nil
}

// runHealth checks that the configured backends are reachable.
func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	green := color.New(color.FgGreen)

	switch cfg.Storage.Backend {
	case "memory":
		green.Println("  ✓ storage: memory")
	case "sqlite":
		s, err := kvsqlite.New(cfg.Storage.Path, kvsqlite.Options{})
		if err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		s.Close()
		green.Printf("  ✓ storage: sqlite (%s)\n", cfg.Storage.Path)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis storage: %w", err)
		}
		green.Printf("  ✓ storage: redis (%s)\n", cfg.Storage.RedisAddr)
	}

	switch cfg.Bus.Backend {
	case "memory":
		green.Println("  ✓ bus: memory")
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis bus: %w", err)
		}
		green.Printf("  ✓ bus: redis (%s)\n", cfg.Bus.RedisAddr)
	}

	fmt.Println("healthy")
	return nil
}
