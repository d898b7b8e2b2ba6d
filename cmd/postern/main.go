// Postern is a webmail backend with a pluggable interceptor pipeline.
//
// It serves an HTTP API for settings, recipient-group expansion, mail
// sending, and secure messages, and runs the background inbox poll and
// cron jobs that feed the expansion dispatcher. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	postern serve                          Start the API server
//	postern init [dir]                     Write a default config
//	postern expansions                     List core expansions and readiness
//	postern encrypt <value>                Seal a value with the vault
//	postern decrypt <blob>                 Open a vault blob
//	postern import-groups <user> <file>    Import vCard groups into settings
//	postern version                        Print version and build information
//	postern -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/postern/internal/api"
	"github.com/nugget/postern/internal/buildinfo"
	"github.com/nugget/postern/internal/clientsync"
	"github.com/nugget/postern/internal/config"
	"github.com/nugget/postern/internal/connwatch"
	"github.com/nugget/postern/internal/contacts"
	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/events"
	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/expansions"
	"github.com/nugget/postern/internal/integrations/anthropic"
	"github.com/nugget/postern/internal/integrations/github"
	"github.com/nugget/postern/internal/integrations/mqtt"
	"github.com/nugget/postern/internal/integrations/notion"
	"github.com/nugget/postern/internal/integrations/slack"
	"github.com/nugget/postern/internal/mailflow"
	"github.com/nugget/postern/internal/objstore"
	"github.com/nugget/postern/internal/scheduler"
	"github.com/nugget/postern/internal/securecache"
	"github.com/nugget/postern/internal/securemsg"
	"github.com/nugget/postern/internal/settings"
	"github.com/nugget/postern/internal/store"
	"github.com/nugget/postern/internal/vault"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the postern command. Arguments are
// parsed by hand; the flag package's globals get in the way of calling
// run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "expansions":
		return runExpansions(stdout, configPath, outputFmt)
	case "encrypt":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: postern encrypt <value>")
		}
		return runEncrypt(stdout, configPath, cmdArgs[0])
	case "decrypt":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: postern decrypt <blob>")
		}
		return runDecrypt(stdout, configPath, cmdArgs[0])
	case "import-groups":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: postern import-groups <user> <file.vcf>")
		}
		return runImportGroups(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	fmt.Fprintf(w, "  %-12s %s\n", "go:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", info.Platform)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Postern - webmail backend with mail lifecycle expansions")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: postern [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the API server")
	fmt.Fprintln(w, "  init [dir]                   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  expansions                   List core expansions and their readiness")
	fmt.Fprintln(w, "  encrypt <value>              Seal a value with the vault secret")
	fmt.Fprintln(w, "  decrypt <blob>               Open a vault blob")
	fmt.Fprintln(w, "  import-groups <user> <file>  Import vCard groups into a user's settings")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/postern/config.yaml, /etc/postern/config.yaml")
	return nil
}

// runEncrypt seals value so it can be pasted into stored settings.
func runEncrypt(w io.Writer, configPath, value string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	blob, err := vault.New(cfg.Vault.Secret, nil).Seal(value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	fmt.Fprintln(w, blob)
	return nil
}

// runDecrypt opens a vault blob. Input that is not a sealed blob, or
// that was sealed under another secret, is an error here rather than
// the silent passthrough the settings path uses.
func runDecrypt(w io.Writer, configPath, blob string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	v := vault.New(cfg.Vault.Secret, nil)
	if !v.Configured() {
		return fmt.Errorf("decrypt: %w", vault.ErrNotConfigured)
	}
	if !vault.IsSealed(blob) {
		return fmt.Errorf("decrypt: input is not a vault blob")
	}
	plain := v.Decrypt(blob)
	if plain == blob {
		return fmt.Errorf("decrypt: blob was not sealed with this secret")
	}
	fmt.Fprintln(w, plain)
	return nil
}

// runExpansions lists the core expansions and whether the configured
// integrations satisfy each interceptor's needs.
func runExpansions(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Build the same services serve would, without connecting anywhere.
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	settingsSvc := settings.New(db, vault.New(cfg.Vault.Secret, logger), logger)
	groups := clientsync.New(securecache.New(securecache.NewMemoryStorage()), settingsSvc, logger)

	var inbox expansion.InboxReader
	if cfg.Email.Configured() && cfg.Poll.User != "" {
		inbox = mailflow.NewInbox(email.NewManager(cfg.Email, logger), cfg.Poll.User, logger)
	}
	var relay *mqtt.Publisher
	if cfg.Integrations.MQTT.Configured() {
		relay = mqtt.New(cfg.Integrations.MQTT, logger)
	}

	svc, err := buildServices(cfg, settingsSvc, groups, inbox, relay, logger)
	if err != nil {
		return err
	}

	reg := expansion.NewRegistry()
	if _, err := expansions.EnsureCore(reg, cfg.Expansions.Disabled); err != nil {
		return err
	}

	type row struct {
		ID      string `json:"id"`
		Trigger string `json:"trigger"`
		Kind    string `json:"kind"`
		Ready   bool   `json:"ready"`
		Missing string `json:"missing,omitempty"`
	}
	var rows []row
	for _, e := range reg.All() {
		for _, ic := range e.Interceptors {
			r := row{ID: e.ID, Trigger: string(ic.Trigger), Kind: string(ic.Kind), Ready: true}
			if err := svc.Require(ic.Needs); err != nil {
				r.Ready = false
				r.Missing = strings.TrimPrefix(err.Error(), "missing capabilities: ")
			}
			rows = append(rows, r)
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		status := "ready"
		if !r.Ready {
			status = "needs " + r.Missing
		}
		fmt.Fprintf(w, "%-18s %-30s %-6s %s\n", r.ID, r.Trigger, r.Kind, status)
	}
	return nil
}

// runImportGroups merges the groups found in a vCard file into a user's
// settings without going through the HTTP API.
func runImportGroups(ctx context.Context, w io.Writer, configPath, user, path string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	groups, err := contacts.ImportGroups(f)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	if len(groups) == 0 {
		return fmt.Errorf("no groups found in %s", path)
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := settings.New(db, vault.New(cfg.Vault.Secret, nil), nil)
	patch := make(map[string]any, len(groups))
	for name, members := range groups {
		patch[name] = members
	}
	if _, err := svc.Write(ctx, user, map[string]any{clientsync.SettingsKeyGroups: patch}); err != nil {
		return err
	}
	fmt.Fprintf(w, "Imported %d groups for %s\n", len(groups), user)
	return nil
}

// runServe handles the "postern serve" subcommand. It loads config,
// opens the stores, builds the expansion dispatcher and its services,
// starts the background jobs and the API server, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Postern", "build", buildinfo.Get().String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger = cfg.Logger(stdout)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "data_dir", cfg.DataDir)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Storage ---
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	v := vault.New(cfg.Vault.Secret, logger)
	if !v.Configured() {
		logger.Warn("vault secret not set, settings will be stored in plaintext",
			"security_event", "vault_unconfigured")
	}

	var cacheStorage securecache.Storage = securecache.NewMemoryStorage()
	if cfg.SecureCache.Path != "" {
		sqliteCache, err := securecache.OpenSQLite(cfg.SecureCache.Path)
		if err != nil {
			return fmt.Errorf("open secure cache: %w", err)
		}
		defer sqliteCache.Close()
		cacheStorage = sqliteCache
	}
	cache := securecache.New(cacheStorage,
		securecache.WithEpochWidth(cfg.SecureCache.EpochWidth),
		securecache.WithLogger(logger))

	bus := events.New()

	settingsSvc := settings.New(db, v, logger)
	settingsSvc.SetEventBus(bus)
	hydrator := clientsync.New(cache, settingsSvc, logger)
	settingsSvc.OnWrite(hydrator.OnSettingsWritten)

	// --- Mail ---
	var mail *email.Manager
	if cfg.Email.Configured() {
		mail = email.NewManager(cfg.Email, logger)
		defer mail.Close()
		logger.Info("email accounts configured", "accounts", mail.AccountNames())
	} else {
		logger.Info("email disabled (no accounts configured)")
	}

	// --- Integrations and expansions ---
	var inbox expansion.InboxReader
	if mail != nil && cfg.Poll.User != "" {
		inbox = mailflow.NewInbox(mail, cfg.Poll.User, logger)
	}

	var mqttPub *mqtt.Publisher
	if cfg.Integrations.MQTT.Configured() {
		mqttPub = mqtt.New(cfg.Integrations.MQTT, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
				return
			}
			if cfg.Integrations.MQTT.MirrorEvents {
				mqttPub.Mirror(ctx, bus)
			}
		}()
	}

	svc, err := buildServices(cfg, settingsSvc, hydrator, inbox, mqttPub, logger)
	if err != nil {
		return err
	}

	reg := expansion.NewRegistry()
	added, err := expansions.EnsureCore(reg, cfg.Expansions.Disabled)
	if err != nil {
		return fmt.Errorf("register core expansions: %w", err)
	}
	logger.Info("expansions registered", "count", added, "capabilities", svc.Available())

	dispatcher := expansion.NewDispatcher(reg, svc,
		expansion.WithLogger(logger),
		expansion.WithBus(bus),
		expansion.WithTimeout(cfg.Expansions.Timeout))

	// --- Object storage and secure messages ---
	objects, err := objstore.New(cfg.Storage.WebDAV, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open object storage: %w", err)
	}
	secure := securemsg.New(objects, v, cfg.Listen.BaseURL, logger)

	health, err := watchDependencies(ctx, mail, mqttPub, objects, bus, logger)
	if err != nil {
		return err
	}
	defer health.Stop()

	// --- Background jobs ---
	sched := scheduler.New(logger, db)
	sched.SetEventBus(bus)
	if cfg.Cron.Interval > 0 {
		if err := sched.Add(scheduler.Job{
			Name:  mailflow.CronJobName,
			Every: cfg.Cron.Interval,
			Run:   mailflow.CronJob(dispatcher, cfg.Cron.Users, logger),
		}); err != nil {
			return err
		}
	}
	if cfg.Poll.Interval > 0 && mail != nil {
		poller := email.NewPoller(mail, db, logger)
		poller.SetEventBus(bus)
		poller.OnReceived(mailflow.NewReceived(dispatcher, cfg.Poll.User, logger))
		if err := sched.Add(scheduler.Job{
			Name:  mailflow.PollJobName,
			Every: cfg.Poll.Interval,
			Run:   mailflow.PollJob(poller, logger),
		}); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
	server.SetSettings(settingsSvc)
	server.SetDispatcher(dispatcher)
	server.SetSecureMessages(secure)
	server.SetEventBus(bus)
	server.SetHealth(health)
	if mail != nil {
		server.SetSender(mailflow.NewSender(dispatcher, mail,
			mailflow.WithSenderBus(bus),
			mailflow.WithSenderLogger(logger)))
		server.SetMailbox(mail, cfg.Poll.User)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Postern stopped")
	return nil
}

// watchDependencies starts a health watcher for every remote service:
// one per IMAP account, the MQTT broker and the object store.
func watchDependencies(ctx context.Context, mail *email.Manager, relay *mqtt.Publisher,
	objects objstore.Store, bus *events.Bus, logger *slog.Logger) (*connwatch.Manager, error) {
	m := connwatch.NewManager(logger, bus)

	var services []connwatch.Service
	if mail != nil {
		for _, name := range mail.AccountNames() {
			services = append(services, connwatch.Service{
				Name: "imap:" + name,
				Probe: func(ctx context.Context) error {
					c, err := mail.Account(name)
					if err != nil {
						return err
					}
					return c.Ping(ctx)
				},
			})
		}
	}
	if relay != nil {
		services = append(services, connwatch.Service{Name: "mqtt", Probe: relay.Ping})
	}
	services = append(services, connwatch.Service{Name: "objects", Probe: objects.Ping})

	for _, svc := range services {
		if _, err := m.Watch(ctx, svc); err != nil {
			m.Stop()
			return nil, fmt.Errorf("watch %s: %w", svc.Name, err)
		}
	}
	return m, nil
}

// buildServices constructs the integration clients handed to
// interceptors. Unconfigured integrations stay nil so the matching
// capability reports as missing.
func buildServices(cfg *config.Config, settingsSvc *settings.Service, groups expansion.GroupSource,
	inbox expansion.InboxReader, relay *mqtt.Publisher, logger *slog.Logger) (*expansion.Services, error) {
	svc := &expansion.Services{}
	if settingsSvc != nil {
		svc.Settings = settingsSvc
	}
	if groups != nil {
		svc.Groups = groups
	}
	if inbox != nil {
		svc.Inbox = inbox
	}
	if relay != nil {
		svc.Events = relay
	}

	in := cfg.Integrations
	if in.Slack.Configured() {
		svc.Messaging = slack.New(in.Slack.Token, in.Slack.BaseURL, nil, logger)
	}
	if in.Notion.Configured() {
		svc.DocStore = notion.New(in.Notion.Token, in.Notion.BaseURL, nil, logger)
	}
	if in.Anthropic.Configured() {
		svc.TextGen = anthropic.New(in.Anthropic, nil, logger)
	}
	if in.GitHub.Configured() {
		gh, err := github.New(nil, in.GitHub.Token, in.GitHub.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("github client: %w", err)
		}
		svc.Issues = gh
	}
	return svc, nil
}

// openStore creates the data directory and opens the settings database.
func openStore(cfg *config.Config) (*store.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "postern.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
