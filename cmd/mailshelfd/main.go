// Package main is the entry point for the mail archive server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mailshelf/mailshelf/internal/api"
	"github.com/mailshelf/mailshelf/internal/config"
	"github.com/mailshelf/mailshelf/internal/container"
	"github.com/mailshelf/mailshelf/internal/delivery"
	"github.com/mailshelf/mailshelf/internal/handler"
	"github.com/mailshelf/mailshelf/internal/i18n"
	"github.com/mailshelf/mailshelf/internal/journal"
	"github.com/mailshelf/mailshelf/internal/journal/graph"
	"github.com/mailshelf/mailshelf/internal/journal/ses"
	"github.com/mailshelf/mailshelf/internal/journal/stdout"
	"github.com/mailshelf/mailshelf/internal/repo"
	"github.com/mailshelf/mailshelf/internal/repo/sqlite"
	"github.com/mailshelf/mailshelf/internal/smtp"
	"github.com/mailshelf/mailshelf/internal/spool"
	smtptls "github.com/mailshelf/mailshelf/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the repository and bootstrap the archive root
	store, err := sqlite.Open(cfg.Repository.Path)
	if err != nil {
		slog.Error("failed to open repository", "path", cfg.Repository.Path, "error", err)
		os.Exit(1)
	}

	root, err := store.EnsureRoot(ctx, cfg.Repository.RootFolder)
	if err != nil {
		slog.Error("failed to bootstrap archive root", "error", err)
		os.Exit(1)
	}

	dict := repo.NewDictionary()
	mimetypes := repo.NewMimetypeMap()
	actions := repo.NewActions()
	messages := i18n.NewBundle(cfg.Repository.Locale)

	// Assemble the component registry and apply configuration patches
	registry, err := buildRegistry(ctx, cfg, registryDeps{
		store:     store,
		dict:      dict,
		mimetypes: mimetypes,
		actions:   actions,
		messages:  messages,
	})
	if err != nil {
		slog.Error("failed to assemble components", "error", err)
		os.Exit(1)
	}
	registry.Refresh()

	msgHandler, err := resolveAs[handler.MessageHandler](registry, "emailMessageHandler")
	if err != nil {
		slog.Error("failed to resolve message handler", "error", err)
		os.Exit(1)
	}

	extracter, err := resolveAs[repo.Executor](registry, "metadataExtracter")
	if err != nil {
		slog.Error("failed to resolve metadata extracter", "error", err)
		os.Exit(1)
	}
	actions.Register(repo.ExtractMetadataExecutor, extracter)

	forwarder, err := resolveAs[journal.Forwarder](registry, "journalForwarder")
	if err != nil {
		slog.Error("failed to resolve journal forwarder", "error", err)
		os.Exit(1)
	}

	// Wire delivery: recipients resolve to folders below the archive root
	deliverer := delivery.New(store, dict, root, delivery.Config{
		AutoCreateFolders: cfg.Repository.AutoCreateFolders,
		DefaultFolder:     cfg.SMTP.DefaultFolder,
	})
	deliverer.RegisterHandler(repo.TypeFolder, msgHandler)
	deliverer.SetForwarder(forwarder)

	hostname := cfg.SMTP.Hostname
	if hostname == "" {
		hostname = "localhost"
	}

	// Load or generate TLS certificates
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       hostname,
		Deliverer:      deliverer,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		AllowedSenders: cfg.SMTP.AllowedSenders,
	})

	slog.Info("starting mailshelfd",
		"listen", cfg.SMTP.Listen,
		"repository", cfg.Repository.Path,
		"root_folder", cfg.Repository.RootFolder,
		"journal", forwarder.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"spool_enabled", cfg.SpoolEnabled(),
		"http_enabled", cfg.HTTPEnabled(),
	)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Optional background services stop with the same context
	var background sync.WaitGroup

	if cfg.SpoolEnabled() {
		watcher, err := spool.New(spool.Config{Dir: cfg.Spool.Dir, Folder: cfg.Spool.Folder}, deliverer)
		if err != nil {
			slog.Error("failed to create spool watcher", "error", err)
			os.Exit(1)
		}
		background.Add(1)
		go func() {
			defer background.Done()
			if err := watcher.Run(ctx); err != nil {
				slog.Error("spool watcher error", "error", err)
				cancel()
			}
		}()
	}

	if cfg.HTTPEnabled() {
		apiServer := api.New(cfg.HTTP.Listen, store, store, dict, root)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := apiServer.Run(ctx); err != nil {
				slog.Error("admin API error", "error", err)
				cancel()
			}
		}()
	}

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Drain everything the ingress may still have in flight before closing
	// the store.
	background.Wait()
	actions.Wait()

	if err := store.Close(); err != nil {
		slog.Error("failed to close repository", "error", err)
	}

	slog.Info("mailshelfd stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// registryDeps bundles the repository collaborators the component factories
// close over.
type registryDeps struct {
	store     *sqlite.Store
	dict      *repo.Dictionary
	mimetypes *repo.MimetypeMap
	actions   *repo.Actions
	messages  *i18n.Bundle
}

// buildRegistry declares the patchable component definitions, binds their
// implementation factories, and installs the configured patches as
// post-processors. Nothing is instantiated here; Resolve does that after
// Refresh has run the patches.
func buildRegistry(ctx context.Context, cfg *config.Config, deps registryDeps) (*container.Registry, error) {
	journalImpl, err := journalImplementation(cfg.Journal.Provider)
	if err != nil {
		return nil, err
	}

	registry := container.NewRegistry()

	registry.Define(&container.Definition{
		Name:           "emailMessageHandler",
		Implementation: "folderMessageHandler",
		Properties: map[string]any{
			"overwriteDuplicates":                cfg.Handler.OverwriteDuplicates,
			"extractAttachments":                 cfg.Handler.ExtractAttachments,
			"extractAttachmentsAsDirectChildren": cfg.Handler.ExtractAttachmentsAsDirectChildren,
			"copyEmailMetadataToAttachments":     cfg.Handler.CopyEmailMetadataToAttachments,
		},
	})
	registry.Define(&container.Definition{
		Name:           "metadataExtracter",
		Implementation: "emailMetadataExtracter",
	})
	registry.Define(&container.Definition{
		Name:           "journalForwarder",
		Implementation: journalImpl,
		Properties:     journalProperties(cfg.Journal),
	})

	registry.RegisterFactory("folderMessageHandler", func(def *container.Definition) (any, error) {
		svc := handler.FolderServices{
			Nodes:      deps.store,
			Dictionary: deps.dict,
			Content:    deps.store,
			Mimetypes:  deps.mimetypes,
			Actions:    deps.actions,
		}
		return handler.NewFolder(svc, handler.FolderConfig{
			OverwriteDuplicates:         def.BoolProperty("overwriteDuplicates", false),
			ExtractAttachments:          def.BoolProperty("extractAttachments", false),
			AttachmentsAsDirectChildren: def.BoolProperty("extractAttachmentsAsDirectChildren", false),
			CopyMetadataToAttachments:   def.BoolProperty("copyEmailMetadataToAttachments", false),
		}, deps.messages), nil
	})
	registry.RegisterFactory("emailMetadataExtracter", func(def *container.Definition) (any, error) {
		return repo.NewMetadataExtracter(deps.store, deps.store), nil
	})
	registry.RegisterFactory("noJournal", func(def *container.Definition) (any, error) {
		return journal.Noop{}, nil
	})
	registry.RegisterFactory("stdoutJournalForwarder", func(def *container.Definition) (any, error) {
		return stdout.New(), nil
	})
	registry.RegisterFactory("sesJournalForwarder", func(def *container.Definition) (any, error) {
		region := def.StringProperty("region", "")
		sender := def.StringProperty("sender", "")
		recipient := def.StringProperty("recipient", "")
		if region == "" || sender == "" || recipient == "" {
			return nil, errors.New("SES journaling requires region, sender and recipient")
		}
		return ses.New(ctx, ses.Config{
			Region:          region,
			AccessKeyID:     def.StringProperty("accessKeyID", ""),
			SecretAccessKey: def.StringProperty("secretAccessKey", ""),
			Sender:          sender,
			Destination:     recipient,
		})
	})
	registry.RegisterFactory("graphJournalForwarder", func(def *container.Definition) (any, error) {
		gcfg := graph.Config{
			TenantID:     def.StringProperty("tenantID", ""),
			ClientID:     def.StringProperty("clientID", ""),
			ClientSecret: def.StringProperty("clientSecret", ""),
			Sender:       def.StringProperty("sender", ""),
			Recipient:    def.StringProperty("recipient", ""),
		}
		if gcfg.TenantID == "" || gcfg.ClientID == "" || gcfg.ClientSecret == "" ||
			gcfg.Sender == "" || gcfg.Recipient == "" {
			return nil, errors.New("Graph journaling requires tenant, client credentials, sender and recipient")
		}
		return graph.New(gcfg), nil
	})

	for _, p := range cfg.Patches {
		registry.AddPostProcessor(&container.ImplementationPatch{
			Name:        p.Name,
			Target:      p.Target,
			Original:    p.Original,
			Replacement: p.Replacement,
			Active:      p.Active,
		})
	}

	return registry, nil
}

// journalImplementation maps the configured journal provider to its
// implementation key.
func journalImplementation(provider string) (string, error) {
	switch provider {
	case "", "none":
		return "noJournal", nil
	case "stdout":
		return "stdoutJournalForwarder", nil
	case "ses":
		return "sesJournalForwarder", nil
	case "graph":
		return "graphJournalForwarder", nil
	default:
		return "", errors.New("unknown journal provider " + provider)
	}
}

// journalProperties exposes the active provider's settings as definition
// properties so patches and factories see a uniform property surface.
func journalProperties(cfg config.JournalConfig) map[string]any {
	switch cfg.Provider {
	case "ses":
		return map[string]any{
			"region":          cfg.SES.Region,
			"accessKeyID":     cfg.SES.AccessKeyID,
			"secretAccessKey": cfg.SES.SecretAccessKey,
			"sender":          cfg.SES.Sender,
			"recipient":       cfg.SES.Recipient,
		}
	case "graph":
		return map[string]any{
			"tenantID":     cfg.Graph.TenantID,
			"clientID":     cfg.Graph.ClientID,
			"clientSecret": cfg.Graph.ClientSecret,
			"sender":       cfg.Graph.Sender,
			"recipient":    cfg.Graph.Recipient,
		}
	default:
		return nil
	}
}

// resolveAs resolves a named component and checks it against the expected
// interface.
func resolveAs[T any](registry *container.Registry, name string) (T, error) {
	var zero T
	v, err := registry.Resolve(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.New("component " + name + " has an unexpected type")
	}
	return t, nil
}
