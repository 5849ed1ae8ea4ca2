package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/swiftcast/internal/accountstore"
	"github.com/rakunlabs/swiftcast/internal/compaction"
	"github.com/rakunlabs/swiftcast/internal/config"
	"github.com/rakunlabs/swiftcast/internal/contextprovider"
	"github.com/rakunlabs/swiftcast/internal/filelog"
	"github.com/rakunlabs/swiftcast/internal/hooks"
	"github.com/rakunlabs/swiftcast/internal/interceptor"
	"github.com/rakunlabs/swiftcast/internal/proxyserver"
	"github.com/rakunlabs/swiftcast/internal/steptracker"
	"github.com/rakunlabs/swiftcast/internal/webhook"
)

var (
	name    = "swiftcastproxy"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	sessioncastDir := filepath.Join(homeDir, ".sessioncast")

	store, err := accountstore.New(ctx, accountstore.Options{
		Datasource:           cfg.Store.Datasource,
		KeyVaultPath:         cfg.Store.KeyVaultPath,
		EncryptionKey:        cfg.Store.EncryptionKey,
		SessionRetentionDays: cfg.Store.SessionRetentionDays,
		UsageRetentionDays:   cfg.Store.UsageRetentionDays,
	})
	if err != nil {
		return fmt.Errorf("open persistent store: %w", err)
	}
	defer store.Close()

	hookReg := hooks.NewRegistry(cfg.Hooks.Enabled)

	webhooks, err := webhook.New(cfg.Webhook.URL, cfg.Webhook.Enabled)
	if err != nil {
		return fmt.Errorf("build webhook dispatcher: %w", err)
	}

	fileLogDir := cfg.FileLog.Dir
	if fileLogDir == "" {
		fileLogDir = filepath.Join(sessioncastDir, "logs")
	}
	fileLogRetention := time.Duration(cfg.FileLog.RetentionDays) * 24 * time.Hour
	fileSink := filelog.New(fileLogDir, fileLogRetention)
	defer fileSink.Close()
	hookReg.RegisterObserver(fileSink)

	contextProviderDir := cfg.ContextProvider.Dir
	ctxProviders, err := contextprovider.Load(contextProviderDir)
	if err != nil {
		return fmt.Errorf("load context providers: %w", err)
	}

	compactionPath := cfg.Compaction.ConfigPath
	if compactionPath == "" {
		compactionPath = filepath.Join(filepath.Dir(fileLogDir), "compaction.json")
	}
	_, statErr := os.Stat(compactionPath)
	compactor, err := compaction.New(compactionPath, ctxProviders)
	if err != nil {
		return fmt.Errorf("load compaction config: %w", err)
	}
	if os.IsNotExist(statErr) {
		seed := compaction.Config{
			Enabled:                 cfg.Compaction.Enabled,
			SummarizationInstructions: cfg.Compaction.SummarizationInstructions,
			ContextInjection:        cfg.Compaction.ContextInjection,
			ContextProvidersEnabled: cfg.Compaction.ContextProvidersEnabled,
		}
		if err := compactor.Update(seed); err != nil {
			return fmt.Errorf("seed compaction config: %w", err)
		}
	}
	hookReg.RegisterMutator(compactor)

	tasksPath := cfg.Interceptor.TasksPath
	if tasksPath == "" {
		tasksPath = filepath.Join(sessioncastDir, "tasks.json")
	}
	commandCatalog, err := interceptor.Load(tasksPath)
	if err != nil {
		return fmt.Errorf("load task catalog: %w", err)
	}

	steps := steptracker.New()

	srv := proxyserver.New(cfg.Server, proxyserver.Deps{
		Store:       store,
		HookReg:     hookReg,
		Compactor:   compactor,
		Interceptor: commandCatalog,
		Steps:       steps,
		Webhooks:    webhooks,
	})

	slog.Info("starting proxy", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}
