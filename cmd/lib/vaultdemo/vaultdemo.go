package vaultdemo

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	vaultbp "github.com/reddit/vaultbp.go"
	"github.com/reddit/vaultbp.go/configbp"
	"github.com/reddit/vaultbp.go/log"
	"github.com/reddit/vaultbp.go/poller"
)

// Run runs vaultdemo until SIGINT or SIGTERM.
//
// It returns 0 to indicate success,
// and non-zero to indicate failure.
//
// Your main function usually should look like:
//
//	func main() {
//	  os.Exit(vaultdemo.Run())
//	}
func Run() int {
	if err := RunArgs(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return -1
	}
	return 0
}

// RunArgs is the more customizable/testable version of Run.
//
// In production code it expects you to pass in os.Args as the arg.
func RunArgs(args []string) error {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	configPath := fs.String(
		"config",
		configbp.VaultConfigPath,
		"The path to the YAML config file.",
	)
	logLevel := fs.String(
		"log-level",
		"info",
		"The minimal log level, one of debug/info/warn/error.",
	)
	jsonLog := fs.Bool(
		"json-log",
		false,
		"Emit logs as JSON instead of console format.",
	)
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}
	if *configPath == "" {
		return fmt.Errorf("no config file: pass -config or set VAULT_CONFIG_PATH")
	}

	if *jsonLog {
		log.InitLoggerJSON(log.Level(*logLevel))
	} else {
		log.InitLogger(log.Level(*logLevel))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg vaultbp.Config
	if err := configbp.ParseStrictFile(*configPath, &cfg); err != nil {
		return fmt.Errorf("failed to parse config %q: %w", *configPath, err)
	}
	return run(ctx, cfg)
}

func run(ctx context.Context, cfg vaultbp.Config) error {
	client, err := vaultbp.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	pcfg := poller.Config{
		Client:   client,
		Interval: cfg.KV.RefreshInterval.ToDuration(),
		Logger:   log.ErrorWithSentryWrapper(),
		OnUpdate: func(kind, id string) {
			logSecret(ctx, client, kind, id)
		},
	}
	if cfg.KV.Enabled {
		pcfg.KVPath = cfg.KV.Path
	}
	if cfg.Dynamic.Enabled {
		pcfg.DynamicRole = cfg.Dynamic.Role
	}
	if cfg.Static.Enabled {
		pcfg.StaticRole = cfg.Static.Role
	}

	p, err := poller.Start(ctx, pcfg)
	if err != nil {
		return err
	}
	defer p.Stop()

	log.Infow(
		"vaultdemo: polling started",
		"entity", cfg.Entity,
		"url", cfg.URL,
	)
	<-ctx.Done()
	log.Info("vaultdemo: shutting down")
	return nil
}

// logSecret logs the refreshed secret with every value masked. Only field
// names, versions, and remaining TTLs ever reach the log.
func logSecret(ctx context.Context, client *vaultbp.Client, kind, id string) {
	switch kind {
	case "kv":
		secret, err := client.GetKVSecret(ctx, id)
		if err != nil {
			return
		}
		keys := make([]string, 0, len(secret.Data))
		for k := range secret.Data {
			keys = append(keys, k)
		}
		log.Infow(
			"vaultdemo: kv secret refreshed",
			"path", id,
			"version", secret.Version,
			"fields", keys,
		)
	case "dynamic":
		secret, err := client.GetDynamicSecret(ctx, id)
		if err != nil {
			return
		}
		log.Infow(
			"vaultdemo: dynamic credential refreshed",
			"role", id,
			"username", secret.Username,
			"password", Mask(secret.Password),
			"ttl", secret.TTL,
			"lease_id", secret.LeaseID,
		)
	case "static":
		secret, err := client.GetStaticSecret(ctx, id)
		if err != nil {
			return
		}
		log.Infow(
			"vaultdemo: static credential refreshed",
			"role", id,
			"username", secret.Username,
			"password", Mask(secret.Password),
			"ttl", secret.TTL,
		)
	}
}

// Mask hides all but the first character of a secret value.
func Mask(s string) string {
	if len(s) <= 1 {
		return "****"
	}
	return s[:1] + "****"
}
