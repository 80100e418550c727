package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/umputun/dbrelay/pkg/config"
	"github.com/umputun/dbrelay/pkg/forward"
	"github.com/umputun/dbrelay/pkg/pool"
	"github.com/umputun/dbrelay/pkg/request"
	"github.com/umputun/dbrelay/pkg/secrets"
	"github.com/umputun/dbrelay/pkg/server"
	"github.com/umputun/dbrelay/pkg/session"
	"github.com/umputun/dbrelay/pkg/source"
	"github.com/umputun/dbrelay/pkg/state"
	"github.com/umputun/dbrelay/pkg/stmt"
)

type options struct {
	Config   string `short:"f" long:"config" env:"DBRELAY_CONFIG" description:"config file" default:"dbrelay.yml"`
	Listen   string `short:"l" long:"listen" env:"DBRELAY_LISTEN" description:"listen address" default:":8080"`
	Instance string `long:"instance" env:"DBRELAY_INSTANCE" description:"instance name, overrides config"`
	Endpoint string `long:"endpoint" env:"DBRELAY_ENDPOINT" description:"url other instances forward to, overrides config"`
	StateDir string `long:"state-dir" env:"DBRELAY_STATE_DIR" description:"shared state directory, overrides config"`
	MaxBody  int64  `long:"max-body" env:"DBRELAY_MAX_BODY" description:"max request size" default:"1048576"`

	Forward struct {
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" description:"forwarded request timeout" default:"30s"`
		Retries  int           `long:"retries" env:"RETRIES" description:"forward retries on connection errors" default:"2"`
		RetryMin time.Duration `long:"retry-min" env:"RETRY_MIN" description:"min wait between retries" default:"100ms"`
		RetryMax time.Duration `long:"retry-max" env:"RETRY_MAX" description:"max wait between retries" default:"1s"`
	} `group:"forward" namespace:"forward" env-namespace:"DBRELAY_FORWARD"`

	WatchDebounce time.Duration `long:"watch-debounce" env:"DBRELAY_WATCH_DEBOUNCE" description:"sources file reload delay" default:"1s"`

	SecretsProvider SecretsProvider `group:"secrets" namespace:"secrets" env-namespace:"DBRELAY_SECRETS"`

	Version bool `long:"version" description:"show version"`
	Dbg     bool `long:"dbg" description:"debug mode"`
}

// SecretsProvider defines secrets provider options, for all supported providers
type SecretsProvider struct {
	Provider string `long:"provider" env:"PROVIDER" description:"secret provider type" choice:"none" choice:"internal" choice:"vault" choice:"aws" choice:"ansible-vault" default:"none"`

	Key  string `long:"key" env:"KEY" description:"secure key for internal secrets provider"`
	Conn string `long:"conn" env:"CONN" description:"connection string for internal secrets provider" default:"dbrelay-secrets.db"`

	Vault struct {
		Token string `long:"token" env:"TOKEN" description:"vault token"`
		Path  string `long:"path"  env:"PATH" description:"vault path"`
		URL   string `long:"url" env:"URL" description:"vault url"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Region    string `long:"region" env:"REGION" description:"aws region"`
		AccessKey string `long:"access-key" env:"ACCESS_KEY" description:"aws access key"`
		SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"aws secret key"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	AnsibleVault struct {
		File     string `long:"file" env:"FILE" description:"ansible-vault encrypted yaml file"`
		Password string `long:"password" env:"PASSWORD" description:"ansible-vault password"`
	} `group:"ansible-vault" namespace:"ansible-vault" env-namespace:"ANSIBLE_VAULT"`
}

var revision = "latest"

func main() {
	fmt.Printf("dbrelay %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Version {
		os.Exit(0) // already printed
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		if opts.Dbg {
			log.Panicf("[ERROR] %v", err)
		}
		fmt.Printf("failed, %v\n", formatErrorString(err.Error()))
		os.Exit(1)
	}
}

// run starts the relay and blocks until the context is canceled
func run(ctx context.Context, opts options) error {
	secretsProvider, err := makeSecretsProvider(opts.SecretsProvider)
	if err != nil {
		return fmt.Errorf("can't make secrets provider: %w", err)
	}

	conf, err := config.New(opts.Config, secretsProvider)
	if err != nil {
		return fmt.Errorf("can't load config %q: %w", opts.Config, err)
	}
	lgr.Setup(lgr.Secret(conf.AllSecretValues()...)) // mask pool passwords in logs
	applyOverrides(opts, conf)
	if err = registerTypeAliases(conf.TypeAliases); err != nil {
		return err
	}

	p, err := pool.New(conf.Pool)
	if err != nil {
		return fmt.Errorf("can't make pool: %w", err)
	}
	defer func() {
		if perr := p.Close(); perr != nil {
			log.Printf("[WARN] %v", perr)
		}
	}()

	srcs, err := source.Build(conf.Sources)
	if err != nil {
		return fmt.Errorf("can't build sources: %w", err)
	}
	reg := source.NewRegistry(srcs...)
	if conf.SourcesFile != "" {
		if err = reg.Watch(ctx, conf.SourcesFile, conf.InlineSources(), opts.WatchDebounce); err != nil {
			log.Printf("[WARN] sources file %s won't be reloaded, %v", conf.SourcesFile, err)
		}
	}

	store, err := state.NewStore(conf.StateDir, conf.Instance)
	if err != nil {
		return fmt.Errorf("can't make state store: %w", err)
	}
	if err = store.Register(conf.Endpoint); err != nil {
		return err
	}

	mgr := session.NewManager(p, store, conf.Session)
	defer func() {
		mgr.Close()
		if uerr := store.Unregister(); uerr != nil {
			log.Printf("[WARN] %v", uerr)
		}
		log.Printf("[INFO] instance %s stopped", conf.Instance)
	}()
	go func() {
		if rerr := mgr.Run(ctx); rerr != nil && ctx.Err() == nil {
			log.Printf("[WARN] reaper stopped, %v", rerr)
		}
	}()

	fwd := forward.New(conf.Instance, forward.Opts{Timeout: opts.Forward.Timeout, Retries: opts.Forward.Retries,
		RetryMin: opts.Forward.RetryMin, RetryMax: opts.Forward.RetryMax})
	srv := &server.Server{
		Listen:   opts.Listen,
		Handler:  &request.Handler{Sources: reg, Sessions: mgr, Pool: p, Forwarder: fwd, PageSize: conf.Session.PageSize},
		Pool:     p,
		Sessions: mgr,
		Version:  revision,
		MaxBody:  opts.MaxBody,
	}
	log.Printf("[INFO] instance %s, endpoint %s, %d sources, %s", conf.Instance, conf.Endpoint, reg.Len(), fwd)
	return srv.Run(ctx)
}

// registerTypeAliases adds configured type names, sources and binds use them after registration
func registerTypeAliases(aliases map[string]string) error {
	names := make([]string, 0, len(aliases))
	for alias := range aliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	for _, alias := range names {
		if err := stmt.RegisterAlias(alias, aliases[alias]); err != nil {
			return fmt.Errorf("can't register type alias %q: %w", alias, err)
		}
		log.Printf("[DEBUG] type alias %s registered for %s", alias, aliases[alias])
	}
	return nil
}

// applyOverrides sets config values given on the command line, endpoint derived from the listen address if unset
func applyOverrides(opts options, conf *config.Config) {
	if opts.Instance != "" {
		conf.Instance = opts.Instance
	}
	if opts.StateDir != "" {
		conf.StateDir = opts.StateDir
	}
	if opts.Endpoint != "" {
		conf.Endpoint = opts.Endpoint
	}
	if conf.Endpoint == "" {
		conf.Endpoint = endpointFor(opts.Listen)
		log.Printf("[WARN] no endpoint set, other instances will forward to %s", conf.Endpoint)
	}
}

// endpointFor makes url of the listen address, host name used for addresses without host
func endpointFor(listen string) string {
	host, port, ok := strings.Cut(listen, ":")
	if !ok {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return "http://" + host + ":" + port
}

// makeSecretsProvider creates secrets provider based on options
func makeSecretsProvider(sopts SecretsProvider) (config.SecretsProvider, error) {
	switch sopts.Provider {
	case "none", "":
		return &secrets.NoOpProvider{}, nil
	case "internal":
		return secrets.NewInternalProvider(sopts.Conn, []byte(sopts.Key))
	case "vault":
		return secrets.NewHashiVaultProvider(sopts.Vault.URL, sopts.Vault.Path, sopts.Vault.Token)
	case "aws":
		return secrets.NewAWSSecretsProvider(sopts.Aws.AccessKey, sopts.Aws.SecretKey, sopts.Aws.Region)
	case "ansible-vault":
		return secrets.NewAnsibleVaultProvider(sopts.AnsibleVault.File, sopts.AnsibleVault.Password)
	}
	log.Printf("[WARN] unknown secrets provider %q", sopts.Provider)
	return &secrets.NoOpProvider{}, nil
}

func formatErrorString(input string) string {
	headerRe := regexp.MustCompile(`(.*: \d+ errors? occurred:)`)
	headerMatch := headerRe.FindStringSubmatch(input)
	if len(headerMatch) == 0 {
		return input
	}

	itemRe := regexp.MustCompile(`(?m)^\s*\* (.+)$`)
	res := strings.TrimSpace(headerMatch[1]) + "\n"
	for i, m := range itemRe.FindAllStringSubmatch(input, -1) {
		res += fmt.Sprintf("   [%d] %s\n", i, strings.TrimSpace(m[1]))
	}
	return res
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
