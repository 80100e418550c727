package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/umputun/dbrelay/pkg/secrets"
)

type options struct {
	Key  string `short:"k" long:"key" env:"DBRELAY_SECRETS_KEY" required:"true" description:"key to use for encryption/decryption"`
	Conn string `short:"c" long:"conn" env:"DBRELAY_SECRETS_CONN" default:"dbrelay-secrets.db" description:"connection string of the secrets database"`
	Dbg  bool   `long:"dbg" description:"debug mode"`

	SetCmd struct {
		PositionalArgs struct {
			Key   string `positional-arg-name:"key" description:"key to add"`
			Value string `positional-arg-name:"value" description:"value to add, read from terminal or stdin if not set"`
		} `positional-args:"yes"`
	} `command:"set" description:"add or replace a secret"`

	GetCmd struct {
		PositionalArgs struct {
			Key string `positional-arg-name:"key" description:"key to retrieve"`
		} `positional-args:"yes" required:"yes"`
	} `command:"get" description:"retrieve a secret"`

	DeleteCmd struct {
		PositionalArgs struct {
			Key string `positional-arg-name:"key" description:"key to delete"`
		} `positional-args:"yes" required:"yes"`
	} `command:"del" description:"delete a secret"`

	ListCmd struct {
		PositionalArgs struct {
			KeyPrefix string `positional-arg-name:"key-prefix" default:"*" description:"key prefix to list"`
		} `positional-args:"yes"`
	} `command:"list" description:"list secrets keys"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	fmt.Fprintf(os.Stderr, "dbrelay secrets %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)

	if err := run(p, opts, os.Stdout, readValue); err != nil {
		log.Printf("[WARN] %v", err)
		exitFunc(1)
	}
}

// run executes the active command, values and keys printed to out
func run(p *flags.Parser, opts options, out io.Writer, read func() (string, error)) error {
	if p.Active == nil {
		return fmt.Errorf("no command")
	}
	sp, err := secrets.NewInternalProvider(opts.Conn, []byte(opts.Key))
	if err != nil {
		return fmt.Errorf("can't create secrets provider: %w", err)
	}
	defer sp.Close() // nolint

	switch p.Active.Name {
	case "set":
		key, val := opts.SetCmd.PositionalArgs.Key, opts.SetCmd.PositionalArgs.Value
		log.Printf("[INFO] set command, key=%s", key)
		if key == "" {
			return fmt.Errorf("can't set secret without key")
		}
		if val == "" {
			if val, err = read(); err != nil {
				return fmt.Errorf("can't read value of %q: %w", key, err)
			}
		}
		if val == "" {
			return fmt.Errorf("can't set empty secret for key %q", key)
		}
		if err := sp.Set(key, val); err != nil {
			return fmt.Errorf("can't set secret for key %q: %w", key, err)
		}

	case "get":
		key := opts.GetCmd.PositionalArgs.Key
		log.Printf("[INFO] get command, key=%s", key)
		val, err := sp.Get(key)
		if err != nil {
			return fmt.Errorf("can't get secret for key %q: %w", key, err)
		}
		fmt.Fprintln(out, val)

	case "del":
		key := opts.DeleteCmd.PositionalArgs.Key
		log.Printf("[INFO] del command, key=%s", key)
		if err := sp.Delete(key); err != nil {
			return fmt.Errorf("can't delete secret: %w", err)
		}
		log.Printf("[INFO] key=%s deleted", key)

	case "list":
		prefix := opts.ListCmd.PositionalArgs.KeyPrefix
		log.Printf("[INFO] list command, key-prefix=%q", prefix)
		keys, err := sp.List(prefix)
		if err != nil {
			return fmt.Errorf("can't list secrets: %w", err)
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
	}
	return nil
}

// readValue reads secret value from the terminal without echo, or a line of stdin if it is not a terminal
func readValue() (string, error) {
	fd := int(os.Stdin.Fd()) // nolint:gosec // stdin descriptor fits int
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "value: ")
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
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
