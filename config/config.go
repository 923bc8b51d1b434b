package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/retry"
	"github.com/dhcgn/trackex/store"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMbox   = "mbox"
	StoreIMAP   = "imap"
)

// DefaultMgmtDB is offered when the management database is prompted for.
const DefaultMgmtDB = "MgmtDb"

// Config captures all options of an extraction run. It is built once and
// passed by value.
type Config struct {
	InputPath      string
	OutputDir      string
	NameProperty   string
	NameSchema     string
	MgmtHost       string
	MgmtDB         string
	TrackingHost   string
	TrackingDB     string
	Quit           bool
	NonInteractive bool
	SkipInvalid    bool
	StateDir       string
	SkipExtracted  bool
	LogLevel       string
	LogDir         string
	IncludePart    []string
	ExcludePart    []string

	Store              string
	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	IMAPFolder         string

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryFatal        []string
}

// Interactive reports whether missing values and retry decisions go to the
// operator.
func (c Config) Interactive() bool {
	return !c.NonInteractive
}

func (c Config) StoreSettings() store.Settings {
	return store.Settings{
		MgmtHost:     c.MgmtHost,
		MgmtDB:       c.MgmtDB,
		TrackingHost: c.TrackingHost,
		TrackingDB:   c.TrackingDB,
	}
}

// FilenameProperty is the context property holding original file names.
func (c Config) FilenameProperty() model.Property {
	return model.Property{Name: c.NameProperty, Namespace: c.NameSchema}
}

// RetryPolicy builds the non-interactive retry policy.
func (c Config) RetryPolicy() (retry.Policy, error) {
	fatal, err := retry.ParseKinds(c.RetryFatal)
	if err != nil {
		return retry.Policy{}, fmt.Errorf("--retry-fatal: %w", err)
	}
	return retry.Policy{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Fatal:        fatal,
	}, nil
}

// RegisterFlags attaches all extraction flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}
	policy := retry.DefaultPolicy()
	fatal := make([]string, 0, len(policy.Fatal))
	for _, k := range policy.Fatal {
		fatal = append(fatal, string(k))
	}

	persistent := cmd.PersistentFlags()
	persistent.String("log-level", "info", "Logging level: debug, info, warn, error")
	persistent.String("log-dir", "", "Directory for log files (in addition to stdout)")

	flags := cmd.Flags()
	flags.String("in", "", "File listing message identifiers, one per line")
	flags.String("out", "", "Directory the extracted files are written to (default: working directory)")
	flags.String("name-property", model.ReceivedFileName.Name, "Context property name used to derive the original filename")
	flags.String("name-schema", model.ReceivedFileName.Namespace, "Context namespace used to derive the original filename")
	flags.Bool("quit", false, "Exit without waiting for ENTER when done")
	flags.Bool("non-interactive", false, "Never prompt: fail on missing settings and retry by policy")
	flags.Bool("skip-invalid", false, "Report malformed identifiers and continue instead of halting the run")
	flags.String("state-dir", defaultStateDir, "Directory of the extraction journal")
	flags.Bool("skip-extracted", false, "Skip identifiers the journal lists as extracted")
	flags.StringArray("include-part", nil, "Regex allow-list applied to part names (mutually exclusive with --exclude-part)")
	flags.StringArray("exclude-part", nil, "Regex block-list applied to part names (mutually exclusive with --include-part)")

	RegisterStoreFlags(cmd)

	flags.Int("retry-max-attempts", policy.MaxAttempts, "Attempts per identifier in non-interactive mode")
	flags.Duration("retry-initial-delay", policy.InitialDelay, "Delay before the second attempt")
	flags.Duration("retry-max-delay", policy.MaxDelay, "Upper bound of the retry delay")
	flags.Float64("retry-multiplier", policy.Multiplier, "Growth factor of the retry delay")
	flags.StringSlice("retry-fatal", fatal, "Error kinds never retried: not-found, store, filesystem, conversion, unknown")

	return nil
}

// RegisterStoreFlags attaches the store selection and connection flags.
func RegisterStoreFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("store", StoreSQLite, "Tracking store backend: sqlite, mbox, imap")
	flags.String("mgmt-host", "", "Management database host (directory for sqlite)")
	flags.String("mgmt-db", "", "Management database name")
	flags.String("dta-host", "", "Tracking database host (default: management host)")
	flags.String("dta-db", "", "Tracking database name (blank: read from the management database)")
	flags.String("mbox", "", "Path to the mbox archive (--store=mbox)")
	flags.String("imap-host", "", "IMAP server hostname (--store=imap)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to TRACKEX_IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder", "INBOX", "IMAP folder holding the archived messages")
}

// LoadConfig converts the parsed Cobra flags into a Config. Connection
// settings not given on the command line are taken from defaults.
func LoadConfig(cmd *cobra.Command, defaults store.Settings) (Config, error) {
	r := flagReader{flags: cmd.Flags()}

	cfg := Config{
		InputPath:      r.string("in"),
		OutputDir:      r.string("out"),
		NameProperty:   r.string("name-property"),
		NameSchema:     r.string("name-schema"),
		Quit:           r.bool("quit"),
		NonInteractive: r.bool("non-interactive"),
		SkipInvalid:    r.bool("skip-invalid"),
		StateDir:       r.string("state-dir"),
		SkipExtracted:  r.bool("skip-extracted"),
		IncludePart:    r.stringArray("include-part"),
		ExcludePart:    r.stringArray("exclude-part"),

		RetryMaxAttempts:  r.int("retry-max-attempts"),
		RetryInitialDelay: r.duration("retry-initial-delay"),
		RetryMaxDelay:     r.duration("retry-max-delay"),
		RetryMultiplier:   r.float64("retry-multiplier"),
		RetryFatal:        r.stringSlice("retry-fatal"),
	}
	loadStore(&r, &cfg, defaults)
	if r.err != nil {
		return Config{}, r.err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	logOpts, err := LoadLogOptions(cmd)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, cfg.LogDir = logOpts.Level, logOpts.Dir

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LogOptions are the logging flags shared by all commands.
type LogOptions struct {
	Level string
	Dir   string
}

// LoadLogOptions reads the persistent logging flags.
func LoadLogOptions(cmd *cobra.Command) (LogOptions, error) {
	r := flagReader{flags: cmd.Flags()}
	opts := LogOptions{
		Level: strings.ToLower(r.string("log-level")),
		Dir:   r.string("log-dir"),
	}
	if r.err != nil {
		return LogOptions{}, r.err
	}
	if opts.Level == "warning" {
		opts.Level = "warn"
	}
	switch opts.Level {
	case "debug", "info", "warn", "error":
	default:
		return LogOptions{}, fmt.Errorf("invalid --log-level: %s", opts.Level)
	}
	return opts, nil
}

// LoadStoreConfig reads only the store flags registered by
// RegisterStoreFlags.
func LoadStoreConfig(cmd *cobra.Command, defaults store.Settings) (Config, error) {
	r := flagReader{flags: cmd.Flags()}
	var cfg Config
	loadStore(&r, &cfg, defaults)
	if r.err != nil {
		return Config{}, r.err
	}
	if err := validateStore(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadStore(r *flagReader, cfg *Config, defaults store.Settings) {
	cfg.Store = strings.ToLower(r.string("store"))
	cfg.MgmtHost = r.string("mgmt-host")
	cfg.MgmtDB = r.string("mgmt-db")
	cfg.TrackingHost = r.string("dta-host")
	cfg.TrackingDB = r.string("dta-db")
	cfg.MboxPath = r.string("mbox")
	cfg.IMAPHost = r.string("imap-host")
	cfg.IMAPPort = r.int("imap-port")
	cfg.IMAPUser = r.string("imap-user")
	cfg.IMAPPass = r.string("imap-pass")
	cfg.UseTLS = r.bool("use-tls")
	cfg.InsecureSkipVerify = r.bool("insecure-skip-verify")
	cfg.IMAPFolder = r.string("imap-folder")

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("TRACKEX_IMAP_PASS")
	}

	fallback(&cfg.MgmtHost, defaults.MgmtHost)
	fallback(&cfg.MgmtDB, defaults.MgmtDB)
	fallback(&cfg.TrackingHost, defaults.TrackingHost)
	fallback(&cfg.TrackingDB, defaults.TrackingDB)
}

func validateConfig(cfg Config) error {
	if cfg.InputPath != "" {
		if err := checkFile(cfg.InputPath); err != nil {
			return fmt.Errorf("--in: %w", err)
		}
	} else if cfg.NonInteractive {
		return fmt.Errorf("--in is required with --non-interactive")
	}
	if cfg.OutputDir != "" {
		if err := checkDir(cfg.OutputDir); err != nil {
			return fmt.Errorf("--out: %w", err)
		}
	}
	if cfg.NameProperty == "" {
		return fmt.Errorf("--name-property must not be empty")
	}
	if len(cfg.IncludePart) > 0 && len(cfg.ExcludePart) > 0 {
		return fmt.Errorf("--include-part and --exclude-part are mutually exclusive")
	}

	if cfg.RetryMaxAttempts <= 0 {
		return fmt.Errorf("--retry-max-attempts must be positive")
	}
	if _, err := cfg.RetryPolicy(); err != nil {
		return err
	}

	if err := validateStore(cfg); err != nil {
		return err
	}
	if cfg.NonInteractive && cfg.Store == StoreSQLite && cfg.MgmtDB == "" && cfg.TrackingDB == "" {
		return fmt.Errorf("--mgmt-db or --dta-db is required with --non-interactive")
	}
	return nil
}

func validateStore(cfg Config) error {
	switch cfg.Store {
	case StoreSQLite:
	case StoreMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required with --store=mbox")
		}
		if err := checkFile(cfg.MboxPath); err != nil {
			return fmt.Errorf("--mbox: %w", err)
		}
	case StoreIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required with --store=imap")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid --store: %s", cfg.Store)
	}
	return nil
}

// Prompter asks the operator for a value. check validates and normalizes
// the answer; a check error makes the prompter ask again.
type Prompter interface {
	Value(ctx context.Context, label, def string, allowEmpty bool, check func(string) (string, error)) (string, error)
}

// FillMissing asks for every setting the command line and discovery left
// blank and returns the completed Config. No further question is asked once
// ctx is done.
func FillMissing(ctx context.Context, cfg Config, p Prompter) (Config, error) {
	var err error
	ask := func(dst *string, label, def string, allowEmpty bool, check func(string) (string, error)) {
		if err != nil || *dst != "" {
			return
		}
		if err = ctx.Err(); err != nil {
			return
		}
		*dst, err = p.Value(ctx, label, def, allowEmpty, check)
	}

	cwd, werr := os.Getwd()
	if werr != nil {
		cwd = "."
	}

	ask(&cfg.InputPath, "Input file of message identifiers", "", false, pathCheck(checkFile))
	ask(&cfg.OutputDir, "Output directory", cwd, false, pathCheck(checkDir))
	if cfg.Store == StoreSQLite {
		ask(&cfg.MgmtHost, "Management database host", "localhost", false, accept)
		ask(&cfg.MgmtDB, "Management database name", DefaultMgmtDB, false, accept)
		ask(&cfg.TrackingHost, "Tracking database host", cfg.MgmtHost, false, accept)
		ask(&cfg.TrackingDB, "Tracking database name (blank: from management database)", "", true, accept)
	}
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func accept(s string) (string, error) {
	return s, nil
}

func pathCheck(check func(string) error) func(string) (string, error) {
	return func(s string) (string, error) {
		if err := check(s); err != nil {
			return "", err
		}
		return s, nil
	}
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file %s does not exist", path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("directory %s does not exist", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func fallback(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".trackex", "state"), nil
}
