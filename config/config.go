package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-archive/syncer"
)

// EnvPrefix prefixes environment variables that override flags, e.g.
// MAIL_ARCHIVE_IMAP_HOST for --imap-host.
const EnvPrefix = "MAIL_ARCHIVE"

// Config captures the options of every subcommand. Fields of flags a
// command does not register keep their zero value.
type Config struct {
	ConfigFile string
	ArchiveDir string
	LogLevel   string
	LogDir     string

	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool

	Mode    syncer.Mode
	Year    int
	Timeout time.Duration

	IncludeFolder []string
	ExcludeFolder []string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// PasswordFunc looks up a stored password for an IMAP account.
type PasswordFunc func(user, host string) (string, error)

// RegisterFlags attaches the flags shared by all subcommands.
func RegisterFlags(cmd *cobra.Command) error {
	home, err := homeDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", filepath.Join(home, "config.yaml"), "Config file (YAML); flags and "+EnvPrefix+"_* env vars take precedence")
	flags.String("archive", filepath.Join(home, "archive"), "Archive root directory")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (logs to stdout only when empty)")
	return nil
}

// RegisterSyncFlags attaches the remote source, mode and filter flags.
func RegisterSyncFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("mbox", "", "Read from an .mbox file or a directory of .mbox files instead of IMAP")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mode", "incremental", "Sync mode: full, incremental, year")
	flags.Int("year", time.Now().Year(), "First year archived in year mode")
	flags.Duration("timeout", 2*time.Minute, "Timeout of a single remote operation (0 disables it)")
	RegisterFilterFlags(cmd)
	return nil
}

// RegisterIMAPFlags attaches the flags that identify an IMAP account.
func RegisterIMAPFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.String("imap-user", "", "IMAP username")
	return nil
}

// RegisterFilterFlags attaches the folder and message filter flags.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-folder", nil, "Regex allow-list applied to folder names")
	flags.StringArray("exclude-folder", nil, "Regex block-list applied to folder names")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// LoadConfig resolves every registered flag through the config file and the
// environment and validates the shared options.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return Config{}, err
	}

	mode := syncer.ModeIncremental
	if s := v.GetString("mode"); s != "" {
		mode, err = syncer.ParseMode(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --mode: %w", err)
		}
	}

	logLevel := strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	archiveDir := strings.TrimSpace(v.GetString("archive"))
	if archiveDir != "" {
		archiveDir = filepath.Clean(expandHome(archiveDir))
	}

	cfg := Config{
		ConfigFile:         v.ConfigFileUsed(),
		ArchiveDir:         archiveDir,
		LogLevel:           logLevel,
		LogDir:             expandHome(v.GetString("log-dir")),
		MboxPath:           expandHome(strings.TrimSpace(v.GetString("mbox"))),
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Mode:               mode,
		Year:               v.GetInt("year"),
		Timeout:            v.GetDuration("timeout"),
		IncludeFolder:      v.GetStringSlice("include-folder"),
		ExcludeFolder:      v.GetStringSlice("exclude-folder"),
		IncludeHeader:      v.GetStringSlice("include-header"),
		IncludeBody:        v.GetStringSlice("include-body"),
		ExcludeHeader:      v.GetStringSlice("exclude-header"),
		ExcludeBody:        v.GetStringSlice("exclude-body"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadSyncConfig is LoadConfig plus the remote source checks of sync. The
// IMAP password falls back to IMAP_PASS and then to lookup.
func LoadSyncConfig(cmd *cobra.Command, lookup PasswordFunc) (Config, error) {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return Config{}, err
	}

	if cfg.MboxPath == "" && cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.MboxPath == "" && cfg.IMAPPass == "" && lookup != nil && cfg.IMAPHost != "" && cfg.IMAPUser != "" {
		if pass, err := lookup(cfg.IMAPUser, cfg.IMAPHost); err == nil {
			cfg.IMAPPass = pass
		}
	}

	if err := validateSync(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := expandHome(strings.TrimSpace(v.GetString("config")))
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

func validateConfig(cfg Config) error {
	if cfg.ArchiveDir == "" {
		return fmt.Errorf("--archive is required")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	return nil
}

func validateSync(cfg Config) error {
	if cfg.Timeout < 0 {
		return fmt.Errorf("--timeout must not be negative")
	}
	if cfg.Mode == syncer.ModeYear && (cfg.Year < 1970 || cfg.Year > 9999) {
		return fmt.Errorf("--year must be between 1970 and 9999")
	}
	if cfg.MboxPath != "" {
		return nil
	}
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host or --mbox is required")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if cfg.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or the keyring")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	return nil
}

// HomeDir is the directory holding the default config, archive and
// credential files.
func HomeDir() (string, error) {
	return homeDir()
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-archive"), nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
