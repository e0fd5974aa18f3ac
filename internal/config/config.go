// Package config resolves trackctl and trackbot settings from the
// environment, an optional .env or TOML file and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/trackctl/internal/env"
	"github.com/loykin/trackctl/internal/logger"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read when no config file is given and it exists in the
// working directory.
const DefaultEnvFile = ".env"

// Configuration keys.
const (
	KeyServerBase       = "server_base"
	KeyPIDFile          = "pid_file"
	KeyLockFile         = "lock_file"
	KeyServerExecutable = "server_executable"
	KeyJoinDomain       = "join_domain"
	KeyReadyTimeout     = "ready_timeout"
	KeyStopGrace        = "stop_grace"
	KeyLockTimeout      = "lock_timeout"
	KeyHistoryDSN       = "history_dsn"
	KeyStateFile        = "state_file"
	KeyControllerPath   = "controller_path"
	KeyControllerArgs   = "controller_args"
	KeyDiscordToken     = "discord_token"
	KeyGuildID          = "guild_id"
	KeyAdminRole        = "admin_role"
	KeyDeleteDelay      = "delete_delay"
	KeyStartTimeout     = "start_timeout"
	KeyStopTimeout      = "stop_timeout"
	KeyPreStopTimeout   = "prestop_timeout"
	KeyHTTPAddr         = "http_addr"
	KeyLogLevel         = "log.level"
	KeyLogFile          = "log.file"
	KeyLogFormat        = "log.format"
	KeyLogTimestamps    = "log.timestamps"
)

// envNames maps each key to the environment variables that may set it, in
// priority order.
var envNames = map[string][]string{
	KeyServerBase:       {"SERVER_BASE"},
	KeyPIDFile:          {"PID_FILE"},
	KeyLockFile:         {"LOCK_FILE"},
	KeyServerExecutable: {"SERVER_EXECUTABLE"},
	KeyJoinDomain:       {"JOIN_DOMAIN"},
	KeyReadyTimeout:     {"READY_TIMEOUT"},
	KeyStopGrace:        {"STOP_GRACE"},
	KeyLockTimeout:      {"LOCK_TIMEOUT"},
	KeyHistoryDSN:       {"HISTORY_DSN"},
	KeyStateFile:        {"STATE_FILE"},
	KeyControllerPath:   {"CONTROLLER_PATH", "CONTROLLER_SCRIPT"},
	KeyControllerArgs:   {"CONTROLLER_ARGS"},
	KeyDiscordToken:     {"DISCORD_TOKEN"},
	KeyGuildID:          {"GUILD_ID"},
	KeyAdminRole:        {"ADMIN_ROLE"},
	KeyDeleteDelay:      {"DELETE_DELAY"},
	KeyStartTimeout:     {"START_TIMEOUT"},
	KeyStopTimeout:      {"STOP_TIMEOUT"},
	KeyPreStopTimeout:   {"PRESTOP_TIMEOUT"},
	KeyHTTPAddr:         {"HTTP_ADDR"},
	KeyLogLevel:         {"LOG_LEVEL"},
	KeyLogFile:          {"LOG_FILE"},
	KeyLogFormat:        {"LOG_FORMAT"},
	KeyLogTimestamps:    {"LOG_TIMESTAMPS"},
}

var defaults = map[string]any{
	KeyServerExecutable: "AssettoServer",
	KeyJoinDomain:       "acstuff.ru",
	KeyReadyTimeout:     "30s",
	KeyStopGrace:        "5s",
	KeyLockTimeout:      "60s",
	KeyAdminRole:        "Game Admin",
	KeyDeleteDelay:      "30s",
	KeyStartTimeout:     "45s",
	KeyStopTimeout:      "30s",
	KeyPreStopTimeout:   "15s",
	KeyLogLevel:         logger.LevelInfo,
	KeyLogFormat:        logger.FormatColor,
}

// Supervisor holds the settings used by the trackctl binary.
type Supervisor struct {
	ServerBase   string
	Executable   string
	PIDFile      string
	LockFile     string
	JoinDomain   string
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	LockTimeout  time.Duration
	HistoryDSN   string
}

// Bot holds the settings used by the trackbot binary.
type Bot struct {
	ServerBase     string
	Executable     string
	PIDFile        string
	StateFile      string
	ControllerPath string
	ControllerArgs []string
	DiscordToken   string
	GuildID        string
	AdminRole      string
	DeleteDelay    time.Duration
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	PreStopTimeout time.Duration
	HTTPAddr       string
}

// Config is the resolved configuration.
type Config struct {
	Supervisor Supervisor
	Bot        Bot
	Log        logger.Config
}

// MissingError lists required keys that have no value.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	parts := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		parts[i] = fmt.Sprintf("%s (%s)", k, strings.Join(envNames[k], " or "))
	}
	return "missing required configuration: " + strings.Join(parts, ", ")
}

// Load resolves the configuration. Precedence, highest first: environment,
// the file at path (.env or TOML), defaults. An empty path falls back to
// DefaultEnvFile when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for k, envs := range envNames {
		if err := v.BindEnv(append([]string{k}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	if path == "" {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			path = DefaultEnvFile
		}
	}
	if path != "" {
		if err := readFile(v, path); err != nil {
			return nil, err
		}
	}
	return build(v)
}

func readFile(v *viper.Viper, path string) error {
	if isEnvFile(path) {
		pairs, err := loadEnvFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return v.MergeConfigMap(envToKeys(expandEnv(pairs)))
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// expandEnv resolves ${VAR} in file values against the OS environment and
// the file itself.
func expandEnv(pairs map[string]string) map[string]string {
	e := env.New()
	for k, v := range pairs {
		e.Set(k, v)
	}
	all := e.Map(nil)
	out := make(map[string]string, len(pairs))
	for k := range pairs {
		out[k] = all[k]
	}
	return out
}

func isEnvFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".env") || strings.HasPrefix(base, ".env.")
}

// envToKeys turns KEY=VALUE pairs into a nested map keyed by config keys.
// Unknown variables are ignored.
func envToKeys(pairs map[string]string) map[string]any {
	out := map[string]any{}
	for key, envs := range envNames {
		for _, env := range envs {
			val, ok := pairs[env]
			if !ok {
				continue
			}
			if section, leaf, nested := strings.Cut(key, "."); nested {
				m, _ := out[section].(map[string]any)
				if m == nil {
					m = map[string]any{}
					out[section] = m
				}
				m[leaf] = val
			} else {
				out[key] = val
			}
			break
		}
	}
	return out
}

func build(v *viper.Viper) (*Config, error) {
	var errs []error
	dur := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	c := &Config{
		Supervisor: Supervisor{
			ServerBase:   v.GetString(KeyServerBase),
			Executable:   v.GetString(KeyServerExecutable),
			PIDFile:      v.GetString(KeyPIDFile),
			LockFile:     v.GetString(KeyLockFile),
			JoinDomain:   v.GetString(KeyJoinDomain),
			ReadyTimeout: dur(KeyReadyTimeout),
			StopGrace:    dur(KeyStopGrace),
			LockTimeout:  dur(KeyLockTimeout),
			HistoryDSN:   v.GetString(KeyHistoryDSN),
		},
		Bot: Bot{
			ServerBase:     v.GetString(KeyServerBase),
			Executable:     v.GetString(KeyServerExecutable),
			PIDFile:        v.GetString(KeyPIDFile),
			StateFile:      v.GetString(KeyStateFile),
			ControllerPath: v.GetString(KeyControllerPath),
			ControllerArgs: strings.Fields(v.GetString(KeyControllerArgs)),
			DiscordToken:   v.GetString(KeyDiscordToken),
			GuildID:        v.GetString(KeyGuildID),
			AdminRole:      v.GetString(KeyAdminRole),
			DeleteDelay:    dur(KeyDeleteDelay),
			StartTimeout:   dur(KeyStartTimeout),
			StopTimeout:    dur(KeyStopTimeout),
			PreStopTimeout: dur(KeyPreStopTimeout),
			HTTPAddr:       v.GetString(KeyHTTPAddr),
		},
		Log: logger.Config{
			Slog: logger.SlogConfig{
				Level:      v.GetString(KeyLogLevel),
				Format:     v.GetString(KeyLogFormat),
				TimeStamps: v.GetBool(KeyLogTimestamps),
			},
			File: logger.FileConfig{Path: v.GetString(KeyLogFile)},
		},
	}
	if c.Supervisor.LockFile == "" && c.Supervisor.PIDFile != "" {
		c.Supervisor.LockFile = c.Supervisor.PIDFile + ".lock"
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// SupervisorEnv renders the supervisor settings as environment variables so
// a trackctl child sees the same configuration as its parent, whatever file
// the parent loaded it from. Empty values are omitted.
func (c *Config) SupervisorEnv() []string {
	s := c.Supervisor
	kv := map[string]string{
		KeyServerBase:       s.ServerBase,
		KeyServerExecutable: s.Executable,
		KeyPIDFile:          s.PIDFile,
		KeyLockFile:         s.LockFile,
		KeyJoinDomain:       s.JoinDomain,
		KeyHistoryDSN:       s.HistoryDSN,
	}
	for k, d := range map[string]time.Duration{
		KeyReadyTimeout: s.ReadyTimeout,
		KeyStopGrace:    s.StopGrace,
		KeyLockTimeout:  s.LockTimeout,
	} {
		kv[k] = d.String()
	}
	out := make([]string, 0, len(kv))
	for k, val := range kv {
		if val == "" {
			continue
		}
		out = append(out, envNames[k][0]+"="+val)
	}
	sort.Strings(out)
	return out
}

// ValidateSupervisor reports every missing key trackctl needs.
func (c *Config) ValidateSupervisor() error {
	return missing(map[string]string{
		KeyServerBase: c.Supervisor.ServerBase,
		KeyPIDFile:    c.Supervisor.PIDFile,
	})
}

// ValidateBot reports every missing key trackbot needs.
func (c *Config) ValidateBot() error {
	return missing(map[string]string{
		KeyServerBase:     c.Bot.ServerBase,
		KeyStateFile:      c.Bot.StateFile,
		KeyControllerPath: c.Bot.ControllerPath,
		KeyDiscordToken:   c.Bot.DiscordToken,
		KeyGuildID:        c.Bot.GuildID,
	})
}

func missing(required map[string]string) error {
	var keys []string
	for k, val := range required {
		if strings.TrimSpace(val) == "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	return &MissingError{Keys: keys}
}

// loadEnvFile parses a .env file with KEY=VALUE lines. Lines starting with #
// are ignored, an "export " prefix is accepted and matching surrounding
// quotes are stripped from values.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	return parseEnv(string(b)), nil
}

func parseEnv(s string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
				v = v[1 : len(v)-1]
			}
			if k != "" {
				m[k] = v
			}
		}
	}
	return m
}
