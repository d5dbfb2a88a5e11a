package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"gopkg.in/yaml.v3"
)

const (
	appName          = "gffsync"
	defaultDBName    = ".gffsync.db"
	defaultAccount   = "default"
	envPrefix        = "!env "
	redactedValue    = "********"
	providerGoogle   = "google"
	providerCalDAV   = "caldav"
	defaultWatchTTL  = 1000
	defaultMargin    = 60
	defaultListen    = ":8080"
	defaultRenewCron = "@every 1000s"
)

var configNames = []string{".gffsync.toml", ".gffsync.yaml", ".gffsync.yml", ".gffsync.json"}

type Config struct {
	VerbosityLevel int                     `toml:"verbosity_level" yaml:"verbosity_level" json:"verbosity_level"`
	StateDir       string                  `toml:"state_dir" yaml:"state_dir" json:"state_dir"`
	Database       string                  `toml:"database" yaml:"database" json:"database"`
	Main           CalendarConfig          `toml:"main" yaml:"main" json:"main"`
	Filtered       CalendarConfig          `toml:"filtered" yaml:"filtered" json:"filtered"`
	CalDAVs        map[string]CalDAVConfig `toml:"caldav_servers" yaml:"caldav_servers" json:"caldav_servers"`
	Auth           AuthConfig              `toml:"auth" yaml:"auth" json:"auth"`
	Server         ServerConfig            `toml:"server" yaml:"server" json:"server"`
	Watch          WatchConfig             `toml:"watch" yaml:"watch" json:"watch"`
	Sync           SyncConfig              `toml:"sync" yaml:"sync" json:"sync"`
	Films          FilmsConfig             `toml:"films" yaml:"films" json:"films"`
	Screens        map[string]ScreenConfig `toml:"screens" yaml:"screens" json:"screens"`
	Names          map[string]string       `toml:"names" yaml:"names" json:"names"`
	Strands        map[string]StrandConfig `toml:"strands" yaml:"strands" json:"strands"`

	path string
}

type CalendarConfig struct {
	ID       string `toml:"id" yaml:"id" json:"id"`
	Provider string `toml:"provider" yaml:"provider" json:"provider"`
	// Server names an entry in caldav_servers when Provider is caldav.
	Server string `toml:"server" yaml:"server" json:"server"`
}

type CalDAVConfig struct {
	ServerURL string `toml:"server_url" yaml:"server_url" json:"server_url"`
	Username  string `toml:"username" yaml:"username" json:"username"`
	Password  string `toml:"password" yaml:"password" json:"password"`
}

type AuthConfig struct {
	CredentialsFile string `toml:"credentials_file" yaml:"credentials_file" json:"credentials_file"`
	ClientID        string `toml:"client_id" yaml:"client_id" json:"client_id"`
	ClientSecret    string `toml:"client_secret" yaml:"client_secret" json:"client_secret"`
	RedirectURL     string `toml:"redirect_url" yaml:"redirect_url" json:"redirect_url"`
	Account         string `toml:"account" yaml:"account" json:"account"`
}

type ServerConfig struct {
	Address     string `toml:"address" yaml:"address" json:"address"`
	CallbackURL string `toml:"callback_url" yaml:"callback_url" json:"callback_url"`
	TLSCert     string `toml:"tls_cert" yaml:"tls_cert" json:"tls_cert"`
	TLSKey      string `toml:"tls_key" yaml:"tls_key" json:"tls_key"`
}

type WatchConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Renew   string `toml:"renew" yaml:"renew" json:"renew"`
	// TTLSeconds is the renewal period; the channel lives MarginSeconds longer.
	TTLSeconds    int    `toml:"ttl_seconds" yaml:"ttl_seconds" json:"ttl_seconds"`
	MarginSeconds int    `toml:"margin_seconds" yaml:"margin_seconds" json:"margin_seconds"`
	Token         string `toml:"token" yaml:"token" json:"token"`
}

type SyncConfig struct {
	Incremental bool   `toml:"incremental" yaml:"incremental" json:"incremental"`
	Poll        string `toml:"poll" yaml:"poll" json:"poll"`
}

type FilmsConfig struct {
	Endpoint  string `toml:"endpoint" yaml:"endpoint" json:"endpoint"`
	SiteID    string `toml:"site_id" yaml:"site_id" json:"site_id"`
	PosterURL string `toml:"poster_url" yaml:"poster_url" json:"poster_url"`
}

// findConfig looks in the working directory first, then `$HOME/.config/gffsync/`.
func findConfig(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", appName))
	}
	for _, dir := range dirs {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", &ConfigError{Path: configNames[0], Err: os.ErrNotExist}
}

func readConfig(path string) (*Config, error) {
	// A missing .env is fine; only the config file is mandatory.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	config, err := parseConfig(path, data)
	if err != nil {
		return nil, err
	}
	config.path = path
	return config, nil
}

func parseConfig(path string, data []byte) (*Config, error) {
	var config Config
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	default:
		err = toml.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	expandEnv(reflect.ValueOf(&config).Elem())
	if err := config.normalize(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return &config, nil
}

// expandEnv replaces every string of the form "!env NAME" with $NAME.
func expandEnv(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if s := v.String(); strings.HasPrefix(s, envPrefix) && v.CanSet() {
			v.SetString(os.Getenv(strings.TrimSpace(strings.TrimPrefix(s, envPrefix))))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				expandEnv(v.Field(i))
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			elem := reflect.New(v.Type().Elem()).Elem()
			elem.Set(v.MapIndex(key))
			expandEnv(elem)
			v.SetMapIndex(key, elem)
		}
	case reflect.Ptr:
		if !v.IsNil() {
			expandEnv(v.Elem())
		}
	}
}

func (c *Config) normalize() error {
	if c.Main.ID == "" {
		return errors.New("main.id is required")
	}
	if c.Filtered.ID == "" {
		return errors.New("filtered.id is required")
	}
	for _, cal := range []*CalendarConfig{&c.Main, &c.Filtered} {
		cal.Provider = strings.ToLower(cal.Provider)
		if cal.Provider == "" {
			cal.Provider = providerGoogle
		}
		switch cal.Provider {
		case providerGoogle:
		case providerCalDAV:
			if _, ok := c.CalDAVs[cal.Server]; !ok {
				return fmt.Errorf("CalDAV server '%s' not found in configuration", cal.Server)
			}
		default:
			return fmt.Errorf("unsupported provider type: %s", cal.Provider)
		}
	}
	if c.Database == "" {
		c.Database = defaultDBName
	}
	if c.Auth.Account == "" {
		c.Auth.Account = defaultAccount
	}
	if c.Auth.RedirectURL == "" {
		c.Auth.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	}
	if c.Server.Address == "" {
		c.Server.Address = defaultListen
	}
	c.Server.CallbackURL = strings.TrimRight(c.Server.CallbackURL, "/")
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Watch.Enabled && c.Server.CallbackURL == "" {
		return errors.New("watch.enabled requires server.callback_url")
	}
	if c.Watch.Renew == "" {
		c.Watch.Renew = defaultRenewCron
	}
	if c.Watch.TTLSeconds <= 0 {
		c.Watch.TTLSeconds = defaultWatchTTL
	}
	if c.Watch.MarginSeconds < 0 {
		c.Watch.MarginSeconds = 0
	} else if c.Watch.MarginSeconds == 0 {
		c.Watch.MarginSeconds = defaultMargin
	}
	if c.Films.Endpoint == "" {
		c.Films.Endpoint = defaultFilmsEndpoint
	}
	if c.Films.SiteID == "" {
		c.Films.SiteID = defaultSiteID
	}
	if len(c.Screens) == 0 {
		c.Screens = defaultScreens()
	}
	if len(c.Names) == 0 {
		c.Names = defaultNames()
	}
	return nil
}

func (c *Config) Resolver() *Resolver {
	return NewResolver(c.Screens, c.Names, c.Strands)
}

// dir is where the config file lives; the state store sits next to it.
func (c *Config) dir() string {
	if c.path == "" {
		return ""
	}
	return filepath.Dir(c.path)
}

func (c *Config) stateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.dir(), "state")
}

// redacted returns a copy safe to print.
func (c *Config) redacted() *Config {
	out := *c
	out.Auth.ClientSecret = redact(out.Auth.ClientSecret)
	out.Watch.Token = redact(out.Watch.Token)
	out.CalDAVs = make(map[string]CalDAVConfig, len(c.CalDAVs))
	for name, server := range c.CalDAVs {
		server.Password = redact(server.Password)
		out.CalDAVs[name] = server
	}
	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

func logLevel(verbosity int) slog.Level {
	switch {
	case verbosity >= 4:
		return slog.LevelDebug
	case verbosity >= 2:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

func setupLogging(verbosity int) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(verbosity)}))
	slog.SetDefault(logger)
}

// credentials describes what was found in the configured credentials file.
type credentials struct {
	serviceAccount *google.Credentials
	installed      *oauth2.Config
}

func loadCredentials(ctx context.Context, auth AuthConfig) (*credentials, error) {
	if auth.CredentialsFile == "" {
		if auth.ClientID == "" || auth.ClientSecret == "" {
			return nil, &ConfigError{Path: "auth", Err: errors.New("credentials_file or client_id/client_secret required")}
		}
		return &credentials{installed: &oauth2.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  auth.RedirectURL,
			Scopes:       []string{calendar.CalendarScope},
		}}, nil
	}

	data, err := os.ReadFile(auth.CredentialsFile)
	if err != nil {
		return nil, &ConfigError{Path: auth.CredentialsFile, Err: err}
	}
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, &ConfigError{Path: auth.CredentialsFile, Err: err}
	}
	if header.Type == "service_account" {
		creds, err := google.CredentialsFromJSON(ctx, data, calendar.CalendarScope)
		if err != nil {
			return nil, &ConfigError{Path: auth.CredentialsFile, Err: err}
		}
		return &credentials{serviceAccount: creds}, nil
	}
	oc, err := google.ConfigFromJSON(data, calendar.CalendarScope)
	if err != nil {
		return nil, &ConfigError{Path: auth.CredentialsFile, Err: err}
	}
	return &credentials{installed: oc}, nil
}

// getClient returns an authorized HTTP client. Installed-app tokens come from
// the store; run the auth command first to create one.
func getClient(ctx context.Context, config *Config, store *Store) (*http.Client, error) {
	creds, err := loadCredentials(ctx, config.Auth)
	if err != nil {
		return nil, err
	}
	if creds.serviceAccount != nil {
		return oauth2.NewClient(ctx, creds.serviceAccount.TokenSource), nil
	}

	account := config.Auth.Account
	token, err := store.loadToken(account)
	if err != nil {
		return nil, fmt.Errorf("no usable token for account %s (run `%s auth`): %w", account, appName, err)
	}
	ts := &savingTokenSource{
		base:    creds.installed.TokenSource(ctx, token),
		store:   store,
		account: account,
		last:    token.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(token, ts)), nil
}

// savingTokenSource writes refreshed tokens back to the store.
type savingTokenSource struct {
	base    oauth2.TokenSource
	store   *Store
	account string
	last    string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken != s.last {
		s.last = token.AccessToken
		if err := s.store.saveToken(s.account, token); err != nil {
			slog.Warn("saving refreshed token", "account", s.account, "err", err)
		} else {
			slog.Debug("token refreshed", "account", s.account)
		}
	}
	return token, nil
}

func getTokenFromWeb(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code: \n%v\n", authURL)

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, fmt.Errorf("unable to read authorization code: %w", err)
	}

	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return tok, nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
