package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/mohammedshuaau/workplace/internal/config"
)

const (
	envPrefix      = "CHATSYNC"
	configFileName = "chatsync.yaml"
	cacheFileName  = "chatsync.db"
)

// Settings is the client configuration: the workplace API used for login,
// the chat session it returned, and local options.
type Settings struct {
	API         string `mapstructure:"api" yaml:"api"`
	Provider    string `mapstructure:"provider" yaml:"provider"`
	ServerURL   string `mapstructure:"server_url" yaml:"server_url"`
	UserID      string `mapstructure:"user_id" yaml:"user_id"`
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
	DeviceID    string `mapstructure:"device_id" yaml:"device_id"`
	Cache       string `mapstructure:"cache" yaml:"cache"`
	Output      string `mapstructure:"output" yaml:"output"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultConfigPath is ~/.config/workplace/chatsync.yaml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(dir, "workplace", configFileName)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api", "http://localhost:4000")
	v.SetDefault("provider", "")
	v.SetDefault("server_url", "")
	v.SetDefault("user_id", "")
	v.SetDefault("access_token", "")
	v.SetDefault("device_id", "")
	v.SetDefault("cache", filepath.Join(filepath.Dir(path), cacheFileName))
	v.SetDefault("output", formatText)
	v.SetDefault("log_level", "warn")
	return v
}

// loadSettings reads the config file if there is one; environment variables
// override it.
func loadSettings(v *viper.Viper) (Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	return s, nil
}

// requireChat reports what is missing before a chat server can be reached.
func (s Settings) requireChat() error {
	var errs []error
	switch s.Provider {
	case config.ProviderMatrix, config.ProviderMattermost:
	case "":
		errs = append(errs, errors.New("provider is not set, run chatsync login first"))
	default:
		errs = append(errs, fmt.Errorf("provider %q is not supported", s.Provider))
	}
	if s.ServerURL == "" {
		errs = append(errs, errors.New("server_url is not set"))
	}
	if s.AccessToken == "" {
		errs = append(errs, errors.New("access_token is not set"))
	}
	if s.Provider == config.ProviderMatrix && s.UserID == "" {
		errs = append(errs, errors.New("user_id is required for matrix"))
	}
	return errors.Join(errs...)
}

// saveSession stores the chat session returned by login in the config file.
func saveSession(v *viper.Viper, path string, s Settings) error {
	v.Set("api", s.API)
	v.Set("provider", s.Provider)
	v.Set("server_url", s.ServerURL)
	v.Set("user_id", s.UserID)
	v.Set("access_token", s.AccessToken)
	v.Set("device_id", s.DeviceID)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Chmod(path, 0o600)
}
