// Package cli implements chatsync, a local-first chat client that keeps a
// SQLite cache of chats and messages in sync with the chat server.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mohammedshuaau/workplace/internal/config"
	"github.com/mohammedshuaau/workplace/internal/docstore"
	"github.com/mohammedshuaau/workplace/internal/httpx"
	"github.com/mohammedshuaau/workplace/internal/logging"
	"github.com/mohammedshuaau/workplace/internal/matrix"
	"github.com/mohammedshuaau/workplace/internal/mattermost"
	"github.com/mohammedshuaau/workplace/internal/reconcile"
	"github.com/mohammedshuaau/workplace/internal/telemetry"
)

// ConnectFunc opens the chat server session described by settings. state
// is the local cache, which adapters may use for sync tokens.
type ConnectFunc func(ctx context.Context, s Settings, state *docstore.Store, log zerolog.Logger) (reconcile.Remote, error)

type cliApp struct {
	out        io.Writer
	connect    ConnectFunc
	configPath string
	output     string
	verbose    bool

	v        *viper.Viper
	settings Settings
	log      zerolog.Logger
}

// Execute runs chatsync with os.Args.
func Execute(version string) error {
	root := NewRootCmd(os.Stdout, ConnectRemote)
	root.Version = version
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func NewRootCmd(out io.Writer, connect ConnectFunc) *cobra.Command {
	a := &cliApp{out: out, connect: connect}

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Local-first chat client for the workplace chat server",
		Long: `chatsync keeps a local cache of your chats and messages and reconciles
it with the Matrix or Mattermost server your workplace account is bridged to.

Sign in once with "chatsync login", then run "chatsync global-sync".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&a.configPath, "config", DefaultConfigPath(), "Config file")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "", "Output format: text or yaml")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		a.loginCmd(),
		a.chatsCmd(),
		a.messagesCmd(),
		a.sendCmd(),
		a.editCmd(),
		a.deleteCmd(),
		a.retryCmd(),
		a.cancelCmd(),
		a.reactCmd(),
		a.unreactCmd(),
		a.readCmd(),
		a.newChatCmd(),
		a.typingCmd(),
		a.syncCmd(),
		a.globalSyncCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *cliApp) load(cmd *cobra.Command) error {
	a.v = newViper(a.configPath)
	settings, err := loadSettings(a.v)
	if err != nil {
		return err
	}
	if a.output != "" {
		settings.Output = a.output
	}
	if settings.Output != formatText && settings.Output != formatYAML {
		return fmt.Errorf("unknown output format %q", settings.Output)
	}
	level := settings.LogLevel
	if a.verbose {
		level = "debug"
	}
	a.settings = settings
	a.log = logging.New(level, "console", cmd.ErrOrStderr())
	return nil
}

func (a *cliApp) printer() printer {
	return printer{w: a.out, format: a.settings.Output}
}

func (a *cliApp) openCache(ctx context.Context) (*docstore.Store, error) {
	path := a.settings.Cache
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return docstore.Open(ctx, path)
}

// session is an open cache plus a connected engine.
type session struct {
	store  *docstore.Store
	engine *reconcile.Engine
}

func (s *session) Close() error {
	return s.store.Close()
}

func (a *cliApp) openSession(ctx context.Context, opts ...func(*reconcile.Options)) (*session, error) {
	if err := a.settings.requireChat(); err != nil {
		return nil, err
	}
	store, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := a.connect(ctx, a.settings, store, a.log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect to %s: %w", a.settings.Provider, err)
	}
	options := reconcile.Options{
		Logger:   a.log.With().Str("component", "sync").Logger(),
		Observer: telemetry.SyncObserver{},
	}
	for _, opt := range opts {
		opt(&options)
	}
	engine := reconcile.New(store, remote, options)
	return &session{store: store, engine: engine}, nil
}

// ConnectRemote is the ConnectFunc for real servers.
func ConnectRemote(ctx context.Context, s Settings, state *docstore.Store, log zerolog.Logger) (reconcile.Remote, error) {
	switch s.Provider {
	case config.ProviderMattermost:
		remote, err := mattermost.Connect(ctx, s.ServerURL, s.AccessToken, log, httpx.WithRetries(3, 200*time.Millisecond, 3*time.Second))
		if err != nil {
			return nil, err
		}
		return remote, nil
	case config.ProviderMatrix:
		remote, err := matrix.Connect(ctx, s.ServerURL, s.UserID, s.AccessToken, state, log)
		if err != nil {
			return nil, err
		}
		return remote, nil
	}
	return nil, fmt.Errorf("provider %q is not supported", s.Provider)
}
