package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mohammedshuaau/workplace/internal/bridge"
	"github.com/mohammedshuaau/workplace/internal/docstore"
	"github.com/mohammedshuaau/workplace/internal/httpx"
	"github.com/mohammedshuaau/workplace/internal/reconcile"
	"github.com/mohammedshuaau/workplace/internal/telemetry"
)

const defaultMessageLimit = 50

type loginResponse struct {
	User struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"user"`
	Chat bridge.Credentials `json:"chat"`
}

func (a *cliApp) loginCmd() *cobra.Command {
	var email, password, api string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the workplace API and store the chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv(envPrefix + "_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("email and password are required (--email, --password or CHATSYNC_PASSWORD)")
			}
			if api == "" {
				api = a.settings.API
			}

			client := httpx.New(api, "", httpx.WithRetries(2, 200*time.Millisecond, 2*time.Second))
			var resp loginResponse
			err := client.DoJSON(cmd.Context(), http.MethodPost, "/auth/login", map[string]string{
				"email":    email,
				"password": password,
			}, &resp)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if resp.Chat.AccessToken == "" {
				return errors.New("login: server returned no chat session")
			}

			settings := a.settings
			settings.API = api
			settings.Provider = resp.Chat.Provider
			settings.ServerURL = resp.Chat.ServerURL
			settings.UserID = resp.Chat.UserID
			settings.AccessToken = resp.Chat.AccessToken
			settings.DeviceID = resp.Chat.DeviceID
			if err := saveSession(a.v, a.configPath, settings); err != nil {
				return err
			}
			a.settings = settings
			return a.printer().result(
				fmt.Sprintf("Signed in as %s (%s on %s)", resp.User.Email, resp.Chat.UserID, resp.Chat.Provider),
				map[string]any{"email": resp.User.Email, "provider": resp.Chat.Provider, "chat_user_id": resp.Chat.UserID, "server_url": resp.Chat.ServerURL},
			)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&api, "api", "", "Workplace API base URL")
	return cmd
}

func (a *cliApp) chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List cached chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			chats, err := store.Chats(cmd.Context())
			if err != nil {
				return err
			}
			return a.printer().chats(chats)
		},
	}
}

func (a *cliApp) messagesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <chat>",
		Short: "Show cached messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openCache(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			msgs, err := store.Messages(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return a.printer().messages(msgs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultMessageLimit, "Number of newest messages to show")
	return cmd
}

// withSession runs fn against a connected engine and closes the cache.
func (a *cliApp) withSession(ctx context.Context, fn func(*session) error, opts ...func(*reconcile.Options)) error {
	s, err := a.openSession(ctx, opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// messageAction wires a command whose result is one message document.
func (a *cliApp) messageAction(use, short string, args cobra.PositionalArgs, run func(context.Context, *session, []string) (docstore.MessageDoc, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				msg, err := run(cmd.Context(), s, args)
				if msg.ID != "" {
					if perr := a.printer().message(msg); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func (a *cliApp) sendCmd() *cobra.Command {
	var replyTo string
	cmd := a.messageAction("send <chat> <text>...", "Send a message", cobra.MinimumNArgs(2),
		func(ctx context.Context, s *session, args []string) (docstore.MessageDoc, error) {
			return s.engine.Send(ctx, args[0], strings.Join(args[1:], " "), replyTo)
		})
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Message id to reply to")
	return cmd
}

func (a *cliApp) editCmd() *cobra.Command {
	return a.messageAction("edit <message> <text>...", "Edit one of your messages", cobra.MinimumNArgs(2),
		func(ctx context.Context, s *session, args []string) (docstore.MessageDoc, error) {
			return s.engine.Edit(ctx, args[0], strings.Join(args[1:], " "))
		})
}

func (a *cliApp) deleteCmd() *cobra.Command {
	return a.messageAction("delete <message>", "Delete one of your messages", cobra.ExactArgs(1),
		func(ctx context.Context, s *session, args []string) (docstore.MessageDoc, error) {
			return s.engine.Delete(ctx, args[0])
		})
}

func (a *cliApp) retryCmd() *cobra.Command {
	return a.messageAction("retry <message>", "Resend a message that failed to send", cobra.ExactArgs(1),
		func(ctx context.Context, s *session, args []string) (docstore.MessageDoc, error) {
			return s.engine.Retry(ctx, args[0])
		})
}

func (a *cliApp) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <message>",
		Short: "Drop a message that was never delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				if err := s.engine.Cancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				return a.printer().result("Cancelled "+args[0], map[string]any{"cancelled": args[0]})
			})
		},
	}
}

func (a *cliApp) reactCmd() *cobra.Command {
	return a.messageAction("react <message> <emoji>", "Add a reaction", cobra.ExactArgs(2),
		func(ctx context.Context, s *session, args []string) (docstore.MessageDoc, error) {
			return s.engine.React(ctx, args[0], args[1])
		})
}

func (a *cliApp) unreactCmd() *cobra.Command {
	return a.messageAction("unreact <message> <emoji>", "Remove your reaction", cobra.ExactArgs(2),
		func(ctx context.Context, s *session, args []string) (docstore.MessageDoc, error) {
			return s.engine.Unreact(ctx, args[0], args[1])
		})
}

func (a *cliApp) readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <chat>",
		Short: "Mark a chat as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				if err := s.engine.MarkRead(cmd.Context(), args[0]); err != nil {
					return err
				}
				return a.printer().result("Marked "+args[0]+" as read", map[string]any{"read": args[0]})
			})
		},
	}
}

func (a *cliApp) newChatCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "new-chat <member>...",
		Short: "Start a direct chat, or a group chat with several members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				chat, err := s.engine.CreateChat(cmd.Context(), args, name)
				if err != nil {
					return err
				}
				return a.printer().chats([]docstore.ChatDoc{chat})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name for a group chat")
	return cmd
}

func (a *cliApp) typingCmd() *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "typing <chat>",
		Short: "Tell the chat you are typing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				if err := s.engine.SetTyping(cmd.Context(), args[0], !stop); err != nil {
					return err
				}
				return a.printer().result("Typing in "+args[0], map[string]any{"chat": args[0], "typing": !stop})
			})
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "Clear the typing notice instead")
	return cmd
}

func (a *cliApp) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [chat]",
		Short: "Pull recent history for one chat, or every cached chat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, func(s *session) error {
				var chatIDs []string
				if len(args) == 1 {
					chatIDs = args
				} else {
					chats, err := s.store.Chats(ctx)
					if err != nil {
						return err
					}
					for _, c := range chats {
						chatIDs = append(chatIDs, c.ID)
					}
				}
				var errs []error
				events := 0
				for _, id := range chatIDs {
					n, err := s.engine.SyncChat(ctx, id)
					events += n
					if err != nil {
						errs = append(errs, err)
					}
				}
				if err := a.printer().result(
					fmt.Sprintf("Synced %d chats, %d events", len(chatIDs), events),
					map[string]any{"chats": len(chatIDs), "events": events},
				); err != nil {
					return err
				}
				return errors.Join(errs...)
			})
		},
	}
}

func (a *cliApp) globalSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "global-sync",
		Short: "Rebuild the local cache from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				report, err := s.engine.GlobalSync(cmd.Context())
				if perr := a.printer().result(
					fmt.Sprintf("Synced %d chats, %d events, %d failures", report.Chats, report.Events, report.Failures),
					map[string]any{"chats": report.Chats, "events": report.Events, "failures": report.Failures},
				); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func (a *cliApp) watchCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected, apply live events and print cache changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				telemetry.Init()
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server")
					}
				}()
				defer srv.Close()
			}

			typing := make(chan typingUpdate, 16)
			onTyping := func(o *reconcile.Options) {
				o.OnTyping = func(chatID string, users []string) {
					select {
					case typing <- typingUpdate{chatID: chatID, users: users}:
					case <-ctx.Done():
					}
				}
			}
			return a.withSession(ctx, func(s *session) error {
				return a.watch(ctx, s, typing)
			}, onTyping)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	return cmd
}

type typingUpdate struct {
	chatID string
	users  []string
}

func (a *cliApp) watch(ctx context.Context, s *session, typing <-chan typingUpdate) error {
	since, err := s.store.LastSeq(ctx)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.engine.Run(ctx) }()

	p := a.printer()
	changes := s.store.Watch(ctx, since)
	for {
		select {
		case err := <-done:
			return err
		case change, ok := <-changes:
			if !ok {
				return <-done
			}
			if change.Deleted {
				fmt.Fprintf(a.out, "removed %s\n", change.DocID)
				continue
			}
			if err := a.printChange(ctx, s.store, p, change); err != nil && !errors.Is(err, docstore.ErrNotFound) {
				a.log.Warn().Err(err).Str("doc_id", change.DocID).Msg("read changed document")
			}
		case update := <-typing:
			if len(update.users) == 0 {
				fmt.Fprintf(a.out, "%s: nobody typing\n", update.chatID)
				continue
			}
			fmt.Fprintf(a.out, "%s: %s typing\n", update.chatID, strings.Join(update.users, ", "))
		}
	}
}

func (a *cliApp) printChange(ctx context.Context, store *docstore.Store, p printer, change docstore.Change) error {
	switch change.Type {
	case docstore.TypeMessage:
		msg, err := store.GetMessage(ctx, change.DocID)
		if err != nil {
			return err
		}
		return p.message(msg)
	case docstore.TypeChat:
		chat, err := store.GetChat(ctx, change.DocID)
		if err != nil {
			return err
		}
		return p.chats([]docstore.ChatDoc{chat})
	}
	return nil
}
