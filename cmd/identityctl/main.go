// Command identityctl runs operator tasks against the identity store and the
// billing queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/ovaphlow/pitchfork/service-identity/internal/billing"
	"github.com/ovaphlow/pitchfork/service-identity/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/internal/subscription"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
)

const usage = `usage: identityctl <command> [flags]

commands:
  migrate                                  apply database migrations
  register -email E [-name N]              create a credential account (password read from the terminal)
  check -email E                           print the subscription status for an address
  enqueue-trial -user ID -customer C -subscription S
  enqueue-activate -user ID -subscription S
  enqueue-cancel -user ID [-ends-at RFC3339]
  enqueue-downgrade -user ID
  queue-stats                              print billing queue counts
`

// readPassword is a test seam for term.ReadPassword.
var readPassword = func() ([]byte, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return term.ReadPassword(int(os.Stdin.Fd()))
	}
	b, err := io.ReadAll(io.LimitReader(os.Stdin, 1024))
	return []byte(strings.TrimRight(string(b), "\r\n")), err
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "identityctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)

	switch cmd {
	case "migrate":
		return withStore(ctx, func(*userrepo.UserRepo) error {
			fmt.Fprintln(out, "migrations applied")
			return nil
		})

	case "register":
		email := fs.String("email", "", "account email")
		name := fs.String("name", "", "display name")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		fmt.Fprint(out, "Password: ")
		pw, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return withStore(ctx, func(users *userrepo.UserRepo) error {
			svc := user.NewUserService(users, credential.BcryptHasher{Cost: cfg.BcryptCost})
			id, err := svc.Register(ctx, *email, string(pw), *name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "registered %s %s\n", id.ID, id.Email)
			return nil
		})

	case "check":
		email := fs.String("email", "", "account email")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return withStore(ctx, func(users *userrepo.UserRepo) error {
			st, err := subscription.NewService(users).CheckSubscription(ctx, *email)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		})

	case "enqueue-trial", "enqueue-activate", "enqueue-cancel", "enqueue-downgrade":
		return enqueue(ctx, cmd, fs, rest, out)

	case "queue-stats":
		return withRedis(func(opt asynq.RedisClientOpt) error {
			insp := asynq.NewInspector(opt)
			defer insp.Close()
			info, err := insp.GetQueueInfo(billing.QueueBilling)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				info.Queue, info.Pending, info.Active, info.Scheduled, info.Retry, info.Archived)
			return nil
		})

	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func enqueue(ctx context.Context, cmd string, fs *flag.FlagSet, args []string, out io.Writer) error {
	userID := fs.String("user", "", "user id")
	customer := fs.String("customer", "", "billing customer id")
	sub := fs.String("subscription", "", "billing subscription id")
	endsAt := fs.String("ends-at", "", "end of paid access, RFC3339")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}

	var task *asynq.Task
	var err error
	switch cmd {
	case "enqueue-trial":
		task, err = billing.NewTrialStartedTask(billing.TrialStartedPayload{UserID: *userID, CustomerID: *customer, SubscriptionID: *sub})
	case "enqueue-activate":
		task, err = billing.NewActivatedTask(billing.ActivatedPayload{UserID: *userID, SubscriptionID: *sub})
	case "enqueue-cancel":
		p := billing.CanceledPayload{UserID: *userID}
		if *endsAt != "" {
			if p.EndsAt, err = time.Parse(time.RFC3339, *endsAt); err != nil {
				return fmt.Errorf("-ends-at: %w", err)
			}
		}
		task, err = billing.NewCanceledTask(p)
	case "enqueue-downgrade":
		task, err = billing.NewDowngradedTask(billing.DowngradedPayload{UserID: *userID})
	}
	if err != nil {
		return err
	}
	return withRedis(func(opt asynq.RedisClientOpt) error {
		client := asynq.NewClient(opt)
		defer client.Close()
		info, err := client.EnqueueContext(ctx, task)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	})
}

func withStore(ctx context.Context, fn func(*userrepo.UserRepo) error) error {
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return err
	}
	db, err := database.Connect(dbCfg)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB, dbCfg.Driver); err != nil {
		return err
	}
	return fn(userrepo.NewUserRepo(database.NewPoolFactory(db)))
}

func withRedis(fn func(asynq.RedisClientOpt) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	return fn(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
}
