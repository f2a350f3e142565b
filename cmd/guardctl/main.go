// Command guardctl is the operator CLI: codes and confirmations straight from an authenticator
// file, enrollment of new accounts, and management of accounts linked in the daemon's database.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	u "github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/guardkeeper/internal/config"
	"github.com/and161185/guardkeeper/internal/enroll"
	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/guardcode"
	"github.com/and161185/guardkeeper/internal/limiter"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/notify"
	"github.com/and161185/guardkeeper/internal/repository/postgres"
	"github.com/and161185/guardkeeper/internal/service"
	"github.com/and161185/guardkeeper/internal/steam"
	"github.com/and161185/guardkeeper/internal/vault"
)

// ---- paths ----

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "guardkeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "guardkeeper")
}

func maFilePath(accountName string) string {
	return filepath.Join(cfgDir(), strings.ToLower(accountName)+".maFile")
}

func usage() {
	fmt.Fprintf(os.Stderr, `guardctl
Usage:
  guardctl [-v] <cmd> [args]

Local (authenticator file, default ~/.config/guardkeeper/<account>.maFile):
  version
  code     -mafile <file> [-watch]
  list     -mafile <file>
  respond  -mafile <file> -id <id> -nonce <nonce> [-reject]
  enroll   -account <name> -password <pw> [-out <file>] [-user <uuid> -alias a]
           (prompts for guard/activation codes; -user also links the account, needs the DB settings)

Linked accounts (GUARD_DSN, GUARD_VAULT_PASSPHRASE):
  link     -user <uuid> -mafile <file> [-alias a] [-trades] [-logins] [-delay 10s]
  session  -user <uuid> -alias <a> -mafile <file>
  codes    -user <uuid>
  confirm  -user <uuid> [-reject] <alias:id | id>
  policy   -account <id> [-trades] [-logins] [-delay 10s]
  history  -account <id> [-n 20]
`)
	os.Exit(2)
}

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	verbose := flag.Bool("v", false, "log provider calls to stderr")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "version":
		fmt.Printf("guardctl %s (%s)\n", version, buildDate)
	case "code":
		err = runCode(ctx, args)
	case "list":
		err = runList(ctx, log, args)
	case "respond":
		err = runRespond(ctx, log, args)
	case "enroll":
		err = runEnroll(ctx, log, args, os.Stdin)
	case "link", "session", "codes", "confirm", "policy", "history":
		err = withStore(ctx, log, func(st *store) error { return st.run(ctx, cmd, args) })
	default:
		usage()
	}
	if err != nil {
		fail(err)
	}
}

// ---- local commands ----

func localEngine(log *zap.Logger) (*service.ConfirmationServiceImpl, guardcode.Clock) {
	t := steam.NewTransport(steam.DefaultConfig(), nil)
	clock := guardcode.Clock{}
	agg := service.NewAggregator(steam.NewLegacyClient(t, clock), steam.NewSessionClient(t))
	return service.NewConfirmationService(agg, nil, nil, nil, clock, log), clock
}

func runCode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("code", flag.ExitOnError)
	path := fs.String("mafile", "", "authenticator file")
	watch := fs.Bool("watch", false, "print every new code until interrupted")
	_ = fs.Parse(args)

	f, err := readMaFile(*path)
	if err != nil {
		return err
	}
	if !*watch {
		clock := guardcode.Clock{}
		code, err := clock.Code(f.SharedSecret)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%ds)\n", code, guardcode.SecondsRemainingInWindow(clock.Time()))
		return nil
	}
	err = guardcode.Watch(ctx, f.SharedSecret, guardcode.Clock{}, func(code string, remaining int) {
		fmt.Printf("%s (%ds)\n", code, remaining)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runList(ctx context.Context, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	path := fs.String("mafile", "", "authenticator file")
	_ = fs.Parse(args)

	f, err := readMaFile(*path)
	if err != nil {
		return err
	}
	svc, _ := localEngine(log)
	list, err := svc.ListConfirmations(ctx, f.bundle(), f.session())
	var partial *service.PartialError
	switch {
	case errors.As(err, &partial):
		log.Warn("listing is partial", zap.String("protocol", string(partial.Protocol)), zap.Error(partial.Err))
	case err != nil:
		return err
	}
	printJSON(list)
	return nil
}

func runRespond(ctx context.Context, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("respond", flag.ExitOnError)
	path := fs.String("mafile", "", "authenticator file")
	id := fs.String("id", "", "confirmation id")
	nonce := fs.String("nonce", "", "confirmation nonce from list")
	reject := fs.Bool("reject", false, "reject instead of accept")
	_ = fs.Parse(args)

	f, err := readMaFile(*path)
	if err != nil {
		return err
	}
	svc, _ := localEngine(log)
	ok, err := svc.RespondToConfirmation(ctx, f.bundle(), f.session(), *id, *nonce, !*reject)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("provider refused the response")
	}
	fmt.Println("ok")
	return nil
}

type enrollOpts struct {
	account, password, out string
	user                   string
	alias                  string
}

// runEnroll parses enroll flags. With -user the attempt goes through the shared
// attempt limiter and the new authenticator is linked to that user.
func runEnroll(ctx context.Context, log *zap.Logger, args []string, in io.Reader) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	var o enrollOpts
	fs.StringVar(&o.account, "account", "", "provider account name")
	fs.StringVar(&o.password, "password", "", "provider password")
	fs.StringVar(&o.out, "out", "", "authenticator file to write")
	fs.StringVar(&o.user, "user", "", "link the result to this user id")
	fs.StringVar(&o.alias, "alias", "", "alias of the linked account")
	_ = fs.Parse(args)
	if o.account == "" || o.password == "" {
		return errors.New("need -account and -password")
	}
	if o.out == "" {
		o.out = maFilePath(o.account)
	}
	if o.user == "" {
		return enrollInteractive(ctx, log, o, in, nil)
	}
	return withStore(ctx, log, func(st *store) error { return enrollInteractive(ctx, log, o, in, st) })
}

// enrollInteractive drives both enrollment phases in one process, prompting on in.
func enrollInteractive(ctx context.Context, log *zap.Logger, o enrollOpts, in io.Reader, st *store) error {
	user := u.Must(u.NewV4())
	var lim limiter.Limiter
	if st != nil {
		id, err := u.FromString(o.user)
		if err != nil {
			return fmt.Errorf("-user: %w", err)
		}
		user, lim = id, st.limiter
	}

	t := steam.NewTransport(steam.DefaultConfig(), nil)
	m := enroll.NewManager(enroll.WebAuthDialer(steam.NewWebAuth(t, guardcode.Clock{}, "guardctl")), lim, log, enroll.Config{})
	defer m.Close()
	go m.RunSweeper(ctx, time.Minute)

	account, password := o.account, o.password
	r := bufio.NewReader(in)

	tk, err := m.StartEnrollment(ctx, user, account, password, "")
guard:
	for {
		var gr *errs.GuardRequiredError
		switch {
		case errors.As(err, &gr):
			fmt.Fprintf(os.Stderr, "%s code required%s: ", gr.Kind, domainHint(gr.Domain))
		case errors.Is(err, errs.ErrGuardInvalid):
			fmt.Fprint(os.Stderr, "code rejected, try again: ")
		default:
			break guard
		}
		code, perr := prompt(r)
		if perr != nil {
			return perr
		}
		tk, err = m.StartEnrollment(ctx, user, account, password, code)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "activation code sent, expires %s: ", tk.ExpiresAt.Format(time.Kitchen))
	code, err := prompt(r)
	if err != nil {
		return err
	}
	res, err := m.FinishEnrollment(ctx, user, tk.Handle, code)
	if err != nil {
		return err
	}
	if err := writeMaFile(o.out, newMaFile(res.Bundle, res.Session)); err != nil {
		return err
	}
	fmt.Printf("enrolled %s, revocation code %s, saved to %s\n", res.Bundle.AccountName, res.Bundle.RevocationCode, o.out)
	if st == nil {
		return nil
	}
	id, err := st.accounts.Link(ctx, user, o.alias, res.Bundle, res.Session, model.Policy{})
	if err != nil {
		return fmt.Errorf("enrolled but not linked (use link -mafile %s): %w", o.out, err)
	}
	fmt.Printf("linked as account %d\n", id)
	return nil
}

func domainHint(d string) string {
	if d == "" {
		return ""
	}
	return " (" + d + ")"
}

func prompt(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ---- linked accounts ----

type store struct {
	limiter  *limiter.PG
	accounts *vault.Accounts
	repo     *postgres.AccountRepo
	events   *postgres.EventRepo
	svc      *service.ConfirmationServiceImpl
}

func withStore(ctx context.Context, log *zap.Logger, fn func(*store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.VaultPassphrase == "" {
		return errors.New("GUARD_VAULT_PASSPHRASE is not set")
	}
	db, err := postgres.New(ctx, cfg.DSN, 2)
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := vault.New(vault.DeriveKey([]byte(cfg.VaultPassphrase), []byte(cfg.VaultSalt)))
	if err != nil {
		return err
	}
	repo := postgres.NewAccountRepo(db)
	events := postgres.NewEventRepo(db)

	t := steam.NewTransport(steam.Config{APIBase: cfg.APIURL, CommunityBase: cfg.CommunityURL}, nil)
	clock := guardcode.Clock{Offset: cfg.TimeOffset}
	agg := service.NewAggregator(steam.NewLegacyClient(t, clock), steam.NewSessionClient(t))
	return fn(&store{
		limiter:  limiter.NewPG(db.Pool, cfg.EnrollWindow, cfg.EnrollFailures, cfg.EnrollWindow),
		accounts: vault.NewAccounts(repo, v, log),
		repo:     repo,
		events:   events,
		svc:      service.NewConfirmationService(agg, postgres.NewCacheRepo(db), events, notify.Nop{}, clock, log),
	})
}

func (st *store) run(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	userStr := fs.String("user", "", "owner user id")
	path := fs.String("mafile", "", "authenticator file")
	alias := fs.String("alias", "", "account alias")
	trades := fs.Bool("trades", false, "auto-confirm trades")
	logins := fs.Bool("logins", false, "auto-confirm sign-ins")
	delay := fs.Duration("delay", 0, "auto-confirm delay (max 60s)")
	reject := fs.Bool("reject", false, "reject instead of accept")
	accountID := fs.Int64("account", 0, "linked account id")
	n := fs.Int("n", 20, "number of events")
	_ = fs.Parse(args)

	policy := model.Policy{AutoConfirmTrades: *trades, AutoConfirmLogins: *logins, Delay: *delay}

	switch cmd {
	case "policy":
		if *accountID == 0 {
			return errors.New("need -account")
		}
		if err := st.repo.SetPolicy(ctx, *accountID, policy); err != nil {
			return err
		}
		stored, err := st.repo.GetPolicy(ctx, *accountID)
		if err != nil {
			return err
		}
		printJSON(stored)
		return nil

	case "history":
		if *accountID == 0 {
			return errors.New("need -account")
		}
		evs, err := st.events.ListByAccount(ctx, *accountID, *n)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			fmt.Printf("%s  %s\n", ev.At.Local().Format(time.DateTime), strings.ReplaceAll(notify.Format(ev), "\n", " | "))
		}
		return nil
	}

	user, err := u.FromString(*userStr)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}

	switch cmd {
	case "link":
		f, err := readMaFile(*path)
		if err != nil {
			return err
		}
		id, err := st.accounts.Link(ctx, user, *alias, f.bundle(), f.session(), policy)
		if err != nil {
			return err
		}
		fmt.Println(id)

	case "session":
		f, err := readMaFile(*path)
		if err != nil {
			return err
		}
		acc, err := st.find(ctx, user, *alias)
		if err != nil {
			return err
		}
		acc.Session = f.session()
		if err := st.accounts.SaveSession(ctx, acc); err != nil {
			return err
		}
		fmt.Println("ok")

	case "codes":
		accs, err := st.accounts.ForUser(ctx, user)
		if err != nil {
			return err
		}
		codes, err := st.svc.Codes(accs)
		for alias, code := range codes {
			fmt.Printf("%-20s %s\n", alias, code)
		}
		fmt.Printf("valid for %ds\n", st.svc.SecondsLeft())
		return err

	case "confirm":
		if fs.NArg() != 1 {
			return errors.New("need exactly one confirmation reference")
		}
		accs, err := st.accounts.ForUser(ctx, user)
		if err != nil {
			return err
		}
		e, err := st.svc.ResolveCached(ctx, accs, fs.Arg(0), !*reject)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", e.ConfirmationID, e.Status)
	}
	return nil
}

func (st *store) find(ctx context.Context, user u.UUID, alias string) (model.LinkedAccount, error) {
	accs, err := st.accounts.ForUser(ctx, user)
	if err != nil {
		return model.LinkedAccount{}, err
	}
	for _, a := range accs {
		if strings.EqualFold(a.Alias, alias) {
			return a, nil
		}
	}
	return model.LinkedAccount{}, fmt.Errorf("account %q: %w", alias, errs.ErrNotFound)
}

// ---- helpers ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
