// Command kobodl is a CLI for downloading purchased books from a Kobo
// account and removing their content protection.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kobodl/kobodl/internal/actions"
	"github.com/kobodl/kobodl/internal/model"
	"github.com/kobodl/kobodl/internal/server/web"
	"github.com/kobodl/kobodl/internal/settings"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `kobodl
Usage:
  kobodl [-config file] <cmd> [args]

Commands:
  version
  user list
  user add   [-web]                        (interactive login)
  user rm    <email|userkey|deviceid>
  book list  [-u <user>] [-all] [-export file]
  book get   [-u <user>] [-o dir] [-all] [-read] [product-id ...]
  serve      [-addr host:port] [-o dir]
`)
	os.Exit(2)
}

// main dispatches subcommands over a shared settings store.
func main() {
	configPath := flag.String("config", "", "settings file (default: per-user config dir)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	sets, err := settings.New(*configPath)
	if err != nil {
		fail(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch flag.Arg(0) {

	case "version":
		fmt.Printf("kobodl %s (%s)\n", version, buildDate)

	case "user":
		userCmd(ctx, flag.Args()[1:], sets, logger)

	case "book":
		bookCmd(ctx, flag.Args()[1:], sets, logger)

	case "serve":
		serveCmd(ctx, flag.Args()[1:], sets)

	default:
		usage()
	}
}

func userCmd(ctx context.Context, args []string, sets *settings.Settings, logger *zap.Logger) {
	if len(args) < 1 {
		usage()
	}
	switch args[0] {

	case "list":
		type row struct{ Email, UserKey, DeviceID, TokenExpiry string }
		rows := []row{}
		for _, u := range sets.UserList.Users {
			rows = append(rows, row{
				Email:       u.Email,
				UserKey:     u.UserKey,
				DeviceID:    u.DeviceID,
				TokenExpiry: tokenExpiry(u.AccessToken),
			})
		}
		printJSON(rows)

	case "add":
		fs := flag.NewFlagSet("user add", flag.ExitOnError)
		useWeb := fs.Bool("web", false, "use browser-based activation instead of the credential form")
		_ = fs.Parse(args[1:])
		addUser(ctx, sets, logger, *useWeb)

	case "rm":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "need an email, user key, or device id")
			os.Exit(1)
		}
		removed, err := actions.RemoveUser(sets, args[1])
		if err != nil {
			fail(err)
		}
		fmt.Printf("removed %s\n", removed.Email)

	default:
		usage()
	}
}

// captchaInstructions walks the user through solving the sign-in captcha in
// their browser's developer console.
const captchaInstructions = `
Open https://authorize.kobo.com/signin in a private/incognito window in your
browser, wait till the page loads (do not log in!), open the developer tools
(F12 in Firefox/Chrome), select the console tab, and paste this there:

  var newCaptchaDiv = document.createElement( "div" );
  newCaptchaDiv.id = "new-grecaptcha-container";
  document.getElementById( "grecaptcha-container" ).insertAdjacentElement( "afterend", newCaptchaDiv );
  grecaptcha.render( newCaptchaDiv.id, {
      sitekey: "6Le_Hc8ZAAAAAO6IMIG5zdDmANbljtXY4EHK0wzD",
      callback: function( response ) { console.log( "Captcha response:" ); console.log( response ); }
  } );

A captcha shows up below the sign-in form. Once solved, its response is
printed in the console. Copy the line below "Captcha response:" and paste it
here.
`

func addUser(ctx context.Context, sets *settings.Settings, logger *zap.Logger, useWeb bool) {
	in := bufio.NewReader(os.Stdin)
	email := prompt(in, "kobo.com email: ")
	user := &model.User{Email: email}
	sets.UserList.Users = append(sets.UserList.Users, user)

	var err error
	if useWeb {
		client := actions.NewClient(user, sets, logger)
		activation, aerr := client.ActivateOnWeb(ctx)
		if aerr != nil {
			err = aerr
		} else {
			fmt.Printf("\nOpen https://www.kobo.com/activate and enter %s.\n", activation.Code)
			fmt.Println("Waiting for you to finish the activation...")
			err = client.WaitForActivation(ctx)
		}
	} else {
		fmt.Print(captchaInstructions)
		password := prompt(in, "kobo.com password: ")
		captcha := prompt(in, "captcha response: ")
		err = actions.LoginUser(ctx, user, password, captcha, sets, logger)
	}

	if err != nil {
		// The login's save hook may have already persisted the
		// half-registered user; the removal must be persisted too.
		if _, rmErr := actions.RemoveUser(sets, email); rmErr != nil {
			logger.Warn("could not discard the failed login's user", zap.Error(rmErr))
		}
		fail(err)
	}
	fmt.Printf("added %s\n", user.Email)
}

func bookCmd(ctx context.Context, args []string, sets *settings.Settings, logger *zap.Logger) {
	if len(args) < 1 {
		usage()
	}
	switch args[0] {

	case "list":
		fs := flag.NewFlagSet("book list", flag.ExitOnError)
		userFlag := fs.String("u", "", "email or user key (default: all users)")
		listAll := fs.Bool("all", false, "include read and archived books")
		exportFile := fs.String("export", "", "write the book list as JSON to a file")
		_ = fs.Parse(args[1:])

		users := sets.UserList.Users
		if *userFlag != "" {
			u := sets.UserList.GetUser(*userFlag)
			if u == nil {
				fail(fmt.Errorf("no user matches %q", *userFlag))
			}
			users = []*model.User{u}
		}

		books, err := actions.ListBooks(ctx, users, *listAll, sets, logger)
		if err != nil {
			fail(err)
		}

		type row struct {
			RevisionID, Title, Author, Type, Owner string
			Archived, Read                         bool
		}
		rows := []row{}
		for _, b := range books {
			rows = append(rows, row{
				RevisionID: b.RevisionID,
				Title:      b.Title,
				Author:     b.Author,
				Type:       b.Type.String(),
				Owner:      b.Owner.Email,
				Archived:   b.Archived,
				Read:       b.Read,
			})
		}
		if *exportFile != "" {
			if err := exportJSON(*exportFile, rows); err != nil {
				fail(err)
			}
		}
		printJSON(rows)

	case "get":
		fs := flag.NewFlagSet("book get", flag.ExitOnError)
		userFlag := fs.String("u", "", "email or user key (required with multiple accounts)")
		outputDir := fs.String("o", "kobo_downloads", "output directory")
		getAll := fs.Bool("all", false, "download every book")
		includeRead := fs.Bool("read", false, "include already-read books when downloading all")
		_ = fs.Parse(args[1:])
		productIDs := fs.Args()

		user := pickUser(sets, *userFlag)
		if *getAll && len(productIDs) > 0 {
			fmt.Fprintln(os.Stderr, "cannot pass product ids together with -all")
			os.Exit(1)
		}
		if !*getAll && len(productIDs) == 0 {
			fmt.Fprintln(os.Stderr, "need at least one product id, or -all")
			os.Exit(1)
		}

		if err := os.MkdirAll(*outputDir, 0o755); err != nil {
			fail(err)
		}
		client := actions.NewClient(user, sets, logger)
		if *getAll {
			if _, err := actions.GetBookOrBooks(ctx, client, *outputDir, "", *includeRead, logger); err != nil {
				fail(err)
			}
		} else {
			for _, pid := range productIDs {
				path, err := actions.GetBookOrBooks(ctx, client, *outputDir, pid, true, logger)
				if err != nil {
					fail(err)
				}
				fmt.Println(path)
			}
		}

	default:
		usage()
	}
}

func serveCmd(ctx context.Context, args []string, sets *settings.Settings) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "localhost:5000", "listen address")
	outputDir := fs.String("o", "", "download directory (overrides settings)")
	_ = fs.Parse(args)

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if *outputDir != "" {
		sets.UserList.OutputDir = *outputDir
	}

	srv := &http.Server{Addr: *addr, Handler: web.NewServer(sets, logger).Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// ---- helpers ----

func pickUser(sets *settings.Settings, identifier string) *model.User {
	if len(sets.UserList.Users) == 0 {
		fmt.Fprintln(os.Stderr, "no users found; run `kobodl user add` first")
		os.Exit(1)
	}
	if identifier == "" {
		if len(sets.UserList.Users) > 1 {
			fmt.Fprintln(os.Stderr, "must pass -u when more than one user exists")
			os.Exit(1)
		}
		return sets.UserList.Users[0]
	}
	u := sets.UserList.GetUser(identifier)
	if u == nil {
		fmt.Fprintf(os.Stderr, "no user matches %q\n", identifier)
		os.Exit(1)
	}
	return u
}

func prompt(in *bufio.Reader, label string) string {
	fmt.Print(label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

// tokenExpiry extracts the expiry claim from an access token without
// validating it; purely diagnostic.
func tokenExpiry(accessToken string) string {
	if accessToken == "" {
		return ""
	}
	var claims jwt.RegisteredClaims
	_, _ = jwt.ParseWithClaims(accessToken, &claims, func(*jwt.Token) (any, error) { return nil, nil },
		jwt.WithoutClaimsValidation(),
	)
	if claims.ExpiresAt == nil {
		return ""
	}
	return claims.ExpiresAt.Time.UTC().Format(time.RFC3339)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func exportJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
