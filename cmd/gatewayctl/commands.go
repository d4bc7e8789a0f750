package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/vnmchuo/llm-billing-proxy/internal/auth"
	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
)

const (
	secretBytes  = 64
	hashShortLen = 12
)

var (
	errUserNotFound  = errors.New("User not found.")
	errAmbiguousUser = errors.New("More than one user found. Specify more of the hash prefix.")
	errUsage         = errors.New("invalid usage, see gatewayctl --help")
)

type cli struct {
	store  ledger.Ledger
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
	rand   io.Reader
}

func newCLI(store ledger.Ledger, out, errOut io.Writer) *cli {
	return &cli{store: store, out: out, errOut: errOut, now: time.Now, rand: rand.Reader}
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "user":
		if len(args) < 2 {
			return errUsage
		}
		switch args[1] {
		case "create":
			return c.userCreate(ctx, args[2:])
		case "list":
			return c.userList(ctx, args[2:])
		case "update":
			return c.userUpdate(ctx, args[2:])
		}
	case "events":
		return c.events(ctx, args[1:])
	}
	return errUsage
}

func (c *cli) userCreate(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("user create", pflag.ContinueOnError)
	fs.SetOutput(c.errOut)
	expires := fs.StringP("expires", "e", "", "expiry (RFC 3339 or \"now\")")
	comment := fs.StringP("comment", "t", "", "free-form comment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return errUsage
	}

	expiresAt, err := c.parseExpiry(*expires)
	if err != nil {
		return err
	}

	raw := make([]byte, secretBytes)
	if _, err := io.ReadFull(c.rand, raw); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(raw)
	hash := auth.HashKey(key)

	if _, err := c.store.CreateAccount(ctx, hash, expiresAt, *comment); err != nil {
		return err
	}

	fmt.Fprintf(c.errOut, "Expires: %s\n", formatExpiry(expiresAt))
	fmt.Fprintf(c.errOut, "Comment: %s\n", *comment)
	fmt.Fprintf(c.out, "%s %s\n", hash[:hashShortLen], key)
	return nil
}

func (c *cli) userList(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return errUsage
	}
	var prefix string
	if len(args) == 1 {
		prefix = args[0]
	}

	accounts, err := c.store.ListAccounts(ctx, prefix, true)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Hash\tExpires\tStatus\tComment")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortHash(a.SecretHash), formatExpiry(a.ExpiresAt), a.Status, a.Comment)
	}
	return tw.Flush()
}

func (c *cli) userUpdate(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("user update", pflag.ContinueOnError)
	fs.SetOutput(c.errOut)
	expires := fs.StringP("expires", "e", "", "expiry (RFC 3339 or \"now\"), empty to clear")
	comment := fs.StringP("comment", "t", "", "free-form comment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errUsage
	}

	var upd ledger.AccountUpdate
	if fs.Changed("expires") {
		if *expires == "" {
			upd.ClearExpiry = true
		} else {
			t, err := c.parseExpiry(*expires)
			if err != nil {
				return err
			}
			upd.ExpiresAt = t
		}
	}
	if fs.Changed("comment") {
		upd.Comment = comment
	}
	if !fs.Changed("expires") && !fs.Changed("comment") {
		return errors.New("nothing to update: pass -e and/or -t")
	}

	accounts, err := c.store.ListAccounts(ctx, fs.Arg(0), true)
	if err != nil {
		return err
	}
	switch len(accounts) {
	case 0:
		return errUserNotFound
	case 1:
	default:
		return errAmbiguousUser
	}

	if err := c.store.UpdateAccount(ctx, accounts[0].ID, upd); err != nil {
		return err
	}
	fmt.Fprintf(c.errOut, "Updated %s\n", shortHash(accounts[0].SecretHash))
	return nil
}

func (c *cli) events(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	fs.SetOutput(c.errOut)
	var filter ledger.EventFilter
	fs.StringVar(&filter.AccountID, "account", "", "only events of this account id")
	fs.StringVar(&filter.RequestID, "request", "", "only events of this request id")
	since := fs.String("since", "", "only events at or after this time (RFC 3339 or \"now\")")
	fs.IntVar(&filter.Limit, "limit", 100, "maximum number of events, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return errUsage
	}
	if *since != "" {
		t, err := c.parseExpiry(*since)
		if err != nil {
			return err
		}
		filter.Since = *t
	}

	events, err := c.store.ListEvents(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Time\tAccount\tProduct\tQuantity\tRequest")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			e.CreatedAt.Local().Format(time.RFC3339), e.AccountID, e.Product, e.Quantity, e.RequestID)
	}
	return tw.Flush()
}

// parseExpiry accepts RFC 3339 timestamps and the literal "now". An empty
// string means no expiry.
func (c *cli) parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if s == "now" {
		t := c.now()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: want RFC 3339 or \"now\"", s)
	}
	return &t, nil
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func shortHash(h string) string {
	if len(h) > hashShortLen {
		return h[:hashShortLen]
	}
	return h
}
