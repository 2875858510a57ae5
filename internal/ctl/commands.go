package ctl

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("binoptctl "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func (c Context) write(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out(), string(b))
	return err
}

// positional splits a leading non-flag argument from the rest.
func positional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func keygenCmd(ctx Context, args []string) error {
	fs := newFlagSet("keygen")
	out := fs.String("out", "", "write a sealed keyfile here instead of printing the raw key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := crypto.GenerateSigner()
	if err != nil {
		return err
	}
	if *out == "" {
		return ctx.write(map[string]string{
			"identity":    s.Identity().String(),
			"private_key": s.PrivateKeyHex(),
		})
	}

	if ctx.Key.Password == "" {
		return errors.New("keygen --out requires --password")
	}
	data, err := crypto.Seal(s, ctx.Key.Password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write keyfile: %w", err)
	}
	return ctx.write(map[string]string{"identity": s.Identity().String(), "keyfile": *out})
}

func identityCmd(ctx Context, _ []string) error {
	s, err := ctx.signer()
	if err != nil {
		return err
	}
	return ctx.write(map[string]string{"identity": s.Identity().String()})
}

func initTreasuryCmd(ctx Context, _ []string) error {
	c, err := ctx.client(true)
	if err != nil {
		return err
	}
	var resp any
	if err := c.call("POST", "/api/treasury/initialize", nil, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}

func creditCmd(ctx Context, args []string) error {
	fs := newFlagSet("credit")
	owner := fs.String("owner", "", "identity to fund")
	amount := fs.Uint64("amount", 0, "collateral units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := domain.ParseIdentity(*owner)
	if err != nil {
		return fmt.Errorf("--owner: %w", err)
	}
	if *amount == 0 {
		return errors.New("--amount must be > 0")
	}

	c, err := ctx.client(true)
	if err != nil {
		return err
	}
	var resp any
	if err := c.call("POST", "/api/collateral/credit", map[string]any{"owner": id, "amount": *amount}, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}

// parseExpiry accepts unix seconds, RFC 3339, or a duration from now ("+2h").
func parseExpiry(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return 0, err
		}
		return now.Add(d).Unix(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("expiry %q: want unix seconds, RFC 3339 or +duration", s)
	}
	return t.Unix(), nil
}

func createMarketCmd(ctx Context, args []string) error {
	fs := newFlagSet("create-market")
	strike := fs.Uint64("strike", 0, "strike price in whole USD")
	expiry := fs.String("expiry", "", "unix seconds, RFC 3339, or +duration")
	asset := fs.String("asset", "BTC", "BTC|SOL|ETH")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *strike == 0 {
		return errors.New("--strike must be > 0")
	}
	exp, err := parseExpiry(*expiry, time.Now())
	if err != nil {
		return err
	}
	a, err := domain.ParseAsset(*asset)
	if err != nil {
		return err
	}

	c, err := ctx.client(true)
	if err != nil {
		return err
	}
	var resp any
	body := map[string]any{"strike": *strike, "expiry": exp, "asset": a.String()}
	if err := c.call("POST", "/api/markets", body, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}

func marketArg(cmd string, args []string) (domain.Identity, []string, error) {
	raw, rest := positional(args)
	if raw == "" {
		return domain.Identity{}, nil, fmt.Errorf("usage: binoptctl %s <market> ...", cmd)
	}
	id, err := domain.ParseIdentity(raw)
	if err != nil {
		return domain.Identity{}, nil, fmt.Errorf("market: %w", err)
	}
	return id, rest, nil
}

func lockCmd(ctx Context, args []string) error {
	id, rest, err := marketArg("lock", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("lock")
	amount := fs.Uint64("amount", 0, "claim pairs to mint")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *amount == 0 {
		return errors.New("--amount must be > 0")
	}

	c, err := ctx.client(true)
	if err != nil {
		return err
	}
	var resp any
	if err := c.call("POST", "/api/markets/"+id.String()+"/lock", map[string]any{"amount": *amount}, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}

func resolveCmd(ctx Context, args []string) error {
	id, _, err := marketArg("resolve", args)
	if err != nil {
		return err
	}
	c, err := ctx.client(true)
	if err != nil {
		return err
	}
	var resp any
	if err := c.call("POST", "/api/markets/"+id.String()+"/resolve", nil, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}

type marketResponse struct {
	Market struct {
		Outcome string `json:"outcome"`
	} `json:"market"`
}

func redeemCmd(ctx Context, args []string) error {
	id, rest, err := marketArg("redeem", args)
	if err != nil {
		return err
	}
	fs := newFlagSet("redeem")
	amount := fs.Uint64("amount", 0, "winning claims to burn")
	account := fs.String("account", "", "claim account (default: caller's winning-class account)")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *amount == 0 {
		return errors.New("--amount must be > 0")
	}

	c, err := ctx.client(true)
	if err != nil {
		return err
	}

	var acct domain.Identity
	if *account != "" {
		if acct, err = domain.ParseIdentity(*account); err != nil {
			return fmt.Errorf("--account: %w", err)
		}
	} else {
		var m marketResponse
		if err := c.call("GET", "/api/markets/"+id.String(), nil, &m); err != nil {
			return err
		}
		var class domain.ClaimClass
		switch m.Market.Outcome {
		case "yes":
			class = domain.ClaimYes
		case "no":
			class = domain.ClaimNo
		default:
			return fmt.Errorf("market %s is not resolved", id)
		}
		acct = crypto.DeriveClaimAccountID(c.Signer.Identity(), crypto.DeriveMintID(class, id))
	}

	var resp any
	body := map[string]any{"claim_account": acct, "amount": *amount}
	if err := c.call("POST", "/api/markets/"+id.String()+"/redeem", body, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}

func marketCmd(ctx Context, args []string) error {
	raw, rest := positional(args)
	fs := newFlagSet("market")
	record := fs.Bool("record", false, "show the persisted record (with id)")
	state := fs.String("state", "", "open|resolved (list only)")
	asset := fs.String("asset", "", "BTC|SOL|ETH (list only)")
	limit := fs.Int("limit", 50, "page size (list only)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	c, err := ctx.client(false)
	if err != nil {
		return err
	}
	var resp any
	if raw == "" {
		q := url.Values{}
		if *state != "" {
			q.Set("state", *state)
		}
		if *asset != "" {
			q.Set("asset", *asset)
		}
		q.Set("limit", strconv.Itoa(*limit))
		if err := c.call("GET", "/api/markets?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		return ctx.write(resp)
	}

	id, err := domain.ParseIdentity(raw)
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	path := "/api/markets/" + id.String()
	if *record {
		path += "/record"
	}
	if err := c.call("GET", path, nil, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}

func accountCmd(ctx Context, args []string) error {
	raw, _ := positional(args)
	var id domain.Identity
	if raw == "" {
		s, err := ctx.signer()
		if err != nil {
			return err
		}
		id = s.Identity()
	} else {
		var err error
		if id, err = domain.ParseIdentity(raw); err != nil {
			return fmt.Errorf("account: %w", err)
		}
	}

	c, err := ctx.client(false)
	if err != nil {
		return err
	}
	var resp any
	if err := c.call("GET", "/api/accounts/"+id.String(), nil, &resp); err != nil {
		return err
	}
	return ctx.write(resp)
}
