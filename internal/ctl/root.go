// Package ctl implements the binoptctl operator commands. Commands talk to
// the HTTP API and sign every state-changing request with the operator key.
package ctl

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alanyoungcy/binaryoptions/internal/crypto"
)

// Context carries the global flags into every command.
type Context struct {
	APIBase string
	Key     crypto.KeyConfig
	Out     io.Writer
}

func (c Context) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

func (c Context) signer() (*crypto.Signer, error) {
	s, err := crypto.LoadSigner(c.Key)
	if err != nil {
		return nil, fmt.Errorf("load key (set --key or --keyfile): %w", err)
	}
	return s, nil
}

func (c Context) client(signed bool) (*Client, error) {
	cl := &Client{BaseURL: c.APIBase}
	if signed {
		s, err := c.signer()
		if err != nil {
			return nil, err
		}
		cl.Signer = s
	}
	return cl, nil
}

func Usage(w io.Writer) {
	fmt.Fprint(w, `binoptctl <command> [args] [flags]

Global Flags:
  --api-base    API base URL (env: BINOPT_API_BASE)
  --key         hex private key (env: BINOPT_KEY)
  --keyfile     sealed keyfile path (env: BINOPT_KEYFILE)
  --password    keyfile password (env: BINOPT_KEY_PASSWORD)

Commands:
  keygen         [--out file]                      create a key
  identity                                         print the key's identity
  init-treasury                                    bootstrap the treasury (admin)
  credit         --owner 0x.. --amount N           fund collateral (admin)
  create-market  --strike N --expiry T --asset A   open a market
  lock           <market> --amount N               lock N claim pairs
  resolve        <market>                          settle an expired market
  redeem         <market> --amount N [--account]   redeem winning claims
  market         [id] [--record] [--state s]       show or list markets
  account        [identity]                        show balances
`)
}

// Dispatch runs the command named by args[0].
func Dispatch(ctx Context, args []string) error {
	if len(args) == 0 {
		Usage(os.Stderr)
		return errors.New("missing command")
	}
	switch args[0] {
	case "keygen":
		return keygenCmd(ctx, args[1:])
	case "identity":
		return identityCmd(ctx, args[1:])
	case "init-treasury":
		return initTreasuryCmd(ctx, args[1:])
	case "credit":
		return creditCmd(ctx, args[1:])
	case "create-market":
		return createMarketCmd(ctx, args[1:])
	case "lock":
		return lockCmd(ctx, args[1:])
	case "resolve":
		return resolveCmd(ctx, args[1:])
	case "redeem":
		return redeemCmd(ctx, args[1:])
	case "market", "markets":
		return marketCmd(ctx, args[1:])
	case "account":
		return accountCmd(ctx, args[1:])
	case "help", "-h", "--help":
		Usage(ctx.out())
		return nil
	default:
		Usage(os.Stderr)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}
