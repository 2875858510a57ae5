// Command binoptctl is the operator CLI for the settlement engine API.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/ctl"
)

func main() {
	_ = godotenv.Load()

	var (
		apiBase  = flag.String("api-base", envOr("BINOPT_API_BASE", "http://localhost:8000"), "API base URL")
		key      = flag.String("key", os.Getenv("BINOPT_KEY"), "hex private key")
		keyfile  = flag.String("keyfile", os.Getenv("BINOPT_KEYFILE"), "sealed keyfile path")
		password = flag.String("password", os.Getenv("BINOPT_KEY_PASSWORD"), "keyfile password")
	)
	flag.Usage = func() { ctl.Usage(os.Stderr) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		ctl.Usage(os.Stderr)
		os.Exit(2)
	}

	ctx := ctl.Context{
		APIBase: strings.TrimRight(strings.TrimSpace(*apiBase), "/"),
		Key: crypto.KeyConfig{
			RawPrivateKey: strings.TrimSpace(*key),
			KeyfilePath:   strings.TrimSpace(*keyfile),
			Password:      *password,
		},
	}
	if err := ctl.Dispatch(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
