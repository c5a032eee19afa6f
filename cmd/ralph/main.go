package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	app "github.com/valter-silva-au/ralph/internal"
	"github.com/valter-silva-au/ralph/internal/cli"
)

// Set by goreleaser ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli.SetVersionInfo(version, commit, date)
	basePath := app.ResolveBasePath()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The HTTP server logs JSON for collectors; everything else logs text.
	jsonLogs := len(os.Args) > 1 && os.Args[1] == "serve"

	a, err := app.NewApp(ctx, basePath, app.Options{JSONLogs: jsonLogs})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing ralph: %v\n", err)
		return 1
	}

	code := 0
	if err := cli.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}

	// Cancel before Close so in-flight agents are killed instead of awaited.
	stop()
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing ralph: %v\n", err)
	}
	return code
}
