// Plotrix-dice-mcp exposes the Plotrix dice roller as an MCP server.
//
// Usage:
//
//	plotrix-dice-mcp                  Serve over stdin/stdout
//	plotrix-dice-mcp -http 127.0.0.1:8766
//	                                  Serve streamable HTTP on addr
//	plotrix-dice-mcp -log-level debug Log each roll to stderr
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AliyahZombie/Plotrix/internal/buildinfo"
	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/diceserver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

type options struct {
	httpAddr string
	logLevel string
}

func parseArgs(args []string) (options, error) {
	var opts options
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-http" && i+1 < len(args):
			opts.httpAddr = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-http="):
			opts.httpAddr = strings.TrimPrefix(args[i], "-http=")
		case args[i] == "-log-level" && i+1 < len(args):
			opts.logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			opts.logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-version":
			return options{}, errVersion
		default:
			return options{}, fmt.Errorf("unknown argument: %s", args[i])
		}
	}
	return opts, nil
}

var errVersion = errors.New("version requested")

// run serves until ctx is done. Logs go to stderr because stdout is the
// protocol channel in stdio mode.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if errors.Is(err, errVersion) {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, level, "text")
	server := diceserver.New(logger)

	if opts.httpAddr == "" {
		logger.Debug("serving dice over stdio")
		return diceserver.ServeStdio(ctx, server)
	}

	srv := &http.Server{
		Addr:              opts.httpAddr,
		Handler:           diceserver.Handler(server),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving dice over streamable HTTP", "address", opts.httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
