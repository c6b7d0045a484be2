// Thingy is a small, reliable build runner that polls git repositories for
// new commits and runs a build script against each one it sees.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/internal/engine"
	"github.com/buildkite/thingy/internal/httpapi"
	"github.com/buildkite/thingy/logger"
	"github.com/buildkite/thingy/signalwatcher"
	"github.com/buildkite/thingy/static"
	"github.com/buildkite/thingy/version"
)

func printVersion(c *cli.Context) {
	fmt.Fprintf(c.App.Writer, "%s version %s\n", c.App.Name, version.FullVersion())
}

func main() {
	cli.VersionPrinter = printVersion

	app := cli.NewApp()
	app.Name = "thingy"
	app.Usage = "poll git repositories and run a build script on every new commit"
	app.Version = version.Version()
	app.ArgsUsage = "<workspace-directory>"
	app.ErrWriter = os.Stderr
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen-address", Value: "127.0.0.1", EnvVar: "LISTEN_ADDRESS"},
		cli.StringFlag{Name: "listen-port", Value: "8080", EnvVar: "LISTEN_PORT"},
		cli.BoolFlag{Name: "serve-static", EnvVar: "SERVE_STATIC"},
		cli.StringFlag{Name: "log-level", Value: "info", EnvVar: "LOG_LEVEL"},
		cli.StringFlag{Name: "log-format", Value: "text", EnvVar: "LOG_FORMAT"},
	}
	app.Action = runAction

	app.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Fprintf(app.ErrWriter, "thingy: unknown subcommand %q\n", command)
		fmt.Fprintf(app.ErrWriter, "Run '%s --help' for usage.\n", c.App.Name)
		os.Exit(1)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "thingy: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (logger.Logger, error) {
	level, err := logger.LevelFromString(c.String("log-level"))
	if err != nil {
		return nil, err
	}

	var printer logger.Printer
	switch c.String("log-format") {
	case "json":
		printer = logger.NewJSONPrinter(os.Stdout)
	case "text":
		printer = logger.NewTextPrinter(os.Stdout)
	default:
		return nil, fmt.Errorf("invalid log format: %q (must be text or json)", c.String("log-format"))
	}

	log := logger.NewConsoleLogger(printer, os.Exit)
	log.SetLevel(level)
	return log, nil
}

// staticFS returns the filesystem the control plane serves "/" from: the
// embedded dashboard by default, or a static/ directory on disk when
// serveStatic is set, for iterating on the dashboard without rebuilding.
func staticFS(serveStatic bool) fs.FS {
	if serveStatic {
		return os.DirFS("static")
	}
	return static.Files
}

func runAction(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return cli.NewExitError("a workspace directory argument is required", 1)
	}

	log, err := newLogger(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	lock := flock.New(fmt.Sprintf("%s/.thingy.lock", dir))
	locked, err := lock.TryLock()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("acquiring workspace lock: %v", err), 1)
	}
	if !locked {
		return cli.NewExitError(fmt.Sprintf("workspace %q is already locked by another thingy process", dir), 1)
	}
	defer lock.Unlock()

	ws, err := config.Load(dir)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("loading workspace: %v", err), 1)
	}

	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
	root := engine.New(ws, engine.NewGitAdapter(), log, metrics)

	handler := httpapi.New(root, log, staticFS(c.Bool("serve-static")))

	addr := fmt.Sprintf("%s:%s", c.String("listen-address"), c.String("listen-port"))
	server := &http.Server{Addr: addr, Handler: handler}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening on %s", addr)
		serverErr <- server.ListenAndServe()
	}()

	shutdown := make(chan struct{})
	signalwatcher.Watch(func(sig signalwatcher.Signal) {
		log.Notice("received signal %s, shutting down", sig)
		close(shutdown)
	})

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			root.Shutdown()
			return cli.NewExitError(fmt.Sprintf("http server: %v", err), 1)
		}
	case <-shutdown:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("http server shutdown: %v", err)
		}
	}

	root.Shutdown()
	return nil
}
