// Command pageserverd loads the configuration, sets the log format,
// constructs one wal-redo coordinator from the configured per-version
// paths, and runs until it receives SIGINT or SIGTERM. It does not
// construct a remote timeline client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagestored/pageserver/pkg/config"
	"github.com/pagestored/pageserver/pkg/log"
	"github.com/pagestored/pageserver/pkg/walredo"
	"github.com/pagestored/pageserver/pkg/walredo/process"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	configFlag  = flag.String("c", "/etc/pageserverd/pageserverd.toml", "set configuration file")

	gitCommit, buildDate, version, goVersion string
)

func main() {
	flag.Parse()

	handleVersionFlag()

	cfg := handleConfigFlagOrDie()
	initLogging(cfg)

	logger := log.New("main")
	logger.Build().Msg(context.Background(), getVersionString())

	redo := walredo.NewManager(walredo.Config{
		WalRedo:        walRedoPaths(cfg),
		RequestTimeout: time.Duration(cfg.WalRedoTimeoutMillis) * time.Millisecond,
	})
	defer redo.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Build().Msg(context.Background(), "received shutdown signal, exiting")
}

func initLogging(cfg *config.Config) {
	log.Mode = cfg.LogFormat
}

func handleVersionFlag() {
	if *versionFlag {
		fmt.Fprintln(os.Stderr, getVersionString())
		os.Exit(0)
	}
}

func handleConfigFlagOrDie() *config.Config {
	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %s\n", err.Error())
		os.Exit(1)
	}
	return cfg
}

func walRedoPaths(cfg *config.Config) map[int]process.Paths {
	paths := make(map[int]process.Paths, len(cfg.WalRedo))
	for pgVersion, p := range cfg.WalRedo {
		paths[pgVersion] = process.Paths{BinPath: p.BinPath, LibPath: p.LibPath}
	}
	return paths
}

func getVersionString() string {
	return fmt.Sprintf("version=%s commit=%s go_version=%s build_date=%s", version, gitCommit, goVersion, buildDate)
}
