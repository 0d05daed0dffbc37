// Command swarmworker is a headless virtual-client worker that connects to
// a coordinator, waits for hatch/stop/quit instructions, and reports
// periodic statistics back - the worker half of spec §1's distributed
// load-generation swarm.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/swarmworker/internal/config"
	"github.com/joeycumines/swarmworker/internal/logging"
	"github.com/joeycumines/swarmworker/internal/nodeid"
	"github.com/joeycumines/swarmworker/internal/runner"
	"github.com/joeycumines/swarmworker/internal/task"
	"github.com/joeycumines/swarmworker/internal/transport"
)

// heartbeatInterval is fixed per spec §4.6; unlike the other tunables it is
// not exposed as a flag.
const heartbeatInterval = 3 * time.Second

func main() {
	os.Exit(run(os.Args[1:], Registrar))
}

// Registrar returns the task prototypes this worker offers. By default it
// returns none; a build that offers tasks assigns its own function here
// (e.g. from an init function in this package) returning its
// task.Prototype implementations.
var Registrar = func() []task.Prototype { return nil }

func run(args []string, registrar func() []task.Prototype) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := logging.NewStderr(cfg.LogLevel)

	id, err := nodeid.New(cfg.RandomSeed)
	if err != nil {
		logger.Err().Err(err).Log("failed to derive node id")
		return 1
	}

	tr := transport.NewTCP(fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort))
	tr.SetLogf(func(format string, args ...any) {
		logger.Warning().Logf(format, args...)
	})

	r := runner.New(
		id,
		tr,
		runner.SchedulerConfig{
			Parallelism: cfg.Threads,
			BufferSize:  cfg.BufferSize,
			MaxRPS:      cfg.MaxRPS,
		},
		time.Duration(cfg.StatIntervalMS)*time.Millisecond,
		heartbeatInterval,
		logger,
	)

	r.Register(registrar())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	if err := tr.Initialize(dialCtx); err != nil {
		logger.Err().Err(err).Log("failed to connect to master")
		return 1
	}

	<-ctx.Done()
	logger.Info().Log("shutdown signal received")
	r.Dispose()
	return 0
}

func parseFlags(args []string) (config.Config, error) {
	cfg := config.Default()

	fs := flag.NewFlagSet("swarmworker", flag.ContinueOnError)
	fs.StringVar(&cfg.MasterHost, "master-host", cfg.MasterHost, "coordinator hostname or IP")
	fs.IntVar(&cfg.MasterPort, "master-port", cfg.MasterPort, "coordinator port")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "scheduler queue size, must be a power of two")
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "worker pool parallelism")
	fs.IntVar(&cfg.StatIntervalMS, "stat-interval-ms", cfg.StatIntervalMS, "stats flush interval, in milliseconds")
	fs.Int64Var(&cfg.RandomSeed, "random-seed", cfg.RandomSeed, "node id suffix seed; 0 selects a random suffix")
	fs.IntVar(&cfg.MaxRPS, "max-rps", cfg.MaxRPS, "global request rate ceiling; 0 disables it")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, err")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}
