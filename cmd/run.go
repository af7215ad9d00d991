package cmd

import (
	"context"

	"github.com/pock-dev/pock/internal/config"
	"github.com/pock-dev/pock/internal/ipc"
	"github.com/pock-dev/pock/internal/logging"
	"github.com/pock-dev/pock/internal/server"
	"github.com/pock-dev/pock/internal/shutdown"
	"github.com/pock-dev/pock/internal/supervisor"
	"github.com/pock-dev/pock/internal/watcher"
	"github.com/pock-dev/pock/internal/worker"
)

// runWatch supervises a worker process and restarts it whenever the route
// files change. It ends the process itself through the shutdown handler.
func runWatch(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	coordinator := shutdown.NewCoordinator()
	handler := shutdown.NewHandler(coordinator, logger)
	stop := handler.Listen(ctx)
	defer stop()

	target := watcher.Target{Dirs: cfg.Server.Dirs, Files: cfg.Server.Files}
	source, err := watcher.NewSource(target, cfg.Cwd, cfg.Debounce, logger)
	if err != nil {
		return err
	}
	coordinator.TrackWatcher(source)

	if err := source.Start(ctx); err != nil {
		handler.HandleFatal(err)
		return err
	}

	spawner, err := worker.NewProcessSpawner(logger, workerArgs(cfg)...)
	if err != nil {
		handler.HandleFatal(err)
		return err
	}

	sup := supervisor.New(supervisor.Config{
		Options:      cfg.Server,
		Cwd:          cfg.Cwd,
		ReadyTimeout: cfg.ReadyTimeout,
	}, spawner, coordinator, logger)

	result, err := sup.Run(ctx, source)
	if err != nil {
		handler.HandleFatal(err)
		return err
	}
	if result.Shutdown {
		handler.HandleExit(0)
	} else {
		handler.HandleExit(result.ExitCode)
	}
	return nil
}

// workerArgs passes the console logging settings on to worker processes.
// The log file stays with the supervisor.
func workerArgs(cfg *config.Config) []string {
	return []string{
		workerCmd.Name(),
		"--log-level", cfg.Log.Level,
		"--log-format", cfg.Log.Format,
	}
}

// runServe runs the mock server in this process until a signal arrives.
func runServe(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	coordinator := shutdown.NewCoordinator()
	handler := shutdown.NewHandler(coordinator, logger)

	srv, err := bootServer(logger)(ctx, ipc.StartPayload{Options: cfg.Server, Cwd: cfg.Cwd})
	if err != nil {
		return err
	}
	coordinator.TrackServer(srv)
	if p, ok := srv.(worker.ProxyProvider); ok {
		if proxy := p.Proxy(); proxy != nil {
			coordinator.TrackProxy(proxy)
		}
	}

	stop := handler.Listen(ctx)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		handler.HandleFatal(err)
		return err
	}
	// Serve only returns cleanly once a signal started the cleanup.
	handler.HandleExit(0)
	return nil
}

// bootServer builds and binds the mock server described by a START message.
// Listening happens here so a taken port is reported before serving starts.
func bootServer(logger logging.Logger) worker.BootFunc {
	return func(ctx context.Context, start ipc.StartPayload) (worker.Server, error) {
		srv, err := server.New(ctx, start.Options, start.Cwd, logger)
		if err != nil {
			return nil, err
		}
		if _, err := srv.Start(ctx); err != nil {
			return nil, err
		}
		return srv, nil
	}
}
