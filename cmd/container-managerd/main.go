//go:build linux && cgo

// Command container-managerd is the in-vehicle container-manager daemon
// entry point (spec section 1). It wires C1-C9 together: load
// configuration, build the runtime adapter and hotplug engine, bootstrap
// the supervisor, and hand everything to the reactor's single event loop.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agl/container-manager/internal/config"
	"github.com/agl/container-manager/internal/dispatcher"
	"github.com/agl/container-manager/internal/hotplug"
	"github.com/agl/container-manager/internal/ipc"
	"github.com/agl/container-manager/internal/logging"
	"github.com/agl/container-manager/internal/reactor"
	"github.com/agl/container-manager/internal/runtime"
	"github.com/agl/container-manager/internal/supervisor"
	"github.com/agl/container-manager/internal/sysnotify"

	_ "github.com/agl/container-manager/internal/workqueue/plugins"
)

var (
	flagConfigDir string
	flagHostFile  string
	flagLogLevel  string
)

func main() {
	root := &cobra.Command{
		Use:   "container-managerd",
		Short: "In-vehicle Linux container lifecycle manager",
		RunE:  run,
	}

	root.Flags().StringVar(&flagHostFile, "hostfile", "/etc/container-manager/host.json", "path to the host configuration file")
	root.Flags().StringVar(&flagConfigDir, "configdir", "", "override the guest config directory (defaults to the host file's configdir)")
	root.Flags().StringVar(&flagLogLevel, "loglevel", "info", "log level: trace, debug, info, warn, error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("invalid --loglevel: %w", err)
	}

	log := logging.New(level)

	loaded, err := config.Load(log, flagHostFile, flagConfigDir)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	adapter := runtime.NewAdapter()
	engine := hotplug.NewEngine(log, loaded.Fleet, adapter)

	sup := supervisor.New(log, loaded.Fleet, adapter, engine)
	sup.Bootstrap()

	handlers := sup.Handlers()
	handlers.OnIPCRequest = func(ev any) { ipc.Dispatch(sup, ev) }

	r := reactor.New(log, handlers)
	sup.BindReactor(r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hotplug.StartUeventMonitor(ctx, log, r.UeventChan()); err != nil {
		log.WithError(err).Warn("main: uevent monitor disabled")
	}

	if err := hotplug.StartLinkMonitor(ctx, log, r.LinkUpdateChan()); err != nil {
		log.WithError(err).Warn("main: link monitor disabled")
	}

	ipcServer, err := ipc.Listen(ctx, log, r.IPCChan())
	if err != nil {
		log.WithError(err).Warn("main: IPC socket disabled")
	} else {
		defer ipcServer.Close()
	}

	table := dispatcher.BuildTable(loaded.Host.Operation)
	manager := dispatcher.New(log, table)
	sup.SetDispatcher(manager)

	dispatchErr := manager.Dispatch(dispatcher.PhaseStart, func(result int) {
		r.ReportDispatchDone(int(dispatcher.PhaseStart), result)
	})
	if dispatchErr != nil {
		log.WithError(dispatchErr).Warn("main: manager start phase not dispatched")
	}

	if err := sysnotify.Ready(); err != nil {
		log.WithError(err).Debug("sysnotify ready failed (not running under systemd?)")
	}

	log.WithField("guests", len(loaded.Fleet.Guests)).Info("container-managerd: started")

	err = r.Run()

	if notifyErr := sysnotify.Stopping(); notifyErr != nil {
		log.WithError(notifyErr).Debug("sysnotify stopping failed (not running under systemd?)")
	}

	return err
}
