// Command socketleyd is the daemon process of spec §9: one reactor, one
// manager, one persistence store, one control-plane socket, all owned
// by this root object for the life of the process.
package main

import (
	"context"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/HiImSmiley/socketleyd/internal/control"
	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/manager"
	"github.com/HiImSmiley/socketleyd/internal/persist"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
	"github.com/HiImSmiley/socketleyd/internal/rtproxy"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(int(xerr.ExitStatus(err)))
		return
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SOCKETLEY")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "socketleyd",
		Short: "network runtime daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("state-dir", "/var/lib/socketleyd", "directory holding persisted runtime records")
	flags.String("socket", "", "control socket path (overrides SOCKETLEY_SOCKET and the default search order)")
	flags.Int("buffer-count", reactor.DefaultOptions().BufferCount, "provided-buffer ring size")
	flags.Int("buffer-size", reactor.DefaultOptions().BufferSize, "provided-buffer size in bytes")
	flags.StringSlice("peer-dir", nil, "sibling daemon state directories to watch for @group peer discovery")

	_ = v.BindPFlag("state-dir", flags.Lookup("state-dir"))
	_ = v.BindPFlag("socket", flags.Lookup("socket"))
	_ = v.BindPFlag("buffer-count", flags.Lookup("buffer-count"))
	_ = v.BindPFlag("buffer-size", flags.Lookup("buffer-size"))
	_ = v.BindPFlag("peer-dir", flags.Lookup("peer-dir"))

	return cmd
}

func run(v *viper.Viper) error {
	stateDir := v.GetString("state-dir")

	store, err := persist.New(stateDir)
	if err != nil {
		return err
	}

	rx := reactor.New(reactor.Options{
		BufferCount: v.GetInt("buffer-count"),
		BufferSize:  v.GetInt("buffer-size"),
	})
	mgr := manager.New()

	var peers *persist.PeerWatcher
	if dirs := v.GetStringSlice("peer-dir"); len(dirs) > 0 {
		pw, err := persist.NewPeerWatcher(dirs)
		if err != nil {
			logx.New(logx.WarnLevel, "daemon: peer watcher init failed").ErrorAdd(true, err).Check(logx.WarnLevel)
		} else {
			peers = pw
		}
	}

	ctx := context.Background()

	replay(ctx, store, rx, mgr, peers)

	srv := &control.Server{
		Dispatcher: &control.Dispatcher{Manager: mgr, Reactor: rx, Store: store, Peers: peers},
		Path:       v.GetString("socket"),
	}
	if err := srv.Listen(); err != nil {
		return xerr.Wrap(xerr.CodeFatal, "daemon: control socket", err)
	}
	defer srv.Close()

	go func() {
		if err := srv.Serve(); err != nil {
			logx.New(logx.WarnLevel, "daemon: control server stopped").ErrorAdd(true, err).Check(logx.WarnLevel)
		}
	}()

	// The reactor owns signal delivery (spec §4.1/§9: "the reactor itself
	// submits ... signal operations; dispatches completions to registered
	// callbacks"). SIGHUP/SIGUSR1 are logged only for now; SIGINT/SIGTERM
	// drive the same graceful shutdown the daemon has always done, just
	// triggered through the reactor's own dispatch instead of a stdlib
	// signal.NotifyContext bypassing it.
	rx.SubmitSignal(func(c reactor.Completion) {
		switch c.Signal {
		case syscall.SIGHUP, syscall.SIGUSR1:
			logx.New(logx.InfoLevel, "daemon: signal received").
				Field("signal", c.Signal.String()).Check(logx.InfoLevel)
		default:
			logx.New(logx.InfoLevel, "daemon: shutting down").
				Field("signal", c.Signal.String()).Check(logx.InfoLevel)
			go func() {
				shutdownCtx := context.Background()
				if err := mgr.StopAll(shutdownCtx); err != nil {
					logx.New(logx.ErrorLevel, "daemon: shutdown errors").ErrorAdd(true, err).Check(logx.ErrorLevel)
				}
				rx.RequestStop()
			}()
		}
	})

	logx.New(logx.InfoLevel, "daemon: started").
		Field("state_dir", stateDir).Field("socket", srv.Path).Check(logx.InfoLevel)

	return rx.Run(ctx)
}

// replay reconstructs every persisted runtime in name order and starts
// those recorded as running (spec §4.9 "startup replay").
func replay(ctx context.Context, store *persist.Store, rx *reactor.Reactor, mgr *manager.Manager, peers *persist.PeerWatcher) {
	cfgs, err := store.LoadAll()
	if err != nil {
		logx.New(logx.ErrorLevel, "daemon: replay failed").ErrorAdd(true, err).Check(logx.ErrorLevel)
		return
	}

	for _, cfg := range cfgs {
		inst, err := control.Build(cfg, rx, mgr)
		if err != nil {
			logx.New(logx.ErrorLevel, "daemon: replay build failed").
				Field("runtime", cfg.Name).ErrorAdd(true, err).Check(logx.ErrorLevel)
			continue
		}
		if px, ok := inst.(*rtproxy.Proxy); ok && peers != nil {
			px.SetPeers(peers)
		}
		if err := mgr.Register(inst); err != nil {
			logx.New(logx.ErrorLevel, "daemon: replay register failed").
				Field("runtime", cfg.Name).ErrorAdd(true, err).Check(logx.ErrorLevel)
			continue
		}
		if !cfg.WasRunning {
			continue
		}
		if err := mgr.Start(ctx, cfg.Name); err != nil {
			logx.New(logx.ErrorLevel, "daemon: replay start failed").
				Field("runtime", cfg.Name).ErrorAdd(true, err).Check(logx.ErrorLevel)
		}
	}
}
