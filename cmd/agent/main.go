// Command agent is a headless sync client. It joins the hub with the
// configured identity and logs every event it receives. With -pull or -push
// it copies the shared snapshot to or from a file and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/DoyleJ11/ploco-sync/internal/config"
	"github.com/DoyleJ11/ploco-sync/internal/logging"
	"github.com/DoyleJ11/ploco-sync/pkg/agent"
	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

func main() {
	pull := flag.String("pull", "", "write the shared snapshot to this file and exit")
	push := flag.String("push", "", "upload this file as the shared snapshot and exit (requires master)")
	flag.Parse()

	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New("info", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, agent.Handlers{
		OnChange: func(m types.SyncMessage) {
			log.Info("change", zap.String("type", m.MessageType), zap.String("from", m.UserID), zap.String("message_id", m.MessageID))
		},
		OnMasterStatusChanged: func(isMaster bool) {
			log.Info("role changed", zap.Bool("master", isMaster))
		},
		OnConnectionStatusChanged: func(connected bool) {
			log.Info("connection changed", zap.Bool("connected", connected))
		},
		OnUserConnected: func(u types.UserInfo) {
			log.Info("user connected", zap.String("user_id", u.UserID), zap.String("user_name", u.UserName))
		},
		OnUserDisconnected: func(ev types.UserDisconnected) {
			log.Info("user disconnected",
				zap.String("user_id", ev.UserID),
				zap.Bool("was_master", ev.WasMaster),
				zap.String("new_master_id", ev.NewMasterID))
		},
		OnMasterTransferred: func(ev types.MasterTransferred) {
			log.Info("master transferred", zap.String("new_master_id", ev.NewMasterID))
		},
		OnMasterRequested: func(ev types.MasterRequested) {
			log.Info("master requested", zap.String("requester_id", ev.RequesterID), zap.String("requester_name", ev.RequesterName))
		},
	}, log.Named("agent"))

	if err := a.Connect(ctx); err != nil {
		log.Fatal("connect", zap.Error(err))
	}
	defer func() {
		if err := a.Disconnect(); err != nil {
			log.Warn("disconnect", zap.Error(err))
		}
	}()

	switch {
	case *pull != "":
		err = pullSnapshot(ctx, a, *pull)
	case *push != "":
		err = pushSnapshot(ctx, a, *push)
	default:
		<-ctx.Done()
	}
	if err != nil {
		log.Error("snapshot transfer failed", zap.Error(err))
	}
}

func pullSnapshot(ctx context.Context, a *agent.Agent, path string) error {
	blob, err := a.GetState(ctx)
	if err != nil {
		return err
	}
	if blob == nil {
		return errors.New("hub has no snapshot")
	}
	return os.WriteFile(path, blob, 0o600)
}

func pushSnapshot(ctx context.Context, a *agent.Agent, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ok, err := a.SaveState(ctx, blob)
	if err != nil {
		return err
	}
	if !ok {
		return agent.ErrNotMaster
	}
	return nil
}
