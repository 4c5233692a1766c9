package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"grovebot/internal/core"
	"grovebot/plugins/dailyimage"
	"grovebot/plugins/featured"
	"grovebot/plugins/identity"
	"grovebot/plugins/imagemod"
	"grovebot/plugins/intros"
	"grovebot/plugins/naturerouter"
	"grovebot/plugins/ops"
	"grovebot/plugins/personallog"
	"grovebot/plugins/rules"
	"grovebot/plugins/winddown"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := core.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	app.Plugins().Register(
		dailyimage.New(),
		personallog.New(),
		featured.New(),
		identity.New(),
		rules.New(),
		winddown.New(),
		imagemod.New(),
		naturerouter.New(),
		intros.New(),
		ops.New(),
	)

	if err := app.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-app.Done():
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	reason := core.StopSIGTERM
	if app.Err() != nil {
		reason = core.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = app.Stop(stopCtx, reason)
	if app.Err() != nil {
		fmt.Println("fatal:", app.Err())
		os.Exit(1)
	}
}
