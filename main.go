package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/adminapi"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/assist"
	"github.com/talkincode/toughgate/internal/credits"
	"github.com/talkincode/toughgate/internal/eventbridge"
	"github.com/talkincode/toughgate/internal/moderation"
	"github.com/talkincode/toughgate/internal/notify"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/internal/sessiond"
	"github.com/talkincode/toughgate/internal/transport"
	"github.com/talkincode/toughgate/internal/webhook"
	"github.com/talkincode/toughgate/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	h        bool
	showVer  bool
	initdb   bool
	conffile string
)

func init() {
	flag.BoolVar(&h, "h", false, "help usage")
	flag.BoolVar(&showVer, "v", false, "show version")
	flag.BoolVar(&initdb, "initdb", false, "drop and recreate the database schema")
	flag.StringVar(&conffile, "c", "/etc/toughgate.yml", "config file path")
}

func main() {
	flag.Parse()
	if h {
		flag.Usage()
		return
	}
	if showVer {
		fmt.Println("toughgate", config.Version)
		return
	}

	cfg := config.LoadConfig(conffile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	adapter, err := transport.NewWhatsmeow(application)
	if err != nil {
		zap.L().Fatal("transport init failed", zap.Error(err))
	}

	pipe := pipeline.New(adapter)
	recorder := activity.NewRecorder(application, pipe)
	sessions := sessiond.NewManager(application, adapter, pipe, recorder)

	policies := moderation.NewStore(application)
	moderation.NewEngine(application, policies, adapter, pipe, recorder)

	ledger := credits.NewLedger(application)
	responder, err := assist.NewResponder(application, assist.NewHTTPProvider(cfg.AI), ledger, policies, pipe, recorder)
	if err != nil {
		zap.L().Fatal("assist responder init failed", zap.Error(err))
	}

	whStore := webhook.NewStore(application)
	dispatcher, err := webhook.NewDispatcher(application, whStore, pipe, recorder)
	if err != nil {
		zap.L().Fatal("webhook dispatcher init failed", zap.Error(err))
	}

	notifier := notify.NewNotifier(application, cfg.Smtp)
	application.SetLowCreditNotifier(notifier.LowCredit)

	var bridge *eventbridge.Bridge
	if cfg.Amqp.Enabled {
		bridge = eventbridge.New(cfg.Amqp, pipe)
	}

	ws := webserver.Init(&webserver.Deps{
		App:      application,
		Sessions: sessions,
		Pipe:     pipe,
		Policies: policies,
		Webhooks: whStore,
		Ledger:   ledger,
		Recorder: recorder,
	})
	adminapi.InitRouter()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.StartBackgroundJobs(ctx)
	if err := sessions.Start(ctx); err != nil {
		zap.L().Fatal("session manager start failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(ws.Listen)
	g.Go(func() error {
		<-ctx.Done()
		sessions.Stop()
		pipe.Close()
		responder.Close()
		dispatcher.Close()
		if bridge != nil {
			bridge.Close()
		}
		return ws.Close()
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("shutdown", zap.Error(err))
	}
}
