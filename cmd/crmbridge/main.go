package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatlinehq/crmbridge/config"
	"github.com/chatlinehq/crmbridge/internal/adminapi"
	"github.com/chatlinehq/crmbridge/internal/app"
	"github.com/chatlinehq/crmbridge/internal/connector"
	"github.com/chatlinehq/crmbridge/internal/webserver"
	"go.uber.org/zap"
)

var (
	BuildVersion string

	cfile    = flag.String("c", "/etc/crmbridge.yml", "config file")
	showVer  = flag.Bool("v", false, "print version and exit")
	initDb   = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	debugSql = flag.Bool("x", false, "enable sql debug")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Printf("crmbridge %s\n", BuildVersion)
		return
	}

	cfg := config.LoadConfig(*cfile)
	if *debugSql {
		cfg.Database.Debug = true
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initDb {
		application.InitDb()
		zap.S().Info("database initialized")
		return
	}

	connector.Initialize(application.DB(), cfg.Crm, application.Bus())

	webserver.Init(cfg, application.DB())
	adminapi.InitRouter()

	errc := make(chan error, 1)
	go func() {
		errc <- webserver.Listen()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			zap.S().Errorf("webserver stopped: %v", err)
		}
	case sig := <-sigc:
		zap.S().Infof("received signal %s, shutting down", sig)
		webserver.Shutdown()
	}
}
