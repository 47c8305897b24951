package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Leopold1975/banners_resolver/internal/banners/app"
	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
)

func main() {
	var configPath string

	flag.StringVar(&configPath, "config", "./configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.New(configPath)
	if err != nil {
		log.Fatal(err)
	}

	interruptSignals := []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

	ctx, cancel := signal.NotifyContext(context.Background(), interruptSignals...)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Println(err)

		return
	}

	if err := a.Run(ctx); err != nil {
		log.Println(err)
	}
}
