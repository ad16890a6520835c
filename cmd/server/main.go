package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/server"
	"github.com/linhpt111/chatc/internal/store"
	"github.com/linhpt111/chatc/internal/store/csvstore"
	"github.com/linhpt111/chatc/internal/store/sqlite"
)

func main() {
	cfg := config.LoadServerConfig()

	// One positional argument overrides the listen port.
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port <= 0 || port > 65535 {
			log.Fatalf("invalid port %q", os.Args[1])
		}
		cfg.ListenAddr = fmt.Sprintf(":%d", port)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	defer st.Close()

	app := server.NewApp(cfg, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("server shutdown: %v", err)
	}
}

func openStore(cfg config.ServerConfig) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		return sqlite.New(cfg.SQLitePath)
	default:
		return csvstore.New(cfg.DataDir)
	}
}
