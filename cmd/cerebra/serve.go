package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/cerebra/internal/api"
	"github.com/banshee-data/cerebra/internal/db"
	"github.com/banshee-data/cerebra/internal/version"
)

func handleServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath, "Path to the SQLite database")
	listen := fs.String("listen", ":8080", "Listen address")
	assetsHost := fs.String("assets-host", "", "Base URL for echarts assets in HTML reports")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	log.Print(version.String())
	return serve(ctx, *listen, newMux(store, *assetsHost))
}

// newMux combines the session API with the database debug routes under
// /debug/.
func newMux(store *db.DB, assetsHost string) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(store, assetsHost).Register(mux)
	store.AttachAdminRoutes(mux)
	return mux
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down.
func serve(ctx context.Context, addr string, mux *http.ServeMux) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
