package module

import (
	"context"
	"net/http"
	"os"

	gconfig "github.com/gigapi/gigapi-config/config"
	"github.com/gigapi/gigapi-ingest/config"
	"github.com/gigapi/gigapi-ingest/core"
	"github.com/gigapi/gigapi-ingest/inspect"
	"github.com/gigapi/gigapi-ingest/server"
	"github.com/gigapi/gigapi-ingest/service"
	"github.com/gigapi/gigapi/v2/modules"
	"github.com/spf13/afero"
)

var (
	client *inspect.Client
	cancel context.CancelFunc
	done   chan error
)

func WithNoError(hndl func(w http.ResponseWriter, r *http.Request),
) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		hndl(w, r)
		return nil
	}
}

// Enabled reports whether a gigapi host in mode runs the ingest service.
func Enabled(mode string) bool {
	return mode == "writeonly" || mode == "aio"
}

// Init starts the ingest service inside a gigapi host and registers its
// routes. The ingest config is read from INGEST_CONFIG and INGEST_* env.
func Init(api modules.Api) {
	if !Enabled(gconfig.Config.Gigapi.Mode) {
		return
	}
	cfg, err := config.Load(os.Getenv("INGEST_CONFIG"))
	if err != nil {
		panic(err)
	}
	if root := gconfig.Config.Gigapi.Root; root != "" && os.Getenv("INGEST_DESTINATION_ROOT") == "" {
		cfg.Destination.Root = root
	}

	client = inspect.NewClient(cfg.Destination.Root)
	if err := client.Initialize(); err != nil {
		panic(err)
	}
	svc, err := service.New(cfg, service.WithQueryClient(client))
	if err != nil {
		panic(err)
	}
	srv := server.New(svc, client, afero.NewOsFs(), cfg.Destination.Root)

	api.RegisterRoute(&modules.Route{
		Path:    "/ingest/status",
		Methods: []string{"GET", "OPTIONS"},
		Handler: WithNoError(srv.HandleStatus),
	})
	api.RegisterRoute(&modules.Route{
		Path:    "/ingest/query",
		Methods: []string{"POST", "OPTIONS"},
		Handler: WithNoError(srv.HandleQuery),
	})

	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() {
		done <- svc.Run(core.WithDefaultLogger(ctx, "ingest"))
	}()
}

// Close stops discovery and waits for running batches.
func Close() {
	if cancel == nil {
		return
	}
	cancel()
	if err := <-done; err != nil {
		core.Errorf(context.Background(), "Ingest service stopped with error: %v", err)
	}
	client.Close()
}
