// Command imgd runs the image daemon: the HTTP surface serving
// derivative images plus the administrative API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	apiserver "github.com/imgd/imgd/api/server"
	adminrouter "github.com/imgd/imgd/api/server/router/admin"
	imagerouter "github.com/imgd/imgd/api/server/router/image"
	"github.com/imgd/imgd/daemon/admin"
	"github.com/imgd/imgd/daemon/blobstore"
	"github.com/imgd/imgd/daemon/cache"
	"github.com/imgd/imgd/daemon/codec"
	"github.com/imgd/imgd/daemon/config"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/daemon/icc"
	"github.com/imgd/imgd/daemon/images"
	"github.com/imgd/imgd/daemon/permissions"
	"github.com/imgd/imgd/daemon/stats"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/daemon/templates"
)

type options struct {
	configFile string
	logLevel   string
	conf       *config.Config
}

func newDaemonCommand() *cobra.Command {
	opts := &options{conf: config.New()}
	cmd := &cobra.Command{
		Use:           "imgd [OPTIONS]",
		Short:         "A dynamic image server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts, cmd.Flags())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "Path to the JSON configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "info", `Logging level ("debug"|"info"|"warn"|"error")`)
	flags.String("listen", opts.conf.ListenAddr, "Address the HTTP server binds to")
	flags.String("images-root", opts.conf.ImagesRoot, "Root directory of the source images")
	flags.String("templates-dir", opts.conf.TemplatesDir, "Directory holding template definitions")
	flags.String("icc-dir", opts.conf.ICCDir, "Directory holding ICC profiles")
	flags.Int64("cache-capacity", opts.conf.CacheCapacity, "Derivative cache capacity in bytes")
	flags.String("task-db", opts.conf.TaskDBPath, "Path of the task queue database (empty disables background tasks)")
	return cmd
}

// applyFlags merges set command line flags over the file configuration.
func applyFlags(conf *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("listen") {
		conf.ListenAddr, _ = flags.GetString("listen")
	}
	if flags.Changed("images-root") {
		conf.ImagesRoot, _ = flags.GetString("images-root")
	}
	if flags.Changed("templates-dir") {
		conf.TemplatesDir, _ = flags.GetString("templates-dir")
	}
	if flags.Changed("icc-dir") {
		conf.ICCDir, _ = flags.GetString("icc-dir")
	}
	if flags.Changed("cache-capacity") {
		conf.CacheCapacity, _ = flags.GetInt64("cache-capacity")
	}
	if flags.Changed("task-db") {
		conf.TaskDBPath, _ = flags.GetString("task-db")
	}
}

func runDaemon(ctx context.Context, opts *options, flags *pflag.FlagSet) error {
	if err := log.SetLevel(opts.logLevel); err != nil {
		return err
	}
	conf := opts.conf
	if opts.configFile != "" {
		if err := config.Load(conf, opts.configFile); err != nil {
			return err
		}
	}
	applyFlags(conf, flags)
	if err := conf.Validate(); err != nil {
		return err
	}

	blobs, err := blobstore.New(conf.ImagesRoot)
	if err != nil {
		return err
	}
	client, err := cache.NewMemoryClient(conf.CacheCapacity)
	if err != nil {
		return err
	}
	cacheMgr, err := cache.NewManager(client, cache.Options{
		SlotSize:         conf.CacheSlotSize,
		MaxChunks:        conf.CacheMaxChunks,
		WaitBudget:       conf.WaitBudget(),
		SearchCandidates: conf.SearchCandidates,
	})
	if err != nil {
		return err
	}
	store, err := datastore.NewMemStore()
	if err != nil {
		return err
	}
	perms, err := permissions.NewEngine(store, cacheMgr)
	if err != nil {
		return err
	}
	tmpl, err := templates.NewRegistry(conf.TemplatesDir)
	if err != nil {
		return err
	}

	sink := stats.NewSink(store)
	go sink.Run(ctx)
	defer sink.Close()

	var taskStore *tasks.Store
	var submitter images.TaskSubmitter
	registry := tasks.NewRegistry()
	if conf.TaskDBPath != "" {
		taskStore, err = tasks.OpenStore(conf.TaskDBPath, registry)
		if err != nil {
			return err
		}
		defer taskStore.Close()
		submitter = taskStore
	} else {
		log.G(ctx).Warn("no task database configured, background tasks disabled")
	}

	mgr, err := images.NewManager(ctx, images.Options{
		Config:      conf,
		Store:       store,
		Blobs:       blobs,
		Cache:       cacheMgr,
		Codec:       codec.NewImagingAdapter(),
		Permissions: perms,
		Templates:   tmpl,
		ICC:         icc.NewRegistry(conf.ICCDir),
		Stats:       sink,
		Tasks:       submitter,
	})
	if err != nil {
		return err
	}
	mgr.RegisterTaskFunctions(registry)

	adminSvc, err := admin.NewService(admin.Options{
		Config:      conf,
		Store:       store,
		Blobs:       blobs,
		Cache:       cacheMgr,
		Templates:   tmpl,
		Permissions: perms,
		Tasks:       taskStore,
	})
	if err != nil {
		return err
	}

	api := apiserver.New(nil)
	api.InitRouter(
		imagerouter.NewRouter(mgr),
		adminrouter.NewRouter(adminSvc),
	)
	mux := api.CreateMux()
	mux.Path("/metrics").Methods("GET").Handler(metrics.Handler())

	srv := &http.Server{
		Addr:              conf.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).WithField("addr", conf.ListenAddr).Info("imgd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.G(ctx).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd := newDaemonCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
