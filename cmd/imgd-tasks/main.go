// Command imgd-tasks runs the background task worker: it drains the
// durable task queue shared with the imgd web daemon, executing folder
// moves, deletions, pyramid builds and housekeeping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/imgd/imgd/daemon/blobstore"
	"github.com/imgd/imgd/daemon/cache"
	"github.com/imgd/imgd/daemon/codec"
	"github.com/imgd/imgd/daemon/config"
	"github.com/imgd/imgd/daemon/datastore"
	"github.com/imgd/imgd/daemon/icc"
	"github.com/imgd/imgd/daemon/images"
	"github.com/imgd/imgd/daemon/permissions"
	"github.com/imgd/imgd/daemon/tasks"
	"github.com/imgd/imgd/daemon/templates"
)

func newWorkerCommand() *cobra.Command {
	conf := config.New()
	var configFile, logLevel string
	cmd := &cobra.Command{
		Use:           "imgd-tasks [OPTIONS]",
		Short:         "Background task worker for imgd",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := log.SetLevel(logLevel); err != nil {
				return err
			}
			if configFile != "" {
				if err := config.Load(conf, configFile); err != nil {
					return err
				}
			}
			if err := conf.Validate(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), conf)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to the JSON configuration file")
	flags.StringVar(&logLevel, "log-level", "info", `Logging level ("debug"|"info"|"warn"|"error")`)
	flags.StringVar(&conf.TaskListenAddr, "task-listen", conf.TaskListenAddr, "Mutex address asserting one worker per host")
	flags.StringVar(&conf.TaskDBPath, "task-db", conf.TaskDBPath, "Path of the task queue database")
	flags.IntVar(&conf.TaskWorkers, "task-workers", conf.TaskWorkers, "Concurrent task executors")
	return cmd
}

func runWorker(ctx context.Context, conf *config.Config) error {
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

	registry := tasks.NewRegistry()
	taskStore, err := tasks.OpenStore(conf.TaskDBPath, registry)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	mgr, err := images.NewManager(ctx, images.Options{
		Config:      conf,
		Store:       store,
		Blobs:       blobs,
		Cache:       cacheMgr,
		Codec:       codec.NewImagingAdapter(),
		Permissions: perms,
		Templates:   tmpl,
		ICC:         icc.NewRegistry(conf.ICCDir),
		Tasks:       taskStore,
	})
	if err != nil {
		return err
	}
	mgr.RegisterTaskFunctions(registry)

	srv := tasks.NewServer(taskStore, registry, tasks.ServerConfig{
		Listen:               conf.TaskListenAddr,
		Workers:              conf.TaskWorkers,
		PollInterval:         time.Second,
		SweepInterval:        time.Minute,
		HousekeepingInterval: conf.HousekeepingInterval(),
		HousekeepingFunction: images.FuncCleanupTemp,
	})
	return srv.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newWorkerCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
