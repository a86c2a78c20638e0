// Copyright (C) 2025 The kvbd authors

// kvbd is a userspace NBD server exposing a block device backed by a
// log-structured key-value store whose segments live in object storage.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by the go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use the
// internal directory.
//
// - internal/device translates block device operations to key-value
// operations and owns the device size metadata.
//
// - internal/nbd implements the server side of the NBD wire protocol.
//
// - internal/store is the log-structured key-value store. Its segment
// storage backend is swappable, s3, gcs and an in-memory one for testing
// are provided.
//
// - internal/config contains the configuration package.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kvbd/kvbd/internal/config"
	"github.com/kvbd/kvbd/internal/device"
	"github.com/kvbd/kvbd/internal/nbd"
	"github.com/kvbd/kvbd/internal/store"
	"github.com/kvbd/kvbd/internal/store/objstore"
	"github.com/kvbd/kvbd/internal/store/objstore/gcs"
	"github.com/kvbd/kvbd/internal/store/objstore/memory"
	"github.com/kvbd/kvbd/internal/store/objstore/s3"
)

// Parse configuration from file and environment variables, open the store,
// attach the device and serve NBD connections until SIGINT or SIGTERM asks
// for a graceful finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	backend, err := getBackend(config.Cfg.Backend)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	st, err := store.Open(backend, store.Options{
		Uploaders:      config.Cfg.S3.Uploaders,
		Downloaders:    config.Cfg.S3.Downloaders,
		SegmentSize:    int64(config.Cfg.Write.SegmentSize),
		SkipCheckpoint: config.Cfg.SkipCheckpoint,
		CachePath:      config.Cfg.Cache.Path,
		CacheSlots:     config.Cfg.Cache.Slots,
		CacheSlotSize:  int64(config.Cfg.BlockSize),
		GCWait:         time.Duration(config.Cfg.GC.Wait) * time.Second,
		GCLiveRatio:    config.Cfg.GC.LiveData,
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	dev, err := device.Attach(st, device.Options{
		BlockSize:   uint64(config.Cfg.BlockSize),
		Size:        uint64(config.Cfg.Size),
		Name:        config.Cfg.Export,
		Description: fmt.Sprintf("kvbd device with block size %d bytes", config.Cfg.BlockSize),
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	server := nbd.NewServer(dev)
	registerSigHandlers(server)

	log.Info().Str("listen", config.Cfg.Listen).Str("export", config.Cfg.Export).Msg("Serving")

	if err := server.ListenAndServe(config.Cfg.Listen); err != nil {
		log.Error().Err(err).Send()
	}

	log.Info().Msg("Detaching device")
	if err := dev.Disconnect(); err != nil {
		log.Error().Err(err).Send()
	}
}

// Return the segment storage backend the user asked for.
func getBackend(name string) (objstore.Backend, error) {
	switch name {
	case "s3":
		return s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})

	case "gcs":
		return gcs.New(context.Background(), gcs.Options{
			Bucket: config.Cfg.GCS.Bucket,
		})

	case "memory":
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown backend %q", name)
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(server *nbd.Server) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping")
		server.Shutdown()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for performance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
