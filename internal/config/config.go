// Copyright (C) 2025 The kvbd authors

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/kvbd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Listen    string `toml:"listen" env:"KVBD_LISTEN" env-default:"127.0.0.1:10809" env-description:"Address the NBD server listens on."`
	Export    string `toml:"export" env:"KVBD_EXPORT" env-default:"kvbd" env-description:"NBD export name."`
	Size      int64  `toml:"size" env:"KVBD_SIZE" env-default:"10" env-description:"Device size in GB. Only ever grows, never shrinks."`
	BlockSize int    `toml:"block_size" env:"KVBD_BLOCKSIZE" env-default:"4096" env-description:"Block size. Must be a power of two."`
	Backend   string `toml:"backend" env:"KVBD_BACKEND" env-default:"s3" env-description:"Segment storage backend: s3, gcs or memory."`

	S3 struct {
		Bucket      string `toml:"bucket" env:"KVBD_S3_BUCKET" env-description:"S3 Bucket name." env-default:"kvbd"`
		Remote      string `toml:"remote" env:"KVBD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region      string `toml:"region" env:"KVBD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey   string `toml:"access_key" env:"KVBD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey   string `toml:"secret_key" env:"KVBD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders   int    `toml:"uploaders" env:"KVBD_S3_UPLOADERS" env-description:"Max number of uploader threads." env-default:"16"`
		Downloaders int    `toml:"downloaders" env:"KVBD_S3_DOWNLOADERS" env-description:"Max number of downloader threads." env-default:"16"`
	} `toml:"s3"`

	GCS struct {
		Bucket string `toml:"bucket" env:"KVBD_GCS_BUCKET" env-description:"GCS Bucket name." env-default:"kvbd"`
	} `toml:"gcs"`

	Write struct {
		SegmentSize int `toml:"segment_size" env:"KVBD_WRITE_SEGSIZE" env-description:"Target segment size in MB. Used for GC utilization accounting." env-default:"4"`
	} `toml:"write"`

	Cache struct {
		Path  string `toml:"path" env:"KVBD_CACHE_PATH" env-description:"Path of the mmaped read cache file. Empty string disables the cache." env-default:""`
		Slots int    `toml:"slots" env:"KVBD_CACHE_SLOTS" env-description:"Number of block slots in the read cache." env-default:"8192"`
	} `toml:"cache"`

	GC struct {
		LiveData float64 `toml:"live_data" env:"KVBD_GC_LIVEDATA" env-description:"Live data ratio threshold for threshold GC. Triggered by SIGUSR1." env-default:"0.3"`
		Wait     int64   `toml:"wait" env:"KVBD_GC_WAIT" env-description:"How many seconds to wait before next dead GC round." env-default:"600"`
	} `toml:"gc"`

	Log struct {
		Level  int  `toml:"level" env:"KVBD_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"KVBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	SkipCheckpoint bool `toml:"skip_checkpoint" env:"KVBD_SKIP" env-description:"Skip restoring from and creating checkpoint." env-default:"false"`
	Profiler       bool `toml:"profiler" env:"KVBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort   int  `toml:"profiler_port" env:"KVBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment variables have
// the highest priority. It is perfectly fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variables. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024
	Cfg.Write.SegmentSize *= 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("kvbd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
