package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "offline-cache",
		Usage:   "Offline-first cache for web applications",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "origin", Usage: "Origin URL to proxy to (overrides addr and host)"},
			&cli.StringFlag{Name: "addr", Usage: "Origin IP address to proxy to"},
			&cli.StringFlag{Name: "host", Usage: "Hostname of origin"},
			&cli.StringFlag{Name: "db", Usage: "Cache DB file name (use 'memory' for in-memory db)"},
			&cli.StringFlag{Name: "manifest", Aliases: []string{"m"}, Usage: "Resource manifest file (JSON or YAML)"},
			&cli.StringFlag{Name: "service-worker", Usage: "Generated service worker script to read the manifest from"},
			&cli.StringFlag{Name: "log-file", Usage: "Log file to use (in addition to stdout)"},
			&cli.BoolFlag{Name: "vv", Usage: "Verbosity: trace logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the application through the cache",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port to listen on"},
					&cli.BoolFlag{Name: "defer-activation", Usage: "Keep new versions waiting until a skipWaiting message"},
				},
				Action: serve,
			},
			{
				Name:   "sync",
				Usage:  "Install the manifest and download all resources, then exit",
				Action: syncAll,
			},
			{
				Name:   "inspect",
				Usage:  "List cache partitions and entries",
				Action: inspect,
			},
		},
	}
}

// setup reads the configuration and configures the global logger.
func setup(cmd *cli.Command) (Config, error) {
	config, err := getConfig(cmd.String("config"))
	if err != nil {
		return config, err
	}
	if err := applyFlags(&config, cmd); err != nil {
		return config, err
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if cmd.Bool("vv") {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return config, fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()
	return config, nil
}

// applyFlags overrides the configuration with flags set on the command line.
func applyFlags(config *Config, cmd *cli.Command) error {
	stringFlags := map[string]*string{
		"origin":         &config.Origin,
		"addr":           &config.Addr,
		"host":           &config.Host,
		"db":             &config.DB,
		"manifest":       &config.Manifest,
		"service-worker": &config.ServiceWorker,
		"log-file":       &config.LogFile,
	}
	for name, value := range stringFlags {
		if cmd.IsSet(name) {
			*value = cmd.String(name)
		}
	}
	if cmd.IsSet("port") {
		if _, err := fmt.Sscanf(cmd.String("port"), "%d", &config.Port); err != nil {
			return fmt.Errorf("invalid port %q: %w", cmd.String("port"), err)
		}
	}
	if cmd.IsSet("defer-activation") {
		config.DeferActivation = cmd.Bool("defer-activation")
	}
	return nil
}

func createHost(config Config) (*offlinecache.Host, cache.Store, error) {
	originURL, originHost, err := config.originURL()
	if err != nil {
		return nil, nil, err
	}
	store, err := cache.NewSQLiteStore(config.dbFilename())
	if err != nil {
		return nil, nil, err
	}
	host := offlinecache.CreateHost(offlinecache.Config{
		Store:           store,
		OriginURL:       originURL,
		OriginHost:      originHost,
		PartitionPrefix: config.PartitionPrefix,
		DeferActivation: config.DeferActivation,
		SyncConcurrency: config.SyncConcurrency,
		RetryInterval:   config.RetryInterval,
	})
	return host, store, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	config, err := setup(cmd)
	if err != nil {
		return err
	}
	m, shell, err := config.loadManifest()
	if err != nil {
		return err
	}
	host, store, err := createHost(config)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if _, err := host.Run(ctx, m, shell); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Could not register manifest")
		}
	}()
	go reloadOnHangup(ctx, host, config)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: host.Router(),
	}
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		server.Shutdown(context.Background())
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, config.Origin+config.Addr, config.Host)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	host.Wait()
	return nil
}

// reloadOnHangup registers a new manifest version whenever SIGHUP is received.
func reloadOnHangup(ctx context.Context, host *offlinecache.Host, config Config) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			m, shell, err := config.loadManifest()
			if err != nil {
				log.Error().Err(err).Msg("Could not reload manifest")
				continue
			}
			log.Info().Str("manifest", m.Version()).Msg("Reloading manifest")
			if _, err := host.Run(ctx, m, shell); err != nil {
				log.Error().Err(err).Msg("Could not register manifest")
			}
		}
	}
}

func syncAll(ctx context.Context, cmd *cli.Command) error {
	config, err := setup(cmd)
	if err != nil {
		return err
	}
	m, shell, err := config.loadManifest()
	if err != nil {
		return err
	}
	host, store, err := createHost(config)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := host.Register(ctx, m, shell); err != nil {
		return err
	}
	if err := host.Message(ctx, offlinecache.MessageDownloadOffline); err != nil {
		return err
	}
	host.Wait()
	status, err := host.Status(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("cached", status.Cached).Int("resources", m.Len()).Msg("Sync complete")
	return nil
}

func inspect(ctx context.Context, cmd *cli.Command) error {
	config, err := setup(cmd)
	if err != nil {
		return err
	}
	store, err := cache.NewSQLiteStore(config.dbFilename())
	if err != nil {
		return err
	}
	defer store.Close()
	w := cmd.Root().Writer
	if w == nil {
		w = os.Stdout
	}
	return printPartitions(ctx, w, store)
}

// printPartitions writes every partition with its entries and their sizes.
func printPartitions(ctx context.Context, w io.Writer, store cache.Store) error {
	names, err := store.Partitions(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		p, err := store.Open(ctx, name)
		if err != nil {
			return err
		}
		entries, err := cache.Entries(ctx, p)
		if err != nil {
			return err
		}
		var total uint64
		for _, e := range entries {
			total += uint64(e.Size)
		}
		fmt.Fprintf(tw, "%s\t%d entries\t%s\n", name, len(entries), humanize.Bytes(total))
		for _, e := range entries {
			fmt.Fprintf(tw, "  %s\t\t%s\n", e.Key, humanize.Bytes(uint64(e.Size)))
		}
	}
	return tw.Flush()
}
