// Command trngd runs a TRNG pipeline over one or more entropy devices
// and serves random words, status and metrics over HTTP.
//
// Entropy comes from character devices given with --device (repeatable)
// and/or, for bring-up on machines without noise hardware, the
// deterministic pseudo source enabled with --pseudo.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	trng "github.com/opd-ai/go-trng"
)

const (
	cfgListen      = "listen"
	cfgDevice      = "device"
	cfgPseudo      = "pseudo"
	cfgRounds      = "num-rounds"
	cfgBlocks      = "num-blocks"
	cfgBufferSlots = "buffer-slots"
	cfgHash        = "hash"
	cfgLogLevel    = "log-level"
	cfgQueueDepth  = "queue-depth"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "trngd",
		Short:   "trngd serves random words from a TRNG pipeline",
		Version: trng.CoreVersion,
		RunE:    runE,
	}

	flags := rootCmd.Flags()
	flags.String(cfgListen, ":8777", "HTTP listen address")
	flags.StringSlice(cfgDevice, nil, "entropy character device (repeatable)")
	flags.Bool(cfgPseudo, false, "enable the deterministic pseudo source (testing only)")
	flags.Int(cfgRounds, 0, "ChaCha rounds per keystream block (0 = default 24)")
	flags.Uint64(cfgBlocks, 0, "keystream blocks per seeding epoch (0 = default)")
	flags.Int(cfgBufferSlots, 0, "output buffer depth in 512-bit slots (0 = default 4)")
	flags.String(cfgHash, "sha512", "mixer hash: sha512 or blake2b")
	flags.String(cfgLogLevel, "info", "log level: trace, debug, info, warn, error")
	flags.Int(cfgQueueDepth, 64, "per-device word queue depth")

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	viper.SetEnvPrefix("TRNGD")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runE(cmd *cobra.Command, args []string) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "trngd",
		Level: hclog.LevelFromString(viper.GetString(cfgLogLevel)),
	})

	var mixerHash trng.MixerHash
	switch viper.GetString(cfgHash) {
	case "sha512":
		mixerHash = trng.HashSHA512
	case "blake2b":
		mixerHash = trng.HashBLAKE2b512
	default:
		return fmt.Errorf("trngd: unknown hash %q", viper.GetString(cfgHash))
	}

	var sources []trng.Source
	var asyncs []*trng.AsyncSource
	depth := viper.GetInt(cfgQueueDepth)

	for i, dev := range viper.GetStringSlice(cfgDevice) {
		f, err := os.Open(dev)
		if err != nil {
			return fmt.Errorf("trngd: open %s: %w", dev, err)
		}
		defer f.Close()
		src := trng.NewReaderSource("dev"+strconv.Itoa(i), f, depth)
		asyncs = append(asyncs, src)
		sources = append(sources, src)
		logger.Info("entropy device attached", "path", dev)
	}

	if viper.GetBool(cfgPseudo) {
		var seed [32]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return fmt.Errorf("trngd: pseudo seed: %w", err)
		}
		sources = append(sources, trng.NewPseudoSource("pseudo", seed))
		logger.Warn("pseudo source enabled; output is NOT suitable for production use")
	}

	registry := prometheus.NewRegistry()

	rng, err := trng.New(trng.Config{
		Sources:           sources,
		NumRounds:         viper.GetInt(cfgRounds),
		NumBlocks:         viper.GetUint64(cfgBlocks),
		BufferSlots:       viper.GetInt(cfgBufferSlots),
		Hash:              mixerHash,
		AllowPseudoSource: viper.GetBool(cfgPseudo),
		Logger:            logger.Named("trng"),
		MetricsRegisterer: registry,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/random", func(w http.ResponseWriter, r *http.Request) {
		n := 32
		if q := r.URL.Query().Get("bytes"); q != "" {
			v, err := strconv.Atoi(q)
			if err != nil || v < 1 || v > 1<<20 {
				http.Error(w, "bad bytes parameter", http.StatusBadRequest)
				return
			}
			n = v
		}
		buf := make([]byte, n)
		if _, err := rng.Read(buf); err != nil {
			logger.Error("read failed", "err", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(buf)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rng.Status())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rng.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reseed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		rng.Reseed()
		fmt.Fprintln(w, "reseed requested")
	})
	mux.HandleFunc("/discard", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		rng.Discard()
		fmt.Fprintln(w, "discard requested")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    viper.GetString(cfgListen),
		Handler: cors.Default().Handler(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	var merr *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, s := range asyncs {
		s.Stop()
	}
	if err := rng.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
