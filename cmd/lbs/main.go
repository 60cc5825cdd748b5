// Command kivaloo-lbs serves the log-structured block store (spec §4):
// an append-only block log over segment files, with concurrent GETs,
// single-writer APPEND, and advisory FREE.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Tarsnap/kivaloo-sub001/internal/config"
	"github.com/Tarsnap/kivaloo-sub001/internal/httpops"
	"github.com/Tarsnap/kivaloo-sub001/internal/lbsdispatch"
	"github.com/Tarsnap/kivaloo-sub001/internal/lbserr"
	"github.com/Tarsnap/kivaloo-sub001/internal/lbsstorage"
	"github.com/Tarsnap/kivaloo-sub001/internal/lbsworker"
	"github.com/Tarsnap/kivaloo-sub001/internal/obs"
	"github.com/Tarsnap/kivaloo-sub001/internal/obsmetrics"
	"github.com/Tarsnap/kivaloo-sub001/internal/pidfile"
	"github.com/Tarsnap/kivaloo-sub001/internal/wire"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.ParseLBSFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("kivaloo-lbs: %v", err)
	}

	logger, err := obs.NewLogger("kivaloo-lbs", cfg.Observability.LogLevel)
	if err != nil {
		log.Fatalf("kivaloo-lbs: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func run(cfg config.LBSConfig, logger *zap.Logger) error {
	storage, err := lbsstorage.Open(cfg.StorageDir, cfg.BlockLen, time.Duration(cfg.ReadLatency), cfg.NoSync)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	if pidfilePath := effectivePidFile(cfg); pidfilePath != "" {
		if err := pidfile.Write(pidfilePath); err != nil {
			return err
		}
		defer pidfile.Remove(pidfilePath) //nolint:errcheck
	}

	pool := lbsworker.New(storage, cfg.NReaders)
	metrics := obsmetrics.NewLBS()

	listener, err := listen(cfg.Socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Socket, err)
	}
	defer listener.Close()

	ready := atomic.Bool{}
	opsSrv := httpops.New(cfg.Observability.MetricsAddr, metrics.Registry(), func() error {
		if !ready.Load() {
			return errors.New("not ready")
		}
		return nil
	})
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("ops http server stopped", zap.Error(err))
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpops.Shutdown(ctx, opsSrv) //nolint:errcheck
	}()

	ready.Store(true)
	logger.Info("listening", zap.String("socket", cfg.Socket), zap.Int("block_len", cfg.BlockLen), zap.Int("readers", cfg.NReaders))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down on signal")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		metrics.ConnsOpen.Inc()
		d := lbsdispatch.New(wire.NewConn(conn), pool, cfg.BlockLen)
		runErr := d.Run()
		metrics.ConnsOpen.Dec()

		if runErr != nil {
			if errors.Is(runErr, lbserr.ErrStorageFatal) {
				return fmt.Errorf("fatal storage error: %w", runErr)
			}
			logger.Warn("connection dropped", zap.Error(runErr))
		}

		if cfg.OneShot {
			return nil
		}
	}
}

// effectivePidFile mirrors kivaloo-lbs's default of "<socket>.pid" when
// -p isn't given.
func effectivePidFile(cfg config.LBSConfig) string {
	if cfg.PidFile != "" {
		return cfg.PidFile
	}
	return cfg.Socket + ".pid"
}

// listen treats a socket address containing a "/" as a Unix domain
// socket path and anything else as a TCP "host:port" address,
// matching the filesystem-path-vs-hostname distinction kivaloo's own
// sock_resolve makes.
func listen(addr string) (net.Listener, error) {
	if strings.Contains(addr, "/") {
		os.Remove(addr) //nolint:errcheck
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}
