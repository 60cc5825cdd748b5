// Command kivaloo-dynamodb-kv serves the rate-limited DynamoDB request
// queue and KV protocol bridge (spec §4.6-§4.10): a single socket in
// front of one DynamoDB table, fronted by a write queue (PutItem,
// DeleteItem) and a read queue (GetItem), both throttled to the
// table's actual provisioned capacity as discovered by polling
// DescribeTable.
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

	"github.com/Tarsnap/kivaloo-sub001/internal/auditlog"
	"github.com/Tarsnap/kivaloo-sub001/internal/awshttp"
	"github.com/Tarsnap/kivaloo-sub001/internal/capacityreader"
	"github.com/Tarsnap/kivaloo-sub001/internal/config"
	"github.com/Tarsnap/kivaloo-sub001/internal/ddbqueue"
	"github.com/Tarsnap/kivaloo-sub001/internal/httpops"
	"github.com/Tarsnap/kivaloo-sub001/internal/kvdispatch"
	"github.com/Tarsnap/kivaloo-sub001/internal/obs"
	"github.com/Tarsnap/kivaloo-sub001/internal/obsmetrics"
	"github.com/Tarsnap/kivaloo-sub001/internal/pidfile"
	"github.com/Tarsnap/kivaloo-sub001/internal/serverpool"
	"github.com/Tarsnap/kivaloo-sub001/internal/wire"

	"go.uber.org/zap"
)

// dynamoDNSFreq and dynamoTTL govern the DNS-refreshing address pool
// backing the DynamoDB endpoint, mirroring the defaults forkdns uses
// for the dynamodb-kv daemon.
const (
	dynamoDNSFreq = 30 * time.Second
	dynamoTTL     = 5 * time.Minute

	statsPollInterval = 2 * time.Second
)

func main() {
	cfg, err := config.ParseDDBQFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("kivaloo-dynamodb-kv: %v", err)
	}

	logger, err := obs.NewLogger("kivaloo-dynamodb-kv", cfg.Observability.LogLevel)
	if err != nil {
		log.Fatalf("kivaloo-dynamodb-kv: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func run(cfg config.DDBQConfig, logger *zap.Logger) error {
	creds, err := awshttp.ReadKeyFile(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}

	if pidfilePath := effectivePidFile(cfg); pidfilePath != "" {
		if err := pidfile.Write(pidfilePath); err != nil {
			return err
		}
		defer pidfile.Remove(pidfilePath) //nolint:errcheck
	}

	host := fmt.Sprintf("dynamodb.%s.amazonaws.com", cfg.Region)
	pool := serverpool.New(host, dynamoDNSFreq, dynamoTTL)
	defer pool.Close()

	client := awshttp.New(pool, cfg.Region, creds)

	writeQueue := ddbqueue.New(client)
	defer writeQueue.Close()
	readQueue := ddbqueue.New(client)
	defer readQueue.Close()

	if cfg.LogFile != "" {
		logfile, err := auditlog.Open(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer logfile.Close() //nolint:errcheck
		writeQueue.SetLog(logfile)
		readQueue.SetLog(logfile)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelStart()
	reader, err := capacityreader.New(startCtx, client, cfg.Table, writeQueue, readQueue)
	if err != nil {
		return fmt.Errorf("reading initial table capacity: %w", err)
	}
	defer reader.Close()

	metrics := obsmetrics.NewDDBQ()
	statsDone := make(chan struct{})
	go pollStats(statsDone, writeQueue, readQueue, pool, metrics)
	defer close(statsDone)

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
	logger.Info("listening", zap.String("socket", cfg.Socket), zap.String("region", cfg.Region), zap.String("table", cfg.Table))

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

		metrics.ServerPoolSize.Set(float64(pool.Size()))
		d := kvdispatch.New(wire.NewConn(conn), writeQueue, readQueue, cfg.Table)
		if runErr := d.Run(); runErr != nil {
			logger.Warn("connection dropped", zap.Error(runErr))
		}

		if cfg.OneShot {
			return nil
		}
	}
}

// pollStats periodically copies each queue's occupancy into the
// corresponding Prometheus gauges, since ddbqueue.Queue's actor
// goroutine doesn't push metric updates itself.
func pollStats(done <-chan struct{}, writeQueue, readQueue *ddbqueue.Queue, pool *serverpool.Pool, metrics *obsmetrics.DDBQ) {
	t := time.NewTicker(statsPollInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			reportStats(metrics, "write", writeQueue.Stats())
			reportStats(metrics, "read", readQueue.Stats())
			metrics.ServerPoolSize.Set(float64(pool.Size()))
		}
	}
}

func reportStats(metrics *obsmetrics.DDBQ, label string, s ddbqueue.Stats) {
	metrics.QueueDepth.WithLabelValues(label).Set(float64(s.Depth))
	metrics.RequestsInFlight.WithLabelValues(label).Set(float64(s.InFlight))
	metrics.CapacityUnits.WithLabelValues(label).Set(s.Capacity)
}

// effectivePidFile mirrors dynamodb-kv's default of "<socket>.pid"
// when -p isn't given.
func effectivePidFile(cfg config.DDBQConfig) string {
	if cfg.PidFile != "" {
		return cfg.PidFile
	}
	return cfg.Socket + ".pid"
}

// listen treats a socket address containing a "/" as a Unix domain
// socket path and anything else as a TCP "host:port" address.
func listen(addr string) (net.Listener, error) {
	if strings.Contains(addr, "/") {
		os.Remove(addr) //nolint:errcheck
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}
