// Command relay forwards QUIC streams between two corelink endpoints
// without terminating the transfer protocol: a client connects, tells
// the relay which target address to reach over a control stream, and
// every subsequent stream on either side is mirrored onto the other.
// It exists to exercise multipath handover across a NAT boundary in
// integration tests, where a direct connection between peers isn't
// available.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/meshbridge/corelink/internal/observability"
	"github.com/meshbridge/corelink/internal/quicutil"
	"github.com/meshbridge/corelink/internal/ratelimit"
)

const (
	controlReadTimeout = 5 * time.Second
	streamBufferSize   = 32 * 1024
)

func main() {
	listenAddr := flag.String("listen-addr", ":4434", "QUIC address the relay listens on")
	maxConns := flag.Int("max-connections", 256, "maximum concurrent relayed connections")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:8082", "metrics HTTP server address")
	flag.Parse()

	logger := observability.NewLogger("corelink-relay", "0.1.0", os.Stdout)
	metrics := observability.NewMetrics()

	svc := &relayService{
		maxConnections: *maxConns,
		acceptRate:     ratelimit.NewTokenBucket(200, 400),
		logger:         logger,
		metrics:        metrics,
	}

	if err := svc.run(*listenAddr, *metricsAddr); err != nil {
		logger.Fatal(err, "relay service exited")
	}
}

type relayService struct {
	maxConnections int
	acceptRate     *ratelimit.TokenBucket

	activeConnections int64
	bytesForwarded    int64

	logger  *observability.Logger
	metrics *observability.Metrics
}

func (rs *relayService) run(listenAddr, metricsAddr string) error {
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("generating TLS certificate: %w", err)
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("building TLS config: %w", err)
	}

	listener, err := quic.ListenAddr(listenAddr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("starting QUIC listener: %w", err)
	}
	defer listener.Close()

	rs.logger.Info("relay listening on " + listenAddr)
	go rs.serveMetrics(metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		rs.logger.Info("shutdown signal received")
		cancel()
		listener.Close()
	}()

	for {
		if !rs.acceptRate.Allow(1) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				rs.logger.Info("relay shutting down")
				return nil
			}
			rs.logger.Error(err, "failed to accept connection")
			continue
		}

		active := atomic.LoadInt64(&rs.activeConnections)
		if active >= int64(rs.maxConnections) {
			conn.CloseWithError(1, "connection limit exceeded")
			continue
		}
		atomic.AddInt64(&rs.activeConnections, 1)
		go rs.handleConnection(ctx, conn)
	}
}

func (rs *relayService) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rs.metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		rs.logger.Error(err, "relay metrics server error")
	}
}

func (rs *relayService) handleConnection(ctx context.Context, source *quic.Conn) {
	defer func() {
		atomic.AddInt64(&rs.activeConnections, -1)
		source.CloseWithError(0, "relay closing")
	}()

	control, err := source.AcceptStream(ctx)
	if err != nil {
		rs.logger.Error(err, "failed to accept control stream")
		return
	}
	_ = control.SetReadDeadline(time.Now().Add(controlReadTimeout))

	addrBuf := make([]byte, 256)
	n, err := control.Read(addrBuf)
	if err != nil {
		rs.logger.Error(err, "failed to read relay target address")
		return
	}
	targetAddr := string(addrBuf[:n])

	target, err := quic.DialAddr(ctx, targetAddr, quicutil.MakeClientTLSConfig(true), &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		rs.logger.Error(err, "failed to reach relay target "+targetAddr)
		control.Write([]byte("TARGET_UNREACHABLE"))
		return
	}
	defer target.CloseWithError(0, "relay closing")

	_ = control.SetWriteDeadline(time.Now().Add(controlReadTimeout))
	if _, err := control.Write([]byte("OK")); err != nil {
		rs.logger.Error(err, "failed to acknowledge relay target")
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); rs.forwardStreams(ctx, source, target, "source->target") }()
	go func() { defer wg.Done(); rs.forwardStreams(ctx, target, source, "target->source") }()
	wg.Wait()
}

// forwardStreams accepts every stream source opens and mirrors it onto
// a freshly opened stream on target, copying bytes in both directions.
func (rs *relayService) forwardStreams(ctx context.Context, source, target *quic.Conn, direction string) {
	for {
		stream, err := source.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				rs.logger.Error(err, "failed to accept stream ("+direction+")")
			}
			return
		}
		go rs.forwardStream(ctx, stream, target, direction)
	}
}

func (rs *relayService) forwardStream(ctx context.Context, sourceStream *quic.Stream, target *quic.Conn, direction string) {
	defer sourceStream.Close()

	targetStream, err := target.OpenStreamSync(ctx)
	if err != nil {
		rs.logger.Error(err, "failed to open paired stream ("+direction+")")
		return
	}
	defer targetStream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.CopyBuffer(targetStream, sourceStream, make([]byte, streamBufferSize))
		if err != nil && ctx.Err() == nil {
			rs.logger.Error(err, "stream copy error ("+direction+")")
		}
		atomic.AddInt64(&rs.bytesForwarded, n)
	}()
	go func() {
		defer wg.Done()
		n, err := io.CopyBuffer(sourceStream, targetStream, make([]byte, streamBufferSize))
		if err != nil && ctx.Err() == nil {
			rs.logger.Error(err, "reverse stream copy error ("+direction+")")
		}
		atomic.AddInt64(&rs.bytesForwarded, n)
	}()
	wg.Wait()
}
