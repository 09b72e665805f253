// Command corelinkd is the node daemon: it accepts QUIC connections,
// negotiates a session per connection through the control-message
// handshake, and runs the receive side of file transfers through the
// endpoint/transfer packages, degrading through the fallback
// supervisor when paths misbehave.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/meshbridge/corelink/internal/config"
	"github.com/meshbridge/corelink/internal/control"
	"github.com/meshbridge/corelink/internal/crypto/identity"
	"github.com/meshbridge/corelink/internal/endpoint"
	"github.com/meshbridge/corelink/internal/fallback"
	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/metrics"
	"github.com/meshbridge/corelink/internal/netpath"
	"github.com/meshbridge/corelink/internal/observability"
	"github.com/meshbridge/corelink/internal/packet"
	"github.com/meshbridge/corelink/internal/quicutil"
	"github.com/meshbridge/corelink/internal/ratelimit"
	"github.com/meshbridge/corelink/internal/session"
	"github.com/meshbridge/corelink/internal/transfer"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// maxOpenFECBlocks bounds how many FEC blocks a receiver keeps open
// (waiting on a missing shard) at once before the oldest is evicted
// and counted as a reconstruction failure.
const maxOpenFECBlocks = 8

// recoveryTick is how often the fallback supervisor is polled for a
// cooldown-based upgrade, well under its 60s cooldown so an upgrade
// fires promptly once it's due.
const recoveryTick = 5 * time.Second

// daemonState bundles every piece of shared state handleConnection and
// its helpers need, so acceptLoop doesn't grow a parameter for each
// new collaborator.
type daemonState struct {
	cfg          *config.Config
	fbSup        *fallback.Supervisor
	metrics      *observability.Metrics
	logger       *observability.Logger
	sessionStore *session.Store

	sharedPaths *netpath.Set
	nextPathID  atomic.Uint32

	fecReconstructions atomic.Int64
	fecFailures        atomic.Int64

	transfers transferRegistry
}

// transferRegistry is the live set of in-flight transfers, read by the
// metrics aggregator to build each snapshot's transfer rows.
type transferRegistry struct {
	mu   sync.Mutex
	rows map[string]func() metrics.TransferSummary
}

func (r *transferRegistry) add(id string, snapshot func() metrics.TransferSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string]func() metrics.TransferSummary)
	}
	r.rows[id] = snapshot
}

func (r *transferRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
}

func (r *transferRegistry) snapshot() []metrics.TransferSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]metrics.TransferSummary, 0, len(r.rows))
	for _, fn := range r.rows {
		out = append(out, fn())
	}
	return out
}

func main() {
	quicAddr := flag.String("quic-addr", "", "QUIC listener address (overrides config default)")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:8081", "metrics/health HTTP server address")
	configPath := flag.String("config", "", "path to a config file (currently only defaults are used)")
	authToken := flag.String("bootstrap-token", "corelink-dev-token", "auth token registered for the default read-write user at startup")
	flag.Parse()

	logger := observability.NewLogger("corelinkd", "0.1.0", os.Stdout)
	promMetrics := observability.NewMetrics()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}
	if *quicAddr != "" {
		cfg.QUICAddress = *quicAddr
	}
	logger.Info("configuration loaded")

	if err := os.MkdirAll(cfg.DataDirectory, 0o700); err != nil {
		logger.Fatal(err, "failed to create data directory")
	}

	id, err := identity.LoadOrCreate(identity.Paths{})
	if err != nil {
		logger.Fatal(err, "failed to load node identity")
	}
	logger.Info("node identity: " + id.Fingerprint())

	state := &daemonState{
		cfg:          cfg,
		metrics:      promMetrics,
		logger:       logger,
		sessionStore: session.NewStore(),
		sharedPaths:  netpath.NewSet(),
	}
	state.fbSup = fallback.New(cfg.Fallback, func(t fallback.Transition) {
		logger.FallbackTransition(t.From.String(), t.To.String(), t.Reason.String(), t.Upgrade)
		promMetrics.SetFallbackLevel(int(t.To), t.Upgrade)
	})

	state.sessionStore.RegisterToken(*authToken, "bootstrap", session.PermissionReadWrite, cfg.DefaultQuotas)
	logger.Info("bootstrap token registered for user 'bootstrap'")

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build TLS config")
	}

	listener, err := endpoint.ListenQUIC(cfg.QUICAddress, tlsConfig)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer listener.Close()
	logger.Info("QUIC listener started on " + cfg.QUICAddress)

	health := observability.NewHealthChecker("0.1.0")
	health.RegisterCheck("quic_listener", observability.QUICListenerCheck(cfg.QUICAddress, true))
	health.RegisterCheck("keystore", observability.KeystoreCheck(true))
	health.RegisterCheck("active_paths", observability.ActivePathsCheck(state.sharedPaths.ActiveCount))

	aggregator := metrics.NewAggregator(
		health,
		state.sharedPaths,
		state.fbSup,
		func() fec.Params { return fecParamsFor(cfg, state.fbSup) },
		state.transfers.snapshot,
		func() (int64, int64) { return state.fecReconstructions.Load(), state.fecFailures.Load() },
	)

	go serveMetrics(*metricsAddr, promMetrics, aggregator, health, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go recoveryLoop(ctx, state.fbSup, logger)

	acceptRate := ratelimit.NewTokenBucket(50, 100)
	go acceptLoop(ctx, listener, acceptRate, state)

	logger.Info("corelinkd running, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	cleaned := state.sessionStore.SweepExpired(time.Now(), cfg.SessionTTL)
	logger.Info(fmt.Sprintf("swept %d sessions on shutdown", len(cleaned)))
}

// recoveryLoop polls the fallback supervisor for a cooldown-elapsed
// auto-upgrade. Without this, a degraded level is sticky forever: the
// supervisor only ever steps down on Observe, never back up on its
// own.
func recoveryLoop(ctx context.Context, fbSup *fallback.Supervisor, logger *observability.Logger) {
	ticker := time.NewTicker(recoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t := fbSup.MaybeRecover(time.Now()); t != nil {
				logger.Info(fmt.Sprintf("fallback auto-recovered from %s to %s", t.From, t.To))
			}
		}
	}
}

func serveMetrics(addr string, promMetrics *observability.Metrics, aggregator *metrics.Aggregator, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promMetrics.Handler())
	mux.HandleFunc("/healthz", health.Handler())
	mux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) {
		body, err := aggregator.Build(time.Now()).JSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("metrics server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "metrics server error")
	}
}

func acceptLoop(ctx context.Context, listener *quic.Listener, rate *ratelimit.TokenBucket, state *daemonState) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !rate.Allow(1) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			state.logger.Error(err, "failed to accept QUIC connection")
			continue
		}
		state.logger.Info("connection established: " + conn.RemoteAddr().String())
		go handleConnection(ctx, conn, state)
	}
}

// readControl reads one frame off backend and decodes it as a control
// message, the pre-handshake equivalent of sendControlViaEndpoint's
// post-handshake counterpart.
func readControl(ctx context.Context, backend endpoint.Backend) (control.Type, []byte, error) {
	frame, err := backend.ReceiveFrame(ctx)
	if err != nil {
		return 0, nil, err
	}
	pkt, err := packet.Decode(frame)
	if err != nil {
		return 0, nil, fmt.Errorf("corelinkd: decode control frame: %w", err)
	}
	if pkt.Kind != packet.KindControl {
		return 0, nil, fmt.Errorf("corelinkd: expected control packet, got %s", pkt.Kind)
	}
	return control.Decode(pkt.Payload)
}

// sendControl writes one control message directly to backend, for use
// before an endpoint exists to schedule sends through.
func sendControl(ctx context.Context, backend endpoint.Backend, t control.Type, body any) error {
	payload, err := control.Encode(t, body)
	if err != nil {
		return err
	}
	pkt := packet.Packet{Version: 1, Kind: packet.KindControl, Payload: payload}
	frame, err := packet.Encode(pkt)
	if err != nil {
		return err
	}
	return backend.SendFrame(ctx, frame)
}

// sendControlViaEndpoint routes a post-handshake control message
// through the endpoint's scheduler/dispatch loop rather than writing
// to the backend directly, so it can't race with data-packet sends on
// the same path.
func sendControlViaEndpoint(ep *endpoint.Endpoint, transferID uuid.UUID, t control.Type, body any) error {
	pkt, err := control.NewPacket(transferID, t, body)
	if err != nil {
		return err
	}
	return ep.Send(pkt)
}

// fecParamsFor picks the FEC profile a new transfer should use from
// the fallback supervisor's current level alone: Reed-Solomon with the
// configured K/R when the level allows FEC, off otherwise. It does not
// look at chunk size; handleConnection turns FEC off itself when a
// chunk does not fit in one packet (FEC blocking and sub-chunk
// fragmentation don't compose).
func fecParamsFor(cfg *config.Config, fbSup *fallback.Supervisor) fec.Params {
	if !fbSup.Features().FEC {
		return fec.Params{Profile: fec.ProfileNone, K: cfg.FEC.DefaultK, R: 0}
	}
	return fec.Params{Profile: fec.ProfileReedSolomon, K: cfg.FEC.DefaultK, R: cfg.FEC.DefaultR}
}

func handleConnection(ctx context.Context, conn *quic.Conn, state *daemonState) {
	cfg := state.cfg
	logger := state.logger

	backend, err := endpoint.AcceptQUICBackend(ctx, conn)
	if err != nil {
		logger.Error(err, "failed to accept data stream")
		return
	}

	connType, connBody, err := readControl(ctx, backend)
	if err != nil {
		logger.Error(err, "failed to read connect request")
		backend.Close()
		return
	}
	if connType != control.TypeConnectRequest {
		logger.Error(fmt.Errorf("unexpected control type %s", connType), "expected ConnectRequest")
		backend.Close()
		return
	}
	var connReq control.ConnectRequest
	if err := control.UnmarshalBody(connBody, &connReq); err != nil {
		logger.Error(err, "failed to parse connect request")
		backend.Close()
		return
	}

	user, err := state.sessionStore.Authenticate(connReq.Token)
	if err != nil {
		sendControl(ctx, backend, control.TypeConnectRejected, control.ConnectRejected{Reason: err.Error()})
		backend.Close()
		return
	}

	serverCaps := session.Capabilities{
		Multipath:   state.fbSup.Features().Multipath,
		FEC:         state.fbSup.Features().FEC,
		Compression: state.fbSup.Features().Compression,
		MaxVersion:  1,
	}
	sess := state.sessionStore.Open(user, connReq.Capabilities, serverCaps, time.Now())
	if err := sendControl(ctx, backend, control.TypeConnectAccepted, control.ConnectAccepted{
		SessionID:    sess.ID.String(),
		Capabilities: sess.ServerCaps,
	}); err != nil {
		logger.Error(err, "failed to send connect accepted")
		backend.Close()
		return
	}

	startType, startBody, err := readControl(ctx, backend)
	if err != nil {
		logger.Error(err, "failed to read start-transfer request")
		backend.Close()
		return
	}
	if startType != control.TypeStartTransfer {
		logger.Error(fmt.Errorf("unexpected control type %s", startType), "expected StartTransfer")
		backend.Close()
		return
	}
	var start control.StartTransfer
	if err := control.UnmarshalBody(startBody, &start); err != nil {
		logger.Error(err, "failed to parse start-transfer request")
		backend.Close()
		return
	}
	manifest := start.Manifest

	if err := user.CheckTransferStart(manifest.FileSize, true); err != nil {
		sendControl(ctx, backend, control.TypeTransferRejected, control.TransferRejected{
			TransferID: manifest.TransferID.String(),
			Reason:     err.Error(),
		})
		backend.Close()
		return
	}
	stored := false
	defer func() { user.Release(manifest.FileSize, stored) }()

	sess.TrackTransfer(manifest.TransferID)
	defer sess.UntrackTransfer(manifest.TransferID)
	sess.Touch(time.Now())

	if err := sendControl(ctx, backend, control.TypeTransferAccepted, control.TransferAccepted{
		TransferID: manifest.TransferID.String(),
	}); err != nil {
		logger.Error(err, "failed to send transfer accepted")
		backend.Close()
		return
	}

	transferLog := logger.WithTransfer(manifest.TransferID.String())
	transferLog.Info("manifest received")
	state.metrics.RecordTransferStart()

	ep := endpoint.NewWithPaths(cfg.Scheduler, cfg.Handover, state.fbSup, state.sharedPaths)
	pathID := uint16(state.nextPathID.Add(1))
	if err := ep.OpenPath(pathID, netpath.KindOther, backend); err != nil {
		transferLog.Error(err, "failed to open path")
		ep.Close()
		return
	}
	defer ep.Close()

	recordsPath := filepath.Join(cfg.DataDirectory, manifest.TransferID.String()+".records.db")
	records, err := transfer.OpenRecordStore(recordsPath)
	if err != nil {
		transferLog.Error(err, "failed to open record store")
		return
	}
	defer records.Close()
	defer os.Remove(recordsPath)

	fecParams := fecParamsFor(cfg, state.fbSup)
	if manifest.ChunkSize > packet.MaxPayloadSize {
		fecParams = fec.Params{Profile: fec.ProfileNone, K: fecParams.K, R: 0}
	}

	xfer := transfer.NewTransfer(&manifest, manifest.FileName, packet.PriorityNormal, fecParams.Profile, transfer.DefaultRetryPolicy(), sess.ID.String())

	tempPath := filepath.Join(cfg.DataDirectory, manifest.TransferID.String()+".part")
	finalPath := filepath.Join(cfg.DataDirectory, manifest.FileName)

	receiver, err := transfer.NewReceiver(&manifest, xfer, ep, tempPath, finalPath, records, transferLog)
	if err != nil {
		transferLog.Error(err, "failed to initialize receiver")
		return
	}
	if fecParams.Profile != fec.ProfileNone {
		receiver.SetFEC(fecParams, maxOpenFECBlocks, &state.fecReconstructions, &state.fecFailures)
		state.metrics.SetFECProfile(fecParams.Profile.String(), []string{fec.ProfileNone.String(), fec.ProfileXOR.String(), fec.ProfileReedSolomon.String()})
	}

	registryKey := manifest.TransferID.String()
	state.transfers.add(registryKey, func() metrics.TransferSummary {
		return transferSummary(xfer, manifest, "pull")
	})
	defer state.transfers.remove(registryKey)

	transferErr := runReceiveLoop(ctx, ep, xfer, receiver, records, manifest, state, transferLog)

	success := xfer.Status() == transfer.StatusCompleted
	state.metrics.RecordTransferComplete(success, time.Since(xfer.StartedAt).Seconds())
	if success {
		stored = true
		transferLog.TransferCompleted(manifest.TransferID.String(), manifest.FileSize, time.Since(xfer.StartedAt), true)
		sendControlViaEndpoint(ep, manifest.TransferID, control.TypeTransferComplete, control.TransferComplete{
			TransferID: manifest.TransferID.String(),
			BytesTotal: manifest.FileSize,
		})
		return
	}

	reason := xfer.ErrorMessage()
	if transferErr != nil && reason == "" {
		reason = transferErr.Error()
	}
	sendControlViaEndpoint(ep, manifest.TransferID, control.TypeTransferError, control.TransferError{
		TransferID: manifest.TransferID.String(),
		Code:       "transfer_failed",
		Message:    reason,
	})
}

// runReceiveLoop drives the server side of one transfer: data/parity
// packets go to the receiver, control packets get the handful of
// in-transfer verbs (resumable chunk queries, cancellation) corelinkd
// supports.
func runReceiveLoop(
	ctx context.Context,
	ep *endpoint.Endpoint,
	xfer *transfer.Transfer,
	receiver *transfer.Receiver,
	records *transfer.RecordStore,
	manifest transfer.Manifest,
	state *daemonState,
	transferLog *observability.Logger,
) error {
	for xfer.Status() == transfer.StatusInProgress {
		pkt, err := ep.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			transferLog.Error(err, "receive failed")
			return err
		}

		switch pkt.Kind {
		case packet.KindData, packet.KindParity:
			if err := receiver.OnData(ctx, pkt); err != nil {
				transferLog.Error(err, "chunk rejected")
				state.metrics.RecordChunkRetransmit("chunk_rejected")
				continue
			}
			if pkt.Kind == packet.KindData {
				state.metrics.RecordChunkReceived(len(pkt.Payload))
			}

		case packet.KindControl:
			if err := handleControlMessage(ep, pkt, records, manifest, xfer, transferLog); err != nil {
				transferLog.Error(err, "failed to handle control message")
			}

		default:
			// Acks arrive on the sender's side of a transfer, not here.
		}
	}
	return nil
}

func handleControlMessage(ep *endpoint.Endpoint, pkt packet.Packet, records *transfer.RecordStore, manifest transfer.Manifest, xfer *transfer.Transfer, transferLog *observability.Logger) error {
	t, body, err := control.Decode(pkt.Payload)
	if err != nil {
		return err
	}
	switch t {
	case control.TypeQueryChunks:
		var q control.QueryChunks
		if err := control.UnmarshalBody(body, &q); err != nil {
			return err
		}
		indices, err := records.ReceivedIndices(manifest.TransferID.String())
		if err != nil {
			return err
		}
		total := len(manifest.Chunks)
		bitset := packChunkBitset(total, indices)
		return sendControlViaEndpoint(ep, manifest.TransferID, control.TypeChunksBitset, control.ChunksBitset{
			TransferID: manifest.TransferID.String(),
			Total:      total,
			Bitset:     bitset,
		})

	case control.TypeCancelTransfer:
		var c control.CancelTransfer
		if err := control.UnmarshalBody(body, &c); err != nil {
			return err
		}
		transferLog.Info("transfer cancelled by peer: " + c.Reason)
		xfer.Fail("cancelled by peer: " + c.Reason)
		return nil

	default:
		// Pause/Resume are decode-only for now: nothing upstream yet
		// suspends a receive loop mid-transfer.
		return nil
	}
}

// packChunkBitset packs a list of received chunk indices into a
// one-bit-per-chunk slice, most-significant bit first within each
// byte. Indices outside [0, total) are ignored.
func packChunkBitset(total int, indices []int) []byte {
	out := make([]byte, (total+7)/8)
	for _, idx := range indices {
		if idx < 0 || idx >= total {
			continue
		}
		out[idx/8] |= 1 << uint(7-idx%8)
	}
	return out
}

func transferSummary(xfer *transfer.Transfer, manifest transfer.Manifest, direction string) metrics.TransferSummary {
	row := metrics.TransferSummary{
		TransferID:       xfer.ID.String(),
		Direction:        direction,
		State:            xfer.Status().String(),
		FileName:         manifest.FileName,
		FileSize:         manifest.FileSize,
		BytesTransferred: xfer.BytesTransferred,
		ErrorMessage:     xfer.ErrorMessage(),
	}
	if xfer.ChunksTotal > 0 {
		pct := float64(xfer.ChunksAcked.Count()) / float64(xfer.ChunksTotal) * 100
		row.ProgressPercent = &pct
	}
	return row
}
