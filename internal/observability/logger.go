// Package observability wraps zerolog structured logging, Prometheus
// metrics, a health snapshot, and OpenTelemetry/Jaeger tracing behind
// thin helpers shaped for this repo's domain events (paths, handover,
// fallback, transfers) rather than generic log lines.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with domain-specific `With*` context helpers
// and named event methods, mirroring the structure the rest of the
// pack uses for transfer lifecycle logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a structured logger tagged with service/version/
// host, writing to output (os.Stdout if nil).
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", hostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithSession adds session_id context.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{logger: l.logger.With().Str("session_id", sessionID).Logger()}
}

// WithTransfer adds transfer_id context.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{logger: l.logger.With().Str("transfer_id", transferID).Logger()}
}

// WithPath adds path_id context.
func (l *Logger) WithPath(pathID uint16) *Logger {
	return &Logger{logger: l.logger.With().Uint16("path_id", pathID).Logger()}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs at info level.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs at error level with the causing error attached.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// Fatal logs at fatal level and exits the process.
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// TransferOpened logs a transfer's creation.
func (l *Logger) TransferOpened(transferID, filePath string, fileSize int64, totalChunks int) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Str("file_path", filePath).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Msg("transfer opened")
}

// TransferProgress logs a progress snapshot.
func (l *Logger) TransferProgress(transferID string, chunksAcked, totalChunks int, bytesTransferred int64, elapsed time.Duration) {
	progress := float64(chunksAcked) / float64(totalChunks) * 100.0
	l.logger.Info().
		Str("transfer_id", transferID).
		Int("chunks_acked", chunksAcked).
		Int("total_chunks", totalChunks).
		Float64("progress_percent", progress).
		Int64("bytes_transferred", bytesTransferred).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("transfer progress")
}

// TransferCompleted logs a successful completion, including whether
// the Merkle root matched.
func (l *Logger) TransferCompleted(transferID string, fileSize int64, duration time.Duration, merkleVerified bool) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Int64("file_size", fileSize).
		Float64("duration_seconds", duration.Seconds()).
		Bool("merkle_verified", merkleVerified).
		Msg("transfer completed")
}

// ChunkAuthFailed logs a chunk that failed its AEAD or digest check.
func (l *Logger) ChunkAuthFailed(transferID string, chunkIndex uint64, reason string, cause error) {
	l.logger.Error().
		Str("transfer_id", transferID).
		Uint64("chunk_index", chunkIndex).
		Str("reason", reason).
		Err(cause).
		Msg("chunk authentication failed")
}

// HandoverMigration logs a completed or failed path migration.
func (l *Logger) HandoverMigration(transferID string, fromPath, toPath uint16, reason string, failed bool) {
	ev := l.logger.Info()
	if failed {
		ev = l.logger.Warn()
	}
	ev.
		Str("transfer_id", transferID).
		Uint16("from_path", fromPath).
		Uint16("to_path", toPath).
		Str("reason", reason).
		Bool("failed", failed).
		Msg("handover migration")
}

// FallbackTransition logs a fallback-level change.
func (l *Logger) FallbackTransition(from, to string, reason string, upgrade bool) {
	l.logger.Warn().
		Str("from_level", from).
		Str("to_level", to).
		Str("reason", reason).
		Bool("upgrade", upgrade).
		Msg("fallback level transition")
}

// PathStatusChanged logs a path lifecycle transition.
func (l *Logger) PathStatusChanged(pathID uint16, from, to string) {
	l.logger.Info().
		Uint16("path_id", pathID).
		Str("from_status", from).
		Str("to_status", to).
		Msg("path status changed")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
