package security

import (
	"net"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ClientInfo identifies the remote party of a request for event
// logging and counter keying.
type ClientInfo struct {
	IP        string
	UserAgent string
	Method    string
	Referer   string
	Host      string
}

// ClientFromRequest extracts client identity from an inbound request.
// Proxy headers are deliberately not consulted; the listener address is
// the stable identity the counters key on.
func ClientFromRequest(r *http.Request) ClientInfo {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return ClientInfo{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Referer:   r.Referer(),
		Host:      r.Host,
	}
}

// EventLogConfig configures the security event sink.
type EventLogConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// EventLog is the append-only sink for security-relevant occurrences.
// Each Record call emits one immutable JSON line; lumberjack serializes
// appends, so concurrent writers cannot interleave partial lines.
type EventLog struct {
	logger *zap.Logger
}

// NewEventLog opens (or creates) the event log at cfg.Path.
func NewEventLog(cfg EventLogConfig) *EventLog {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "event",
		LevelKey:      zapcore.OmitKey,
		NameKey:       zapcore.OmitKey,
		CallerKey:     zapcore.OmitKey,
		StacktraceKey: zapcore.OmitKey,
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
	}

	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), writer, zapcore.InfoLevel)
	return &EventLog{logger: zap.New(core)}
}

// NewNopEventLog returns a sink that discards everything. Used in tests.
func NewNopEventLog() *EventLog {
	return &EventLog{logger: zap.NewNop()}
}

// Record appends one event line. details may be nil.
func (e *EventLog) Record(event string, client ClientInfo, details map[string]any) {
	e.logger.Info(event,
		zap.String("ip", client.IP),
		zap.String("user_agent", client.UserAgent),
		zap.Any("details", details),
	)
}

// Sync flushes buffered output.
func (e *EventLog) Sync() error {
	return e.logger.Sync()
}
