package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/torii-labs/torii/internal/intel"
)

const (
	// DefaultSubjectPrefix prefixes every published NATS subject.
	DefaultSubjectPrefix = "torii.scans"

	defaultConnectionName     = "torii-server"
	defaultConnectTimeout     = 10 * time.Second
	defaultReconnectDelay     = 2 * time.Second
	defaultReconnectAttempts  = 5
	subjectSeparator          = "."
	errMessageConnect         = "connect to nats"
	errMessageEncodeEvent     = "encode scan event"
	errMessagePublish         = "publish scan event"
	logMessageConnecting      = "connecting to nats"
	logMessageDisconnected    = "nats disconnected"
	logMessageReconnected     = "nats reconnected"
	logMessageConnectionClose = "nats connection closed"
	logFieldURL               = "url"
)

// ScanEvent describes one finished feature scan.
type ScanEvent struct {
	Subject        string          `json:"subject"`
	Feature        intel.FeatureID `json:"feature"`
	Page           int             `json:"page"`
	RecordCount    int             `json:"recordCount"`
	SkippedRecords int             `json:"skippedRecords"`
	HighRiskCount  int             `json:"highRiskCount"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// Publisher announces finished scans to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event ScanEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*NATSPublisher)(nil)
)

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, ScanEvent) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// NATSConfig describes the NATS connection used for scan events.
type NATSConfig struct {
	URL               string
	SubjectPrefix     string
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int
}

type messageConnection interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes scan events as JSON on <prefix>.<feature>.
type NATSPublisher struct {
	connection    messageConnection
	subjectPrefix string
}

// ConnectNATS dials the NATS server and returns a publisher bound to it.
func ConnectNATS(configuration NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	connectTimeout := configuration.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	reconnectDelay := configuration.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	reconnectAttempts := configuration.ReconnectAttempts
	if reconnectAttempts == 0 {
		reconnectAttempts = defaultReconnectAttempts
	}
	url := strings.TrimSpace(configuration.URL)
	if url == "" {
		url = nats.DefaultURL
	}

	logger.Info(logMessageConnecting, zap.String(logFieldURL, url))
	options := []nats.Option{
		nats.Name(defaultConnectionName),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectDelay),
		nats.MaxReconnects(reconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn(logMessageDisconnected, zap.Error(err))
		}),
		nats.ReconnectHandler(func(connection *nats.Conn) {
			logger.Info(logMessageReconnected, zap.String(logFieldURL, connection.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info(logMessageConnectionClose)
		}),
	}
	connection, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageConnect, err)
	}
	return NewNATSPublisher(connection, configuration.SubjectPrefix), nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(connection messageConnection, subjectPrefix string) *NATSPublisher {
	trimmedPrefix := strings.Trim(strings.TrimSpace(subjectPrefix), subjectSeparator)
	if trimmedPrefix == "" {
		trimmedPrefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{connection: connection, subjectPrefix: trimmedPrefix}
}

// Subject returns the NATS subject events of the feature are published on.
func (publisher *NATSPublisher) Subject(feature intel.FeatureID) string {
	return publisher.subjectPrefix + subjectSeparator + string(feature)
}

// Publish implements Publisher.
func (publisher *NATSPublisher) Publish(ctx context.Context, event ScanEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageEncodeEvent, err)
	}
	if err := publisher.connection.Publish(publisher.Subject(event.Feature), encoded); err != nil {
		return fmt.Errorf("%s: %w", errMessagePublish, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (publisher *NATSPublisher) Close() error {
	return publisher.connection.Drain()
}
