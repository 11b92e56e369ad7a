package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
)

// NATSBridge mirrors every envelope from the in-process broadcaster onto a
// NATS subject (studio.events.<type>) for external consumers. The in-process
// bus stays the source of truth; the bridge is publish-only and best-effort.
type NATSBridge struct {
	conn   *nats.Conn
	sub    *Subscriber
	cancel context.CancelFunc
	logger *logger.Logger
}

const natsSubjectPrefix = "studio.events."

// NewNATSBridge connects to NATS and starts mirroring envelopes from the
// broadcaster. Returns an error if the URL is empty or the connection fails.
func NewNATSBridge(cfg config.NATSConfig, b *Broadcaster, log *logger.Logger) (*NATSBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url not configured")
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bridge := &NATSBridge{
		conn:   conn,
		sub:    b.Subscribe(),
		cancel: cancel,
		logger: log.WithFields(zap.String("component", "nats-bridge")),
	}

	go bridge.run(ctx)

	bridge.logger.Info("NATS event mirror started", zap.String("url", cfg.URL))
	return bridge, nil
}

func (n *NATSBridge) run(ctx context.Context) {
	for {
		env, err := n.sub.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				n.logger.Warn("NATS mirror lagging", zap.Uint64("dropped", lagged.Count))
				continue
			}
			return
		}

		data, err := json.Marshal(env)
		if err != nil {
			n.logger.Error("failed to marshal envelope", zap.Error(err))
			continue
		}

		subject := natsSubjectPrefix + env.Event.EventType()
		if err := n.conn.Publish(subject, data); err != nil {
			n.logger.Warn("NATS publish failed",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}

// Close stops the mirror and drains the NATS connection.
func (n *NATSBridge) Close() {
	n.cancel()
	n.sub.Close()
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("NATS drain failed", zap.Error(err))
	}
}
