package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"whispr-auth/internal/client"
	"whispr-auth/internal/config"
	"whispr-auth/internal/util"
)

// Security event types emitted on the audit stream.
const (
	TypeUserRegistered    = "user.registered"
	TypeUserLogin         = "user.login"
	TypeQRLogin           = "user.qr_login"
	TypeTokenRefreshed    = "token.refreshed"
	TypeDeviceRevoked     = "device.revoked"
	TypeTwoFactorEnabled  = "2fa.enabled"
	TypeTwoFactorDisabled = "2fa.disabled"
)

// SecurityEvent is the wire format published to the security-events topic.
type SecurityEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits security events after an authentication state transition
// commits. Publishing is fire-and-forget: a broker outage must never fail a
// login.
type Publisher struct {
	producer *client.KafkaProducer
	topic    string
	logger   *zap.Logger
}

func NewPublisher(producer *client.KafkaProducer, cfg *config.Config, logger *zap.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    cfg.Kafka.Topic,
		logger:   logger,
	}
}

// Publish dispatches the event asynchronously. Failures are logged only.
func (p *Publisher) Publish(event SecurityEvent) {
	if p == nil || p.producer == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload, err := json.Marshal(event)
		if err != nil {
			p.logger.Error("Failed to marshal security event",
				util.String("type", event.Type),
				util.ErrorField(err))
			return
		}

		if err := p.producer.ProduceMessage(ctx, p.topic, []byte(event.UserID), payload, map[string]string{
			"event_type": event.Type,
		}); err != nil {
			p.logger.Warn("Failed to publish security event",
				util.String("type", event.Type),
				util.String("user_id", event.UserID),
				util.ErrorField(err))
		}
	}()
}
