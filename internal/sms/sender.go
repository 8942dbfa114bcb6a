package sms

import (
	"context"

	"go.uber.org/zap"

	"whispr-auth/internal/util"
)

// Sender delivers verification codes over SMS. Delivery is best-effort: the
// verification flow never fails because a message could not be sent.
type Sender interface {
	Send(ctx context.Context, phoneNumber, code, purpose string) error
}

// LogSender is the development sender: it logs the code instead of delivering
// it, so flows can be exercised without an SMS gateway.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, phoneNumber, code, purpose string) error {
	s.logger.Info("SMS verification code (dev delivery)",
		util.String("phone_number", phoneNumber),
		util.String("code", code),
		util.String("purpose", purpose),
	)
	return nil
}
