package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/doylf/neuvero-pulse/internal/twiliosms"
)

// TwilioService implements the Service interface using Twilio SMS.
type TwilioService struct {
	client   twiliosms.Sender // real Twilio client or MockClient
	receipts chan models.Receipt
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliosms.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient turns a phone number into E.164 form
// ("+" and digits). The whatsapp: prefix is kept so Twilio routes the reply
// back over WhatsApp.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	digits, err := CanonicalIdentity(recipient)
	if err != nil {
		return "", err
	}
	canonical := "+" + digits
	if strings.HasPrefix(strings.TrimSpace(recipient), twiliosms.WhatsAppPrefix) {
		canonical = twiliosms.WhatsAppPrefix + canonical
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the receipt channel. Sends after Stop fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: recipient validation failed", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel of delivery receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *TwilioService) emitReceipt(receipt models.Receipt) {
	// Holding the read lock keeps Stop from closing the channel mid-send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

// ReceiptRecorder is where RecordReceipts persists receipts.
type ReceiptRecorder interface {
	AddReceipt(r models.Receipt) error
}

// RecordReceipts drains svc's receipt channel into rec until the channel
// closes or ctx is done.
func RecordReceipts(ctx context.Context, svc Service, rec ReceiptRecorder) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-svc.Receipts():
			if !ok {
				return
			}
			if err := rec.AddReceipt(r); err != nil {
				slog.Error("RecordReceipts: failed to persist receipt", "to", r.To, "error", err)
			}
		}
	}
}
