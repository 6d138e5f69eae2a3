// Package messaging delivers outbound text through a pluggable channel and
// derives stable identities from channel addresses.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for the receipt channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted phone number.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var nonDigits = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns the
	// address form the channel sends to.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of delivery receipts.
	Receipts() <-chan models.Receipt
}

// CanonicalIdentity reduces a channel address ("+1 (555) 555-1234",
// "whatsapp:+15555551234") to its digits. The result keys sessions.
func CanonicalIdentity(address string) (string, error) {
	if strings.TrimSpace(address) == "" {
		return "", fmt.Errorf("address cannot be empty")
	}
	digits := nonDigits.ReplaceAllString(address, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", address)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, MinPhoneDigits)
	}
	return digits, nil
}
