package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/doylf/neuvero-pulse/internal/twiliosms"
)

func TestCanonicalIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+15555551234", "15555551234", false},
		{"+1 (555) 555-1234", "15555551234", false},
		{"whatsapp:+15555551234", "15555551234", false},
		{"", "", true},
		{"abc", "", true},
		{"+123", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalIdentity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalIdentity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalIdentity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTwilioServiceCanonicalizesRecipient(t *testing.T) {
	svc := NewTwilioService(twiliosms.NewMockClient())
	tests := map[string]string{
		"15555551234":           "+15555551234",
		"+1 555 555 1234":       "+15555551234",
		"whatsapp:+15555551234": "whatsapp:+15555551234",
	}
	for in, want := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(in)
		if err != nil {
			t.Fatalf("ValidateAndCanonicalizeRecipient(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTwilioServiceSendEmitsReceipts(t *testing.T) {
	mock := twiliosms.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "15555551234", "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+15555551234" {
		t.Fatalf("sent = %+v", sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusSent || r.To != "+15555551234" {
			t.Errorf("receipt = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipt emitted")
	}

	mock.Err = errors.New("twilio down")
	if err := svc.SendMessage(context.Background(), "15555551234", "again"); err == nil {
		t.Fatal("expected send error")
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusFailed {
		t.Errorf("receipt status = %s, want failed", r.Status)
	}
}

func TestTwilioServiceStop(t *testing.T) {
	svc := NewTwilioService(twiliosms.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := svc.SendMessage(context.Background(), "15555551234", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendMessage after Stop = %v, want ErrServiceStopped", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("receipts channel should be closed")
	}
}

type receiptSink struct {
	mu  sync.Mutex
	got []models.Receipt
}

func (r *receiptSink) AddReceipt(rc models.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, rc)
	return nil
}

func TestRecordReceipts(t *testing.T) {
	svc := NewTwilioService(twiliosms.NewMockClient())
	sink := &receiptSink{}
	done := make(chan struct{})
	go func() {
		RecordReceipts(context.Background(), svc, sink)
		close(done)
	}()

	_ = svc.SendMessage(context.Background(), "15555551234", "one")
	_ = svc.SendMessage(context.Background(), "15555559999", "two")
	_ = svc.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordReceipts did not return after Stop")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 2 {
		t.Errorf("recorded %d receipts, want 2", len(sink.got))
	}
}
