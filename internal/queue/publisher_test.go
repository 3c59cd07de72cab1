package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/billing-events"

func TestPublishRetry_SendsPayloadWithDelayAndAttempt(t *testing.T) {
	mock := &mockSQSSender{}
	p := NewEventPublisher(mock, testQueueURL, slog.Default())

	payload := []byte(`{"id":"evt_1","type":"customer.updated"}`)
	err := p.PublishRetry(context.Background(), "evt_1", payload, 2, 30*time.Second)
	if err != nil {
		t.Fatalf("PublishRetry returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SendMessage call, got %d", len(mock.calls))
	}
	in := mock.calls[0]
	if got := aws.ToString(in.QueueUrl); got != testQueueURL {
		t.Errorf("queue URL = %q, want %q", got, testQueueURL)
	}
	if got := aws.ToString(in.MessageBody); got != string(payload) {
		t.Errorf("message body = %q, want original payload", got)
	}
	if in.DelaySeconds != 30 {
		t.Errorf("DelaySeconds = %d, want 30", in.DelaySeconds)
	}
	attr, ok := in.MessageAttributes[AttemptAttribute]
	if !ok {
		t.Fatal("attempt message attribute missing")
	}
	if got := aws.ToString(attr.StringValue); got != "2" {
		t.Errorf("attempt attribute = %q, want \"2\"", got)
	}
}

func TestPublishRetry_ClampsDelayToSQSMaximum(t *testing.T) {
	mock := &mockSQSSender{}
	p := NewEventPublisher(mock, testQueueURL, slog.Default())

	err := p.PublishRetry(context.Background(), "evt_1", []byte("{}"), 1, 2*time.Hour)
	if err != nil {
		t.Fatalf("PublishRetry returned unexpected error: %v", err)
	}

	if got := mock.calls[0].DelaySeconds; got != 900 {
		t.Errorf("DelaySeconds = %d, want 900", got)
	}
}

func TestPublishRetry_NegativeDelayBecomesZero(t *testing.T) {
	mock := &mockSQSSender{}
	p := NewEventPublisher(mock, testQueueURL, slog.Default())

	err := p.PublishRetry(context.Background(), "evt_1", []byte("{}"), 1, -5*time.Second)
	if err != nil {
		t.Fatalf("PublishRetry returned unexpected error: %v", err)
	}

	if got := mock.calls[0].DelaySeconds; got != 0 {
		t.Errorf("DelaySeconds = %d, want 0", got)
	}
}

func TestPublishRetry_SendFailureIsWrapped(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	p := NewEventPublisher(mock, testQueueURL, slog.Default())

	err := p.PublishRetry(context.Background(), "evt_9", []byte("{}"), 1, time.Second)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "evt_9") {
		t.Errorf("error %q should name the event id", err)
	}
	if !errors.Is(err, mock.err) {
		t.Error("error should wrap the SQS failure")
	}
}
