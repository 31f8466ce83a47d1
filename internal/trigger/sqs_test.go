package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/handler"
)

//
// Fakes
//

type fakeSQSAPI struct {
	recvCh chan *sqs.ReceiveMessageOutput

	mu      sync.Mutex
	inputs  []*sqs.ReceiveMessageInput
	deleted []string
	delErr  error
}

func newFakeSQSAPI() *fakeSQSAPI {
	return &fakeSQSAPI{recvCh: make(chan *sqs.ReceiveMessageOutput, 10)}
}

func (f *fakeSQSAPI) push(msgs ...sqstypes.Message) {
	f.recvCh <- &sqs.ReceiveMessageOutput{Messages: msgs}
}

func (f *fakeSQSAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	select {
	case out := <-f.recvCh:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSQSAPI) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return nil, f.delErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQSAPI) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchiver) Archive(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, bucket+"/"+key)
	return nil
}

func message(id, body string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

const twoObjectNotification = `{"Records":[
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"billing-exports"},"object":{"key":"incoming/a.csv","size":1}}},
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"billing-exports"},"object":{"key":"incoming/b.txt","size":2}}}
]}`

func sqsConfig() *config.SQSWatchConfig {
	return &config.SQSWatchConfig{
		QueueURL:          "https://sqs.eu-west-1.amazonaws.com/123456789012/billing-uploads",
		Bucket:            "billing-exports",
		Prefix:            "incoming/",
		WaitTimeSeconds:   20,
		MaxMessages:       10,
		VisibilityTimeout: 300,
	}
}

func startSQS(t *testing.T, st *SQSTrigger) chan Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 10)
	done := make(chan struct{})
	go func() {
		st.Start(ctx, events)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Start() did not return after cancel")
		}
	})
	return events
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSQSTrigger_DeletesAfterAllRecordsComplete(t *testing.T) {
	fake := newFakeSQSAPI()
	st := newSQSTrigger("billing", sqsConfig(), config.OnFailureAbsorb, fake, nil, nil)
	events := startSQS(t, st)

	fake.push(message("m1", twoObjectNotification))
	a := nextEvent(t, events)
	b := nextEvent(t, events)

	if a.Object.Name != "a.csv" || b.Object.Name != "b.txt" {
		t.Fatalf("objects = %q, %q, want a.csv, b.txt", a.Object.Name, b.Object.Name)
	}
	if a.Source != "sqs" || a.Watch != "billing" {
		t.Errorf("event = %+v, want sqs event for billing", a)
	}

	if err := a.Complete(context.Background(), handler.Result{Status: handler.StatusLoaded}); err != nil {
		t.Fatalf("Done() error: %v", err)
	}
	if got := fake.deletedHandles(); len(got) != 0 {
		t.Fatalf("deleted %v before every record completed", got)
	}
	if err := b.Complete(context.Background(), handler.Result{Status: handler.StatusSkipped}); err != nil {
		t.Fatalf("Done() error: %v", err)
	}
	if got := fake.deletedHandles(); len(got) != 1 || got[0] != "rh-m1" {
		t.Errorf("deleted = %v, want [rh-m1]", got)
	}
}

func TestSQSTrigger_FailurePolicy(t *testing.T) {
	tests := []struct {
		policy     string
		wantDelete bool
	}{
		{config.OnFailureAbsorb, true},
		{config.OnFailureRetry, false},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			fake := newFakeSQSAPI()
			st := newSQSTrigger("billing", sqsConfig(), tt.policy, fake, nil, nil)
			events := startSQS(t, st)

			fake.push(message("m1", twoObjectNotification))
			a := nextEvent(t, events)
			b := nextEvent(t, events)
			a.Complete(context.Background(), handler.Result{Status: handler.StatusLoadFailed, Err: errors.New("deadlock")})
			b.Complete(context.Background(), handler.Result{Status: handler.StatusLoaded})

			deleted := len(fake.deletedHandles()) == 1
			if deleted != tt.wantDelete {
				t.Errorf("deleted = %v, want %v", deleted, tt.wantDelete)
			}
		})
	}
}

func TestSQSTrigger_HandlerErrorKeepsMessageUnderAbsorb(t *testing.T) {
	fake := newFakeSQSAPI()
	st := newSQSTrigger("billing", sqsConfig(), config.OnFailureAbsorb, fake, nil, nil)
	events := startSQS(t, st)

	fake.push(message("m1", twoObjectNotification))
	a := nextEvent(t, events)
	b := nextEvent(t, events)
	a.Complete(context.Background(), handler.Result{Status: handler.StatusError, Err: handler.ErrNoConnString})
	b.Complete(context.Background(), handler.Result{Status: handler.StatusSkipped})

	if got := fake.deletedHandles(); len(got) != 0 {
		t.Errorf("deleted = %v, want message kept for redelivery", got)
	}
}

func TestSQSTrigger_DeleteErrorReturnedFromDone(t *testing.T) {
	fake := newFakeSQSAPI()
	fake.delErr = errors.New("AccessDenied")
	st := newSQSTrigger("billing", sqsConfig(), config.OnFailureAbsorb, fake, nil, nil)
	events := startSQS(t, st)

	fake.push(message("m1", twoObjectNotification))
	a := nextEvent(t, events)
	b := nextEvent(t, events)
	if err := a.Complete(context.Background(), handler.Result{Status: handler.StatusLoaded}); err != nil {
		t.Fatalf("Done() error before last record: %v", err)
	}
	err := b.Complete(context.Background(), handler.Result{Status: handler.StatusLoaded})
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("Done() error = %v, want the delete failure", err)
	}
}

func TestSQSTrigger_DropsTestAndUndecodableMessages(t *testing.T) {
	fake := newFakeSQSAPI()
	st := newSQSTrigger("billing", sqsConfig(), config.OnFailureAbsorb, fake, nil, nil)
	events := startSQS(t, st)

	fake.push(
		message("test", `{"Service":"Amazon S3","Event":"s3:TestEvent"}`),
		message("junk", `not json`),
		message("other", `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"billing-exports"},"object":{"key":"elsewhere/a.csv"}}}]}`),
	)

	deadline := time.After(2 * time.Second)
	for len(fake.deletedHandles()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("deleted = %v, want 3 messages", fake.deletedHandles())
		case <-time.After(10 * time.Millisecond):
		}
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestSQSTrigger_ArchivesLoadedObjects(t *testing.T) {
	fake := newFakeSQSAPI()
	arch := &fakeArchiver{}
	st := newSQSTrigger("billing", sqsConfig(), config.OnFailureAbsorb, fake, arch, nil)
	events := startSQS(t, st)

	fake.push(message("m1", twoObjectNotification))
	a := nextEvent(t, events)
	b := nextEvent(t, events)
	a.Complete(context.Background(), handler.Result{Status: handler.StatusLoaded})
	b.Complete(context.Background(), handler.Result{Status: handler.StatusSkipped})

	if len(arch.keys) != 1 || arch.keys[0] != "billing-exports/incoming/a.csv" {
		t.Errorf("archived = %v, want [billing-exports/incoming/a.csv]", arch.keys)
	}
}

func TestSQSTrigger_ArchiveErrorStillDeletes(t *testing.T) {
	fake := newFakeSQSAPI()
	arch := &fakeArchiver{err: errors.New("access denied")}
	cfg := sqsConfig()
	st := newSQSTrigger("billing", cfg, config.OnFailureAbsorb, fake, arch, nil)
	events := startSQS(t, st)

	fake.push(message("m1", `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"billing-exports"},"object":{"key":"incoming/a.csv"}}}]}`))
	ev := nextEvent(t, events)
	if err := ev.Complete(context.Background(), handler.Result{Status: handler.StatusLoaded}); err == nil {
		t.Error("Done() expected archive error, got nil")
	}
	if got := fake.deletedHandles(); len(got) != 1 {
		t.Errorf("deleted = %v, want the message deleted", got)
	}
}

func TestSQSTrigger_ReceiveInput(t *testing.T) {
	fake := newFakeSQSAPI()
	st := newSQSTrigger("billing", sqsConfig(), config.OnFailureAbsorb, fake, nil, nil)
	startSQS(t, st)

	deadline := time.After(2 * time.Second)
	for {
		fake.mu.Lock()
		n := len(fake.inputs)
		fake.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("ReceiveMessage never called")
		case <-time.After(10 * time.Millisecond):
		}
	}

	fake.mu.Lock()
	in := fake.inputs[0]
	fake.mu.Unlock()
	if aws.ToString(in.QueueUrl) != sqsConfig().QueueURL {
		t.Errorf("QueueUrl = %q", aws.ToString(in.QueueUrl))
	}
	if in.WaitTimeSeconds != 20 || in.MaxNumberOfMessages != 10 || in.VisibilityTimeout != 300 {
		t.Errorf("input = %+v, want wait 20, max 10, visibility 300", in)
	}
}

func TestAcknowledge(t *testing.T) {
	tests := []struct {
		status handler.Status
		policy string
		want   bool
	}{
		{handler.StatusLoaded, config.OnFailureAbsorb, true},
		{handler.StatusLoaded, config.OnFailureRetry, true},
		{handler.StatusSkipped, config.OnFailureRetry, true},
		{handler.StatusLoadFailed, config.OnFailureAbsorb, true},
		{handler.StatusLoadFailed, config.OnFailureRetry, false},
		{handler.StatusError, config.OnFailureAbsorb, false},
		{handler.StatusError, config.OnFailureRetry, false},
	}
	for _, tt := range tests {
		got := Acknowledge(handler.Result{Status: tt.status}, tt.policy)
		if got != tt.want {
			t.Errorf("Acknowledge(%s, %s) = %v, want %v", tt.status, tt.policy, got, tt.want)
		}
	}
}
