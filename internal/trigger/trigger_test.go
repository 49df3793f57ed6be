package trigger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/workflows"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

const minioEvent = `{
  "EventName": "s3:ObjectCreated:Put",
  "Key": "documents/downloads/quarterly report.pdf",
  "Records": [{
    "eventVersion": "2.0",
    "eventSource": "minio:s3",
    "eventTime": "2024-05-01T09:00:00.000Z",
    "eventName": "s3:ObjectCreated:Put",
    "s3": {
      "bucket": {"name": "documents"},
      "object": {"key": "downloads%2Fquarterly+report.pdf", "size": 2048}
    }
  }]
}`

func notificationFor(bucket, name string, keys ...string) []byte {
	body := `{"Records":[`
	for i, key := range keys {
		if i > 0 {
			body += ","
		}
		body += `{"eventName":"` + name + `","s3":{"bucket":{"name":"` + bucket + `"},"object":{"key":"` + key + `"}}}`
	}
	return []byte(body + "]}")
}

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, req workflows.SubmitRequest) (*workflows.Submission, error) {
	args := m.Called(ctx, req)
	sub, _ := args.Get(0).(*workflows.Submission)
	return sub, args.Error(1)
}

func newTestConsumer(sub Submitter) *Consumer {
	return &Consumer{
		submitter: sub,
		config:    Config{Bucket: "documents", Prefix: "downloads/"},
		logger:    slog.Default(),
	}
}

func byKey(key string) interface{} {
	return mock.MatchedBy(func(req workflows.SubmitRequest) bool {
		return req.Identifier == key && req.Kind == resolver.KindFilename
	})
}

func TestParseEvent(t *testing.T) {
	events, err := ParseEvent([]byte(minioEvent))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "documents", ev.Bucket)
	assert.Equal(t, "downloads/quarterly report.pdf", ev.Key)
	assert.Equal(t, int64(2048), ev.Size)
	assert.True(t, ev.Created())
	assert.True(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).Equal(ev.EventTime))

	_, err = ParseEvent([]byte(`{"Records":[]}`))
	assert.ErrorIs(t, err, ErrNoRecords)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)

	removed, err := ParseEvent(notificationFor("documents", "s3:ObjectRemoved:Delete", "downloads/a.pdf"))
	require.NoError(t, err)
	assert.False(t, removed[0].Created())
}

func TestHandleSubmitsCreatedObjects(t *testing.T) {
	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, byKey("downloads/quarterly report.pdf")).
		Return(&workflows.Submission{RecordID: "r1", Decision: pipeline.DecisionProceed}, nil).Once()

	c := newTestConsumer(sub)
	assert.Equal(t, ack, c.handle(context.Background(), []byte(minioEvent)))
	sub.AssertExpectations(t)
}

func TestHandleFiltersEvents(t *testing.T) {
	sub := &mockSubmitter{}
	c := newTestConsumer(sub)
	ctx := context.Background()

	assert.Equal(t, ack, c.handle(ctx, notificationFor("documents", "s3:ObjectRemoved:Delete", "downloads/a.pdf")))
	assert.Equal(t, ack, c.handle(ctx, notificationFor("other", "s3:ObjectCreated:Put", "downloads/a.pdf")))
	assert.Equal(t, ack, c.handle(ctx, notificationFor("documents", "s3:ObjectCreated:Put", "processed/a.md")))
	assert.Equal(t, ack, c.handle(ctx, notificationFor("documents", "s3:ObjectCreated:Put", "downloads/folder/")))
	sub.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestHandleOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want outcome
	}{
		{"duplicate is settled", pipeline.Errorf(pipeline.KindDuplicateInFlight, "submit", "busy"), ack},
		{"missing object is settled", pipeline.Errorf(pipeline.KindNotFound, "submit", "gone"), ack},
		{"store outage is retried", pipeline.Errorf(pipeline.KindServiceUnavailable, "submit", "db down"), requeue},
		{"dispatch failure is retried", errors.New("record queued but not dispatched"), requeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &mockSubmitter{}
			sub.On("Submit", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			c := newTestConsumer(sub)
			got := c.handle(context.Background(), notificationFor("documents", "s3:ObjectCreated:Put", "downloads/a.pdf"))
			assert.Equal(t, tt.want, got)
			sub.AssertExpectations(t)
		})
	}
}

func TestHandleWarnsOnOverwriteDuringRun(t *testing.T) {
	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, byKey("downloads/a.pdf")).
		Return(&workflows.Submission{Decision: pipeline.DecisionDuplicate, WinnerID: "r1"},
			pipeline.Errorf(pipeline.KindDuplicateInFlight, "submit", "busy")).Once()

	var logs bytes.Buffer
	c := newTestConsumer(sub)
	c.logger = slog.New(slog.NewTextHandler(&logs, nil))

	got := c.handle(context.Background(), notificationFor("documents", "s3:ObjectCreated:Put", "downloads/a.pdf"))
	assert.Equal(t, ack, got)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "winner_id=r1")
	sub.AssertExpectations(t)
}

func TestHandleDropsMalformed(t *testing.T) {
	c := newTestConsumer(&mockSubmitter{})
	assert.Equal(t, drop, c.handle(context.Background(), []byte(`{"Records":`)))
	assert.Equal(t, drop, c.handle(context.Background(), notificationFor("documents", "s3:ObjectCreated:Put", "bad%zzkey")))
}
