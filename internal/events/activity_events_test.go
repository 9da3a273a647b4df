package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	key   string
	event *ActivityEvent
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeProducer) PublishJSON(_ context.Context, topic, key string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, key: key, event: data.(*ActivityEvent)})
	return f.err
}

var topics = Topics{Activity: "activities.events", Sequence: "sequences.events"}

func TestPublisher_RoutesByFamily(t *testing.T) {
	producer := &fakeProducer{}
	p := NewPublisher(producer, topics, nil)

	p.Publish(context.Background(), &ActivityEvent{Type: EventActivityLogged, ActivityID: "a1", UserID: "u1"})
	p.Publish(context.Background(), &ActivityEvent{Type: EventSequenceRunCompleted, ActivityID: "a1", RunID: "s1:a1:activity_logged"})
	p.Wait()

	require.Len(t, producer.sent, 2)
	byType := map[EventType]published{}
	for _, s := range producer.sent {
		byType[s.event.Type] = s
	}

	logged := byType[EventActivityLogged]
	assert.Equal(t, "activities.events", logged.topic)
	assert.Equal(t, "a1", logged.key)
	assert.NotEmpty(t, logged.event.EventID)
	assert.NotZero(t, logged.event.Timestamp)

	run := byType[EventSequenceRunCompleted]
	assert.Equal(t, "sequences.events", run.topic)
	assert.Equal(t, "s1:a1:activity_logged", run.key)
}

func TestPublisher_FailuresAreSwallowed(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	p := NewPublisher(producer, topics, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Publish(ctx, &ActivityEvent{Type: EventActivityDeleted, ActivityID: "a1"})
	cancel()
	p.Wait()

	assert.Len(t, producer.sent, 1)
}

func TestPublisher_NilProducerOnlyLogs(t *testing.T) {
	p := NewPublisher(nil, topics, nil)
	event := &ActivityEvent{Type: EventEngagementUpdated, ContactID: "c1"}

	p.Publish(context.Background(), event)
	p.Wait()

	assert.NotEmpty(t, event.EventID)
}

type confirmingProducer struct {
	fakeProducer
	confirmed []string
}

func (c *confirmingProducer) PublishJSONSync(_ context.Context, topic, key string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = append(c.confirmed, topic+"/"+key)
	return c.err
}

func TestPublisher_PublishConfirmed(t *testing.T) {
	ctx := context.Background()

	producer := &confirmingProducer{}
	p := NewPublisher(producer, topics, nil)
	event := &ActivityEvent{Type: EventSequenceRunFailed, RunID: "s1:a1:manual"}
	require.NoError(t, p.PublishConfirmed(ctx, event))
	assert.Equal(t, []string{"sequences.events/s1:a1:manual"}, producer.confirmed)
	assert.Empty(t, producer.sent)
	assert.NotEmpty(t, event.EventID)

	producer.err = errors.New("not enough replicas")
	err := p.PublishConfirmed(ctx, &ActivityEvent{Type: EventSequenceRunCompleted, RunID: "r2"})
	assert.ErrorContains(t, err, "not enough replicas")

	// producers without delivery reports are called inline
	plain := &fakeProducer{}
	require.NoError(t, NewPublisher(plain, topics, nil).PublishConfirmed(ctx, &ActivityEvent{Type: EventActivityLogged, ActivityID: "a1"}))
	assert.Len(t, plain.sent, 1)

	assert.NoError(t, NewPublisher(nil, topics, nil).PublishConfirmed(ctx, &ActivityEvent{Type: EventActivityLogged}))
}
