package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		URL:       "amqp://localhost:5672",
		Name:      "ingest-jobs",
		MaxLength: 10,
	}
}

func TestNewRabbitQueueDeclaresBoundedQueue(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()

	q, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.NoError(t, err)
	defer q.Close()

	assert.True(t, channel.QueueDeclareCalled)
	assert.Equal(t, "ingest-jobs", channel.LastQueueName)
	assert.Equal(t, int32(10), channel.LastQueueArgs["x-max-length"])
	assert.Equal(t, "reject-publish", channel.LastQueueArgs["x-overflow"])
}

func TestNewRabbitQueueDialFailure(t *testing.T) {
	dialer := &MockAMQPDialer{DialErr: assert.AnError}

	_, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.Error(t, err)
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))
}

func TestNewRabbitQueueChannelFailure(t *testing.T) {
	dialer := SetupMockDialerWithChannelError()

	_, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.Error(t, err)

	conn := dialer.MockConnection.(*MockAMQPConnection)
	assert.True(t, conn.CloseCalled)
}

func TestPublishSerializesJob(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()
	q, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.NoError(t, err)
	defer q.Close()

	job := Job{
		DocumentID:   "doc-1",
		CollectionID: "col-1",
		StorageKey:   "uploads/u-1",
		Attempt:      1,
		EnqueuedAt:   time.Now(),
	}
	require.NoError(t, q.Publish(context.Background(), job))

	require.Len(t, channel.PublishedMessages, 1)
	msg := channel.PublishedMessages[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "ingest-jobs", channel.LastKey)

	var decoded Job
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "doc-1", decoded.DocumentID)
	assert.Equal(t, 1, decoded.Attempt)
}

func TestPublishFullQueueIsBusy(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()
	q, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.NoError(t, err)
	defer q.Close()

	channel.QueueMessages = 10

	err = q.Publish(context.Background(), Job{DocumentID: "doc-1"})
	require.Error(t, err)
	assert.Equal(t, common.KindBusy, common.KindOf(err))
	assert.Empty(t, channel.PublishedMessages)
}

func TestConsumeDecodesAndAcks(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()
	q, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := q.Consume(ctx, 2)
	require.NoError(t, err)
	assert.True(t, channel.QosCalled)
	assert.Equal(t, 2, channel.LastPrefetch)

	ack := &MockAcknowledger{}
	body, _ := json.Marshal(Job{DocumentID: "doc-1", Attempt: 2})
	channel.Deliveries <- amqp.Delivery{Acknowledger: ack, Body: body}

	select {
	case d := <-deliveries:
		assert.Equal(t, "doc-1", d.Job.DocumentID)
		assert.Equal(t, 2, d.Job.Attempt)
		require.NoError(t, d.Ack())
		assert.True(t, ack.AckCalled)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
	}
}

func TestConsumeDropsUndecodableJobs(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()
	q, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := q.Consume(ctx, 1)
	require.NoError(t, err)

	bad := &MockAcknowledger{}
	channel.Deliveries <- amqp.Delivery{Acknowledger: bad, Body: []byte("not json")}

	good := &MockAcknowledger{}
	body, _ := json.Marshal(Job{DocumentID: "doc-2"})
	channel.Deliveries <- amqp.Delivery{Acknowledger: good, Body: body}

	select {
	case d := <-deliveries:
		assert.Equal(t, "doc-2", d.Job.DocumentID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
	}
	assert.True(t, bad.NackCalled)
	assert.False(t, bad.LastRequeue)
}

func TestDepth(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()
	q, err := NewRabbitQueueWithDialer(testConfig(), dialer)
	require.NoError(t, err)
	defer q.Close()

	channel.QueueMessages = 7
	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 7, depth)
}
