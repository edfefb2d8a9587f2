package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/cancel"
	"github.com/relayq/relayq/internal/model"
	"github.com/relayq/relayq/internal/mq"
	"github.com/relayq/relayq/internal/outbox"
	"github.com/relayq/relayq/shared/sqlite"
)

const (
	testWorkerID = "worker-1"
	testQueue    = "relayq.jobs.worker-1.all"

	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

type rejection struct {
	tag     uint64
	requeue bool
}

// fakeChannel stands in for the broker channel. With loopback enabled,
// messages published to the consumer's own queue re-enter the delivery
// stream, which is how retry republishes behave against a real broker.
type fakeChannel struct {
	queue    string
	loopback bool

	mu         sync.Mutex
	deliveries chan amqp.Delivery
	nextTag    uint64
	prefetch   int
	cancelled  bool
	published  []publishedMessage
	acked      []uint64
	rejected   []rejection
	publishErr error
}

func newFakeChannel(queue string) *fakeChannel {
	return &fakeChannel{
		queue:      queue,
		deliveries: make(chan amqp.Delivery, 32),
	}
}

func (f *fakeChannel) Qos(prefetch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetch
	return nil
}

func (f *fakeChannel) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) CancelConsumer(consumerTag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	f.mu.Lock()
	if f.publishErr != nil {
		err := f.publishErr
		f.mu.Unlock()
		return err
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, routingKey: routingKey, msg: msg})

	loop := f.loopback && exchange == "" && routingKey == f.queue
	var redelivery amqp.Delivery
	if loop {
		f.nextTag++
		redelivery = amqp.Delivery{
			DeliveryTag:   f.nextTag,
			Body:          msg.Body,
			CorrelationId: msg.CorrelationId,
			Headers:       msg.Headers,
		}
	}
	f.mu.Unlock()

	if loop {
		f.deliveries <- redelivery
	}
	return nil
}

func (f *fakeChannel) Ack(deliveryTag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, deliveryTag)
	return nil
}

func (f *fakeChannel) Reject(deliveryTag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, rejection{tag: deliveryTag, requeue: requeue})
	return nil
}

func (f *fakeChannel) deliver(body []byte, correlationID string, retryCount int) uint64 {
	f.mu.Lock()
	f.nextTag++
	tag := f.nextTag
	f.mu.Unlock()

	f.deliveries <- amqp.Delivery{
		DeliveryTag:   tag,
		Body:          body,
		CorrelationId: correlationID,
		Headers:       amqp.Table{mq.HeaderRetryCount: int32(retryCount)},
	}
	return tag
}

func (f *fakeChannel) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeChannel) rejections() []rejection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rejection(nil), f.rejected...)
}

func (f *fakeChannel) publishedTo(exchange string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMessage
	for _, p := range f.published {
		if p.exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeChannel) prefetchValue() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefetch
}

func (f *fakeChannel) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// stubAdminPublisher records everything the worker reports upstream. Shared
// with the registrar tests in this package.
type stubAdminPublisher struct {
	mu       sync.Mutex
	statuses []model.StatusUpdate
	logs     []model.LogMessage
	regs     []model.WorkerRegistration
	beats    []model.Heartbeat

	statusErr   error
	regFailures int
	beatErr     error
}

func (s *stubAdminPublisher) PublishStatus(ctx context.Context, update *model.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statuses = append(s.statuses, *update)
	return nil
}

func (s *stubAdminPublisher) PublishLog(ctx context.Context, msg *model.LogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *msg)
	return nil
}

func (s *stubAdminPublisher) PublishRegistration(ctx context.Context, reg *model.WorkerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.regFailures > 0 {
		s.regFailures--
		return errors.New("broker unavailable")
	}
	s.regs = append(s.regs, *reg)
	return nil
}

func (s *stubAdminPublisher) PublishHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beatErr != nil {
		return s.beatErr
	}
	s.beats = append(s.beats, *hb)
	return nil
}

func (s *stubAdminPublisher) statusSequence() []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobStatus, len(s.statuses))
	for i, u := range s.statuses {
		out[i] = u.Status
	}
	return out
}

func (s *stubAdminPublisher) statusUpdates() []model.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StatusUpdate(nil), s.statuses...)
}

func (s *stubAdminPublisher) logMessages() []model.LogMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LogMessage(nil), s.logs...)
}

func (s *stubAdminPublisher) registrations() []model.WorkerRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WorkerRegistration(nil), s.regs...)
}

func (s *stubAdminPublisher) heartbeats() []model.Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Heartbeat(nil), s.beats...)
}

type stubHealth struct {
	healthy atomic.Bool
}

func (s *stubHealth) Healthy() bool {
	return s.healthy.Load()
}

type consumerHarness struct {
	channel   *fakeChannel
	registry  *Registry
	service   *outbox.Service
	publisher *stubAdminPublisher
	cancels   *cancel.Registry
	consumer  *Consumer

	cancelRun context.CancelFunc
	runDone   chan error
	stopOnce  sync.Once
	runErr    error
}

func newConsumerHarness(t *testing.T) *consumerHarness {
	t.Helper()

	client, err := sqlite.NewClient(&sqlite.Config{
		Path: filepath.Join(t.TempDir(), "worker.db"),
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := outbox.NewStore(client.GetDB(), testLogger())
	require.NoError(t, err)

	health := &stubHealth{}
	health.healthy.Store(true)

	publisher := &stubAdminPublisher{}
	service, err := outbox.NewService(outbox.Options{
		Store:     store,
		Publisher: publisher,
		Health:    health,
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	return &consumerHarness{
		channel:   newFakeChannel(testQueue),
		registry:  NewRegistry(),
		service:   service,
		publisher: publisher,
		cancels:   cancel.NewRegistry(),
	}
}

func (h *consumerHarness) start(t *testing.T, tweak func(*ConsumerOptions)) {
	t.Helper()

	opts := ConsumerOptions{
		Channel:           h.channel,
		Registry:          h.registry,
		Outbox:            h.service,
		Cancels:           h.cancels,
		Logger:            testLogger(),
		WorkerID:          testWorkerID,
		QueueName:         testQueue,
		MaxParallelJobs:   2,
		DefaultMaxRetries: 2,
		RetryBaseDelay:    time.Millisecond,
		JobTimeout:        5 * time.Second,
		HeartbeatInterval: time.Minute,
		SlotDrainTimeout:  500 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}

	consumer, err := NewConsumer(opts)
	require.NoError(t, err)
	h.consumer = consumer

	ctx, cancelRun := context.WithCancel(context.Background())
	h.cancelRun = cancelRun
	h.runDone = make(chan error, 1)
	go func() {
		h.runDone <- consumer.Run(ctx)
	}()

	t.Cleanup(func() { h.stop(t) })
}

func (h *consumerHarness) stop(t *testing.T) error {
	t.Helper()
	h.stopOnce.Do(func() {
		h.cancelRun()
		select {
		case h.runErr = <-h.runDone:
		case <-time.After(waitFor):
			t.Error("consumer did not stop in time")
		}
	})
	return h.runErr
}

func (h *consumerHarness) deliver(t *testing.T, job *model.JobMessage, correlationID string, retryCount int) uint64 {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return h.channel.deliver(body, correlationID, retryCount)
}

func testJob(jobType string) *model.JobMessage {
	return &model.JobMessage{
		ID:        "job-1",
		JobType:   jobType,
		JobData:   json.RawMessage(`{"to":"ops@example.com"}`),
		ExecuteAt: time.Now().UTC(),
	}
}

func TestNewConsumer_RequiresWiring(t *testing.T) {
	_, err := NewConsumer(ConsumerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel is required")
}

func TestConsumer_SuccessfulJobLifecycle(t *testing.T) {
	h := newConsumerHarness(t)

	require.NoError(t, h.registry.Register(Definition{
		JobType: "email-send",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			return map[string]bool{"sent": true}, nil
		}),
	}))
	h.start(t, nil)

	tag := h.deliver(t, testJob("email-send"), "corr-ok", 0)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	updates := h.publisher.statusUpdates()
	require.Len(t, updates, 2)

	running, final := updates[0], updates[1]
	assert.Equal(t, model.StatusRunning, running.Status)
	assert.Equal(t, "corr-ok", running.CorrelationID)
	assert.Equal(t, testWorkerID, running.WorkerID)
	assert.NotNil(t, running.StartTime)

	assert.Equal(t, model.StatusSucceeded, final.Status)
	assert.Equal(t, "job-1", final.JobID)
	assert.JSONEq(t, `{"sent":true}`, string(final.Result))
	require.NotNil(t, final.DurationMs)
	assert.GreaterOrEqual(t, *final.DurationMs, int64(0))

	finalized, err := h.service.IsFinalized(context.Background(), "corr-ok")
	require.NoError(t, err)
	assert.True(t, finalized)

	assert.Empty(t, h.channel.rejections())
	assert.Equal(t, []uint64{tag}, func() []uint64 {
		h.channel.mu.Lock()
		defer h.channel.mu.Unlock()
		return append([]uint64(nil), h.channel.acked...)
	}())
}

func TestConsumer_DuplicateDeliveryIsAckedWithoutExecution(t *testing.T) {
	h := newConsumerHarness(t)

	var executions atomic.Int32
	require.NoError(t, h.registry.Register(Definition{
		JobType: "email-send",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			executions.Add(1)
			return nil, nil
		}),
	}))

	ctx := context.Background()
	require.NoError(t, h.service.RecordStart(ctx, "corr-dup", "job-1", "email-send", testWorkerID))
	require.NoError(t, h.service.Finalize(ctx, "corr-dup", model.StatusSucceeded))

	h.start(t, nil)
	h.deliver(t, testJob("email-send"), "corr-dup", 0)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	assert.Equal(t, int32(0), executions.Load())
	assert.Empty(t, h.publisher.statusUpdates())
	assert.Empty(t, h.channel.rejections())
}

func TestConsumer_UnknownJobTypeGoesStraightToDeadLetter(t *testing.T) {
	h := newConsumerHarness(t)
	h.start(t, nil)

	h.deliver(t, testJob("mystery"), "corr-unknown", 0)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	dead := h.channel.publishedTo(mq.DeadLetterExchange)
	require.Len(t, dead, 1)
	assert.Equal(t, mq.DeadLetterRoutingKey, dead[0].routingKey)

	var envelope model.DeadLetterMessage
	require.NoError(t, json.Unmarshal(dead[0].msg.Body, &envelope))
	assert.Equal(t, "job-1", envelope.ID)
	assert.Equal(t, "mystery", envelope.JobType)
	assert.Equal(t, model.StatusFailed, envelope.Status)
	assert.Contains(t, envelope.Exception, "no handler registered")

	sequence := h.publisher.statusSequence()
	assert.Equal(t, []model.JobStatus{model.StatusFailed}, sequence)

	finalized, err := h.service.IsFinalized(context.Background(), "corr-unknown")
	require.NoError(t, err)
	assert.True(t, finalized)
}

func TestConsumer_UndeserializablePayloadIsRejectedToDeadLetter(t *testing.T) {
	h := newConsumerHarness(t)

	var executions atomic.Int32
	require.NoError(t, h.registry.Register(Definition{
		JobType: "email-send",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			executions.Add(1)
			return nil, nil
		}),
	}))
	h.start(t, nil)

	tag := h.channel.deliver([]byte(`{not json`), "corr-bad", 0)

	require.Eventually(t, func() bool { return len(h.channel.rejections()) == 1 }, waitFor, tick)

	assert.Equal(t, []rejection{{tag: tag, requeue: false}}, h.channel.rejections())
	assert.Zero(t, h.channel.ackCount())
	assert.Equal(t, int32(0), executions.Load())
	assert.Empty(t, h.publisher.statusUpdates())
}

func TestConsumer_RetriesWithBackoffThenSucceeds(t *testing.T) {
	h := newConsumerHarness(t)
	h.channel.loopback = true

	var attempts atomic.Int32
	require.NoError(t, h.registry.Register(Definition{
		JobType:    "email-send",
		MaxRetries: 3,
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			n := attempts.Add(1)
			if n < 3 {
				return nil, fmt.Errorf("smtp connect refused on attempt %d", n)
			}
			return map[string]int32{"attempts": n}, nil
		}),
	}))
	h.start(t, nil)

	h.deliver(t, testJob("email-send"), "corr-retry", 0)

	require.Eventually(t, func() bool {
		seq := h.publisher.statusSequence()
		return len(seq) > 0 && seq[len(seq)-1] == model.StatusSucceeded
	}, waitFor, tick)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, []model.JobStatus{
		model.StatusRunning, model.StatusRunning, model.StatusRunning, model.StatusSucceeded,
	}, h.publisher.statusSequence())

	logs := h.publisher.logMessages()
	require.Len(t, logs, 2)
	for i, logMsg := range logs {
		assert.Equal(t, "corr-retry", logMsg.CorrelationID)
		assert.Equal(t, "Warning", logMsg.Log.Level)
		assert.Equal(t, "retry", logMsg.Log.Category)
		assert.Contains(t, logMsg.Log.Message, fmt.Sprintf("attempt %d failed", i+1))
	}

	republished := h.channel.publishedTo("")
	require.Len(t, republished, 2)
	for i, p := range republished {
		assert.Equal(t, testQueue, p.routingKey)
		assert.Equal(t, "corr-retry", p.msg.CorrelationId)
		assert.Equal(t, int32(i+1), p.msg.Headers[mq.HeaderRetryCount])
	}

	// Every delivery resolved exactly once: the original and both retries.
	assert.Equal(t, 3, h.channel.ackCount())
	assert.Empty(t, h.channel.rejections())

	finalized, err := h.service.IsFinalized(context.Background(), "corr-retry")
	require.NoError(t, err)
	assert.True(t, finalized)
}

func TestConsumer_ExhaustedRetriesEscalateToDeadLetter(t *testing.T) {
	h := newConsumerHarness(t)
	h.channel.loopback = true

	var attempts atomic.Int32
	require.NoError(t, h.registry.Register(Definition{
		JobType:    "email-send",
		MaxRetries: 1,
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			attempts.Add(1)
			return nil, errors.New("smtp permanently down")
		}),
	}))
	h.start(t, nil)

	h.deliver(t, testJob("email-send"), "corr-doomed", 0)

	require.Eventually(t, func() bool {
		return len(h.channel.publishedTo(mq.DeadLetterExchange)) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool { return h.channel.ackCount() == 2 }, waitFor, tick)

	assert.Equal(t, int32(2), attempts.Load())
	require.Len(t, h.publisher.logMessages(), 1)

	dead := h.channel.publishedTo(mq.DeadLetterExchange)
	var envelope model.DeadLetterMessage
	require.NoError(t, json.Unmarshal(dead[0].msg.Body, &envelope))
	assert.Contains(t, envelope.Exception, "smtp permanently down")

	sequence := h.publisher.statusSequence()
	assert.Equal(t, []model.JobStatus{
		model.StatusRunning, model.StatusRunning, model.StatusFailed,
	}, sequence)
}

func TestConsumer_PermanentErrorSkipsRetries(t *testing.T) {
	h := newConsumerHarness(t)

	var attempts atomic.Int32
	require.NoError(t, h.registry.Register(Definition{
		JobType:    "email-send",
		MaxRetries: 3,
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			attempts.Add(1)
			return nil, model.Permanent(errors.New("recipient does not exist"))
		}),
	}))
	h.start(t, nil)

	h.deliver(t, testJob("email-send"), "corr-perm", 0)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	assert.Equal(t, int32(1), attempts.Load())
	assert.Empty(t, h.publisher.logMessages())
	require.Len(t, h.channel.publishedTo(mq.DeadLetterExchange), 1)

	sequence := h.publisher.statusSequence()
	require.Equal(t, []model.JobStatus{model.StatusRunning, model.StatusFailed}, sequence)
	assert.Contains(t, h.publisher.statusUpdates()[1].Exception, "permanent failure")
}

func TestConsumer_InvalidPayloadErrorSkipsRetries(t *testing.T) {
	h := newConsumerHarness(t)

	var attempts atomic.Int32
	require.NoError(t, h.registry.Register(Definition{
		JobType:    "email-send",
		MaxRetries: 3,
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			attempts.Add(1)
			return nil, fmt.Errorf("%w: missing recipient field", model.ErrInvalidPayload)
		}),
	}))
	h.start(t, nil)

	h.deliver(t, testJob("email-send"), "corr-invalid", 0)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	// The sentinel is terminal without the Permanent wrapper.
	assert.Equal(t, int32(1), attempts.Load())
	require.Len(t, h.channel.publishedTo(mq.DeadLetterExchange), 1)

	sequence := h.publisher.statusSequence()
	require.Equal(t, []model.JobStatus{model.StatusRunning, model.StatusFailed}, sequence)
	assert.Contains(t, h.publisher.statusUpdates()[1].Exception, "invalid job payload")
}

func TestConsumer_CancellationRequestMarksJobCancelled(t *testing.T) {
	h := newConsumerHarness(t)

	started := make(chan struct{}, 1)
	require.NoError(t, h.registry.Register(Definition{
		JobType: "report-build",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))
	h.start(t, nil)

	job := testJob("report-build")
	h.deliver(t, job, "corr-cancel", 0)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job never started")
	}

	hit := h.cancels.Cancel("corr-cancel", &cancel.Cancellation{JobID: job.ID, Reason: "user requested"})
	require.True(t, hit)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	updates := h.publisher.statusUpdates()
	require.Len(t, updates, 2)
	assert.Equal(t, model.StatusCancelled, updates[1].Status)
	assert.Contains(t, updates[1].Exception, "user requested")

	finalized, err := h.service.IsFinalized(context.Background(), "corr-cancel")
	require.NoError(t, err)
	assert.True(t, finalized)
}

func TestConsumer_TimeoutMarksJobTimedOut(t *testing.T) {
	h := newConsumerHarness(t)

	require.NoError(t, h.registry.Register(Definition{
		JobType: "report-build",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))
	h.start(t, func(opts *ConsumerOptions) {
		opts.JobTimeout = 30 * time.Millisecond
	})

	h.deliver(t, testJob("report-build"), "corr-slow", 0)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	updates := h.publisher.statusUpdates()
	require.Len(t, updates, 2)
	assert.Equal(t, model.StatusTimedOut, updates[1].Status)
	assert.Contains(t, updates[1].Exception, "timed out")

	finalized, err := h.service.IsFinalized(context.Background(), "corr-slow")
	require.NoError(t, err)
	assert.True(t, finalized)
}

func TestConsumer_ShutdownRequeuesInFlightJob(t *testing.T) {
	h := newConsumerHarness(t)

	started := make(chan struct{}, 1)
	require.NoError(t, h.registry.Register(Definition{
		JobType: "report-build",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))
	h.start(t, nil)

	tag := h.deliver(t, testJob("report-build"), "corr-interrupted", 0)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job never started")
	}

	require.NoError(t, h.stop(t))

	assert.Equal(t, []rejection{{tag: tag, requeue: true}}, h.channel.rejections())
	assert.Zero(t, h.channel.ackCount())
	assert.True(t, h.channel.wasCancelled())

	// Not finalized, the redelivered message executes again elsewhere.
	finalized, err := h.service.IsFinalized(context.Background(), "corr-interrupted")
	require.NoError(t, err)
	assert.False(t, finalized)

	assert.Equal(t, []model.JobStatus{model.StatusRunning}, h.publisher.statusSequence())
}

func TestConsumer_ConcurrencyStaysWithinBound(t *testing.T) {
	h := newConsumerHarness(t)

	var mu sync.Mutex
	current, peak := 0, 0
	require.NoError(t, h.registry.Register(Definition{
		JobType: "email-send",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return nil, nil
		}),
	}))
	h.start(t, func(opts *ConsumerOptions) {
		opts.MaxParallelJobs = 2
	})

	for i := 0; i < 5; i++ {
		h.deliver(t, testJob("email-send"), fmt.Sprintf("corr-par-%d", i), 0)
	}

	require.Eventually(t, func() bool { return h.channel.ackCount() == 5 }, waitFor, tick)

	assert.Equal(t, 2, h.channel.prefetchValue())
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestConsumer_HandlerPanicIsContainedAndDeadLettered(t *testing.T) {
	h := newConsumerHarness(t)

	require.NoError(t, h.registry.Register(Definition{
		JobType:    "email-send",
		MaxRetries: 1,
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			panic("nil template")
		}),
	}))
	h.start(t, nil)

	// Already at the retry ceiling, so the failure escalates immediately.
	h.deliver(t, testJob("email-send"), "corr-panic", 1)

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	dead := h.channel.publishedTo(mq.DeadLetterExchange)
	require.Len(t, dead, 1)

	var envelope model.DeadLetterMessage
	require.NoError(t, json.Unmarshal(dead[0].msg.Body, &envelope))
	assert.Contains(t, envelope.Exception, "job handler panicked")
	assert.Contains(t, envelope.Exception, "nil template")
}

func TestConsumer_ClosedDeliveryStreamStopsRun(t *testing.T) {
	h := newConsumerHarness(t)
	h.start(t, nil)

	close(h.channel.deliveries)

	require.ErrorIs(t, h.stop(t), ErrDeliveriesClosed)
	// A broker-initiated close needs no consumer cancellation.
	assert.False(t, h.channel.wasCancelled())
}

func TestConsumer_MintsCorrelationIDWhenMissing(t *testing.T) {
	h := newConsumerHarness(t)

	require.NoError(t, h.registry.Register(Definition{
		JobType: "email-send",
		Handler: HandlerFunc(func(ctx context.Context, job *model.JobMessage) (any, error) {
			return nil, nil
		}),
	}))
	h.start(t, nil)

	body, err := json.Marshal(testJob("email-send"))
	require.NoError(t, err)
	h.channel.mu.Lock()
	h.channel.nextTag++
	tag := h.channel.nextTag
	h.channel.mu.Unlock()
	h.channel.deliveries <- amqp.Delivery{DeliveryTag: tag, Body: body}

	require.Eventually(t, func() bool { return h.channel.ackCount() == 1 }, waitFor, tick)

	updates := h.publisher.statusUpdates()
	require.Len(t, updates, 2)
	assert.NotEmpty(t, updates[0].CorrelationID)
	assert.Equal(t, updates[0].CorrelationID, updates[1].CorrelationID)
}

func TestConsumer_RetryDelayDoublesPerAttempt(t *testing.T) {
	h := newConsumerHarness(t)

	consumer, err := NewConsumer(ConsumerOptions{
		Channel:        h.channel,
		Registry:       h.registry,
		Outbox:         h.service,
		Cancels:        h.cancels,
		Logger:         testLogger(),
		WorkerID:       testWorkerID,
		QueueName:      testQueue,
		RetryBaseDelay: 5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, consumer.retryDelay(0))
	assert.Equal(t, 10*time.Second, consumer.retryDelay(1))
	assert.Equal(t, 20*time.Second, consumer.retryDelay(2))
	assert.Equal(t, 40*time.Second, consumer.retryDelay(3))
}
