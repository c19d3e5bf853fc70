package distq_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pipeq/pkg/distq"
	"github.com/dmitrymomot/pipeq/pkg/pipeline"
)

// newTestClient creates a go-redis client backed by miniredis.
func newTestClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mini
}

// waitForSubscriber blocks until someone subscribes to the given channel.
func waitForSubscriber(t *testing.T, client redis.UniversalClient, channel string) {
	t.Helper()

	require.Eventually(t, func() bool {
		subs, err := client.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && subs[channel] > 0
	}, 2*time.Second, 5*time.Millisecond, "no subscriber appeared on %s", channel)
}

func TestPusher_Validation(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pusher, err := distq.NewPusher(client)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("empty queue name", func(t *testing.T) {
		err := pusher.Push(ctx, distq.Task{Payload: "x"})
		assert.ErrorIs(t, err, distq.ErrQueueNameEmpty)
	})

	t.Run("nil payload", func(t *testing.T) {
		err := pusher.Push(ctx, distq.Task{Queue: "q"})
		assert.ErrorIs(t, err, distq.ErrPayloadNil)
	})

	t.Run("invalid mode", func(t *testing.T) {
		err := pusher.Push(ctx, distq.Task{Queue: "q", Payload: "x", Mode: "broadcast"})
		assert.ErrorIs(t, err, distq.ErrInvalidMode)
	})

	t.Run("no consumer subscribed", func(t *testing.T) {
		err := pusher.Push(ctx, distq.Task{Queue: "nobody-home", Payload: "x"})
		assert.ErrorIs(t, err, distq.ErrQueueNotFound)
	})
}

func TestHandler_RoundTrip(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := distq.NewResultStore(client)
	require.NoError(t, err)

	handler, err := distq.NewHandler(client, store, "sum", func(_ context.Context, task distq.Delivery) (any, error) {
		var n int
		if err := json.Unmarshal(task.Payload, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}, distq.WithConcurrency(4))
	require.NoError(t, err)
	go func() { _ = handler.Run(ctx) }()

	collector, err := distq.NewCollector(client, store)
	require.NoError(t, err)
	go func() { _ = collector.Run(ctx) }()

	waitForSubscriber(t, client, "pipeq:wake:sum")
	waitForSubscriber(t, client, "pipeq:return")

	var mu sync.Mutex
	got := make(map[int]int)
	collector.Register("box-1", func(env distq.Envelope) {
		var n int
		require.NoError(t, json.Unmarshal(env.Data, &n))
		mu.Lock()
		got[env.Index] = n
		mu.Unlock()
	})
	defer collector.Unregister("box-1")

	pusher, err := distq.NewPusher(client)
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, pusher.Push(ctx, distq.Task{
			Queue:   "sum",
			Mode:    distq.ModeReturn,
			BID:     "box-1",
			Index:   i,
			Payload: i + 1,
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := range 5 {
		assert.Equal(t, (i+1)*2, got[i])
	}
}

func TestHandler_ExactlyOncePop(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	work := func(_ context.Context, task distq.Delivery) (any, error) {
		var id string
		if err := json.Unmarshal(task.Payload, &id); err != nil {
			return nil, err
		}
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return nil, nil
	}

	// Two concurrent handlers on the same queue must split the work without
	// ever processing the same task twice.
	for range 2 {
		h, err := distq.NewHandler(client, nil, "shared", work, distq.WithConcurrency(3))
		require.NoError(t, err)
		go func() { _ = h.Run(ctx) }()
	}
	waitForSubscriber(t, client, "pipeq:wake:shared")

	pusher, err := distq.NewPusher(client)
	require.NoError(t, err)
	const total = 40
	for i := range total {
		require.NoError(t, pusher.Push(ctx, distq.Task{
			Queue:   "shared",
			Payload: "task-" + strconv.Itoa(i),
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, c := range seen {
			n += c
		}
		return n >= total
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	n := 0
	for id, c := range seen {
		assert.Equal(t, 1, c, "task %q processed more than once", id)
		n += c
	}
	assert.Equal(t, total, n)
}

func TestResultStore(t *testing.T) {
	t.Parallel()

	t.Run("consume is destructive", func(t *testing.T) {
		t.Parallel()

		client, _ := newTestClient(t)
		ctx := context.Background()
		store, err := distq.NewResultStore(client)
		require.NoError(t, err)

		env := distq.Envelope{BID: "cid", Index: 0, Queue: "q", Mode: distq.ModeReturn, Data: json.RawMessage(`"ok"`)}
		require.NoError(t, store.Publish(ctx, distq.ChannelReturn, env))

		got, err := store.Consume(ctx, "pipeq:r:cid:0")
		require.NoError(t, err)
		assert.Equal(t, "cid", got.BID)
		assert.Equal(t, json.RawMessage(`"ok"`), got.Data)

		_, err = store.Consume(ctx, "pipeq:r:cid:0")
		assert.ErrorIs(t, err, distq.ErrResultExpired)
	})

	t.Run("results expire after the TTL", func(t *testing.T) {
		t.Parallel()

		client, mini := newTestClient(t)
		ctx := context.Background()
		store, err := distq.NewResultStore(client, distq.WithResultTTL(time.Minute))
		require.NoError(t, err)

		env := distq.Envelope{BID: "cid", Index: 1, Queue: "q", Mode: distq.ModeReturn}
		require.NoError(t, store.Publish(ctx, distq.ChannelReturn, env))
		require.True(t, mini.Exists("pipeq:r:cid:1"))

		mini.FastForward(2 * time.Minute)

		_, err = store.Consume(ctx, "pipeq:r:cid:1")
		assert.ErrorIs(t, err, distq.ErrResultExpired)
	})
}

func TestCollector_Ownership(t *testing.T) {
	t.Parallel()

	client, mini := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := distq.NewResultStore(client)
	require.NoError(t, err)
	collector, err := distq.NewCollector(client, store)
	require.NoError(t, err)
	go func() { _ = collector.Run(ctx) }()
	waitForSubscriber(t, client, "pipeq:return")

	delivered := make(chan distq.Envelope, 1)
	collector.Register("mine", func(env distq.Envelope) { delivered <- env })

	// A result owned by some other process must be left untouched.
	require.NoError(t, store.Publish(ctx, distq.ChannelReturn, distq.Envelope{BID: "theirs", Index: 0, Queue: "q"}))

	// An owned result is consumed and delivered.
	require.NoError(t, store.Publish(ctx, distq.ChannelReturn, distq.Envelope{BID: "mine", Index: 0, Queue: "q", Data: json.RawMessage(`42`)}))

	select {
	case env := <-delivered:
		assert.Equal(t, "mine", env.BID)
		assert.False(t, mini.Exists("pipeq:r:mine:0"), "owned result key must be deleted on consumption")
	case <-time.After(2 * time.Second):
		t.Fatal("owned result was not delivered")
	}

	assert.True(t, mini.Exists("pipeq:r:theirs:0"), "foreign result key must survive")
}

func TestHandler_Stream(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := distq.NewResultStore(client)
	require.NoError(t, err)

	handler, err := distq.NewHandler(client, store, "rows", func(ctx context.Context, task distq.Delivery) (any, error) {
		w := task.Stream()
		if w == nil {
			return nil, errors.New("no stream writer for stream-mode task")
		}
		for _, row := range []string{"r1", "r2", "r3"} {
			if err := w.Send(ctx, row); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)
	go func() { _ = handler.Run(ctx) }()

	collector, err := distq.NewCollector(client, store)
	require.NoError(t, err)
	go func() { _ = collector.Run(ctx) }()

	waitForSubscriber(t, client, "pipeq:wake:rows")
	waitForSubscriber(t, client, "pipeq:stream")

	var mu sync.Mutex
	var chunks []distq.Envelope
	collector.Register("stream-box", func(env distq.Envelope) {
		mu.Lock()
		chunks = append(chunks, env)
		mu.Unlock()
	})

	pusher, err := distq.NewPusher(client)
	require.NoError(t, err)
	require.NoError(t, pusher.Push(ctx, distq.Task{
		Queue:   "rows",
		Mode:    distq.ModeStream,
		BID:     "stream-box",
		SID:     "sock-1",
		Payload: "query",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) == 3 && chunks[len(chunks)-1].Last
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, "sock-1", chunk.SID)
		assert.Equal(t, i == len(chunks)-1, chunk.Last, "only the final chunk is tagged")
	}
	assert.Equal(t, json.RawMessage(`"r3"`), chunks[2].Data)
}

func TestThrottledBuffer(t *testing.T) {
	t.Parallel()

	var pauses, resumes int
	handle := pipeline.NewThrottle(
		func() { pauses++ },
		func() { resumes++ },
	)

	buf := distq.NewThrottledBuffer(4, handle)

	for i := range 4 {
		buf.Put(distq.Envelope{Index: i})
	}
	assert.Equal(t, 1, pauses, "crossing the high-water mark pauses exactly once")
	assert.True(t, handle.Paused())

	// Draining past the low-water mark resumes exactly once.
	for range 3 {
		_, ok := buf.Take()
		require.True(t, ok)
	}
	assert.Equal(t, 1, resumes)
	assert.False(t, handle.Paused())

	_, ok := buf.Take()
	require.True(t, ok)
	_, ok = buf.Take()
	assert.False(t, ok)
	assert.Equal(t, 1, resumes, "further draining must not resume again")
}

func TestCollector_StreamBackpressure(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := distq.NewResultStore(client)
	require.NoError(t, err)
	collector, err := distq.NewCollector(client, store)
	require.NoError(t, err)
	go func() { _ = collector.Run(ctx) }()
	waitForSubscriber(t, client, "pipeq:stream")

	var pauses, resumes atomic.Int32
	box := pipeline.NewBox()
	box.SetThrottle(pipeline.NewThrottle(
		func() { pauses.Add(1) },
		func() { resumes.Add(1) },
	))

	gate := make(chan struct{})
	var mu sync.Mutex
	var delivered []distq.Envelope
	collector.RegisterStream("slow-box", box, func(env distq.Envelope) {
		<-gate
		mu.Lock()
		delivered = append(delivered, env)
		mu.Unlock()
	})
	defer collector.Unregister("slow-box")

	// The consumer is stuck, so the chunks pile up in the staging buffer
	// until the producer gets paused through the box's throttle handle.
	const total = 40
	for i := range total {
		require.NoError(t, store.Publish(ctx, distq.ChannelStream, distq.Envelope{
			BID:   "slow-box",
			Queue: "rows",
			Mode:  distq.ModeStream,
			Index: i,
			Last:  i == total-1,
			Data:  json.RawMessage(strconv.Itoa(i)),
		}))
	}
	require.Eventually(t, func() bool {
		return pauses.Load() == 1
	}, 2*time.Second, 5*time.Millisecond, "backlog never paused the producer")

	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == total
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, env := range delivered {
		assert.Equal(t, i, env.Index, "chunks must drain in arrival order")
	}
	assert.True(t, delivered[total-1].Last)
	assert.Equal(t, int32(1), pauses.Load(), "pause must fire exactly once per crossing")
	assert.Equal(t, int32(1), resumes.Load(), "resume must fire exactly once per crossing")
}
