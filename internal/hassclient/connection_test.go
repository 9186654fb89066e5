package hassclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EgorLis/hassclient/internal/hassmessage"
)

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("caller still waiting")
		return nil
	}
}

func TestConcurrentCommandsOutOfOrder(t *testing.T) {
	conn, tr := newTestConn(t, 0)
	const n = 50

	type echo struct {
		N int `json:"n"`
	}
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := Call[echo](context.Background(), conn, hassmessage.NewCommand("echo").With("n", i))
			if err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- fmt.Errorf("caller %d got result for %d", i, got.N)
			}
		}()
	}

	reqs := make([]map[string]any, 0, n)
	seen := make(map[int64]bool, n)
	for range n {
		req := tr.expect(t)
		id := idOf(req)
		require.False(t, seen[id], "id %d reused", id)
		seen[id] = true
		reqs = append(reqs, req)
	}
	for id := int64(1); id <= n; id++ {
		assert.True(t, seen[id], "id %d never assigned", id)
	}
	require.Equal(t, n, conn.pendingCount())

	// Answer in reverse, mixing single and batched frames.
	for i := len(reqs) - 1; i >= 0; i -= 2 {
		a := resultMsg(idOf(reqs[i]), map[string]any{"n": reqs[i]["n"]})
		if i == 0 {
			tr.send(t, a)
			break
		}
		b := resultMsg(idOf(reqs[i-1]), map[string]any{"n": reqs[i-1]["n"]})
		if i%4 == 1 {
			tr.send(t, []any{a, b})
		} else {
			tr.send(t, a)
			tr.send(t, b)
		}
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, conn.pendingCount())
}

func TestCorrelationIDsIncrease(t *testing.T) {
	conn, tr := newTestConn(t, 1)

	for i := range 20 {
		id, err := conn.Send(context.Background(), newPing())
		require.NoError(t, err)
		assert.Equal(t, int64(i+2), id)
		assert.Equal(t, id, idOf(tr.expect(t)))
	}
}

func TestCancelRemovesOnlyThatCommand(t *testing.T) {
	m := NewMetrics(nil)
	conn, tr := newTestConn(t, 0, WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelled := make(chan error, 1)
	go func() {
		_, err := conn.SendAndAwait(ctx, newPing(), 0)
		cancelled <- err
	}()
	first := tr.expect(t)

	other := make(chan error, 1)
	var cfg *hassmessage.Config
	go func() {
		var err error
		cfg, err = conn.GetConfig(context.Background())
		other <- err
	}()
	second := tr.expect(t)

	cancel()
	err := recvErr(t, cancelled)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, conn.pendingCount())

	// The late answer to the cancelled command is dropped.
	tr.send(t, map[string]any{"id": idOf(first), "type": "pong"})
	tr.send(t, resultMsg(idOf(second), map[string]any{"state": "RUNNING"}))

	require.NoError(t, recvErr(t, other))
	assert.True(t, cfg.IsRunning())
	assert.Zero(t, conn.pendingCount())
	assert.Equal(t, StateReady, conn.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("pong")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("ping", "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("get_config", "ok")))
	assert.Zero(t, testutil.ToFloat64(m.Pending))
}

func TestCommandTimeoutKeepsConnection(t *testing.T) {
	conn, tr := newTestConn(t, 0)

	_, err := conn.SendAndAwait(context.Background(), newPing(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, conn.pendingCount())
	assert.Equal(t, StateReady, conn.State())
	timedOut := tr.expect(t)

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Ping(context.Background())
		errc <- err
	}()
	next := tr.expect(t)
	tr.send(t, map[string]any{"id": idOf(timedOut), "type": "pong"})
	tr.send(t, map[string]any{"id": idOf(next), "type": "pong"})
	assert.NoError(t, recvErr(t, errc))
}

func TestCloseFailsPendingAndEndsSubscriptions(t *testing.T) {
	conn, tr := newTestConn(t, 0)
	sub := subscribe(t, conn, tr, "state_changed")

	const k = 5
	errs := make(chan error, k)
	for range k {
		go func() {
			_, err := conn.SendAndAwait(context.Background(), newPing(), 0)
			errs <- err
		}()
	}
	for range k {
		tr.expect(t)
	}
	require.Equal(t, k, conn.pendingCount())

	require.NoError(t, conn.Close())
	for range k {
		assert.ErrorIs(t, recvErr(t, errs), ErrTransportClosed)
	}

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, tr.isClosed())
	assert.NoError(t, conn.Err())
	assert.Zero(t, conn.pendingCount())

	_, err = conn.Send(context.Background(), newPing())
	assert.ErrorIs(t, err, ErrTransportClosed)
	_, err = conn.SubscribeEvents(context.Background(), "")
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.NoError(t, conn.Close())
}

func TestTransportFailureFailsEverything(t *testing.T) {
	conn, tr := newTestConn(t, 0)
	sub := subscribe(t, conn, tr, "")

	errc := make(chan error, 1)
	go func() {
		_, err := conn.GetStates(context.Background())
		errc <- err
	}()
	tr.expect(t)
	tr.breakWith(errors.New("connection reset by peer"))

	err := recvErr(t, errc)
	assert.ErrorIs(t, err, ErrTransportClosed)

	select {
	case <-conn.Done():
	case <-time.After(waitFor):
		t.Fatal("receive loop still running")
	}
	assert.ErrorIs(t, conn.Err(), ErrTransportClosed)
	assert.ErrorContains(t, conn.Err(), "connection reset")

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestMalformedFramesAreNotFatal(t *testing.T) {
	m := NewMetrics(nil)
	conn, tr := newTestConn(t, 0, WithMetrics(m))

	errc := make(chan error, 1)
	go func() {
		_, err := conn.SendAndAwait(context.Background(), newPing(), 0)
		errc <- err
	}()
	req := tr.expect(t)

	tr.send(t, "not json")
	tr.send(t, `{"id":5}`)
	tr.send(t, `42`)
	tr.send(t, `{"id":77,"type":"zap"}`)
	tr.send(t, map[string]any{"id": idOf(req), "type": "pong"})

	assert.NoError(t, recvErr(t, errc))
	assert.Equal(t, StateReady, conn.State())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ProtocolFailures))
}

func TestBadBatchElementDoesNotDropNeighbours(t *testing.T) {
	m := NewMetrics(nil)
	conn, tr := newTestConn(t, 0, WithMetrics(m))

	errc := make(chan error, 1)
	go func() {
		_, err := conn.SendAndAwait(context.Background(), newPing(), 0)
		errc <- err
	}()
	req := tr.expect(t)

	tr.send(t, []any{
		map[string]any{"id": idOf(req), "type": "pong"},
		map[string]any{"id": 99},
	})

	assert.NoError(t, recvErr(t, errc))
	assert.Equal(t, StateReady, conn.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolFailures))
}

func TestSendEntryReclaimedByResult(t *testing.T) {
	m := NewMetrics(nil)
	conn, tr := newTestConn(t, 0, WithMetrics(m))

	id, err := conn.Send(context.Background(), newPing())
	require.NoError(t, err)
	assert.Equal(t, id, idOf(tr.expect(t)))
	assert.Equal(t, 1, conn.pendingCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pending))

	tr.send(t, map[string]any{"id": id, "type": "pong"})
	assert.Eventually(t, func() bool { return conn.pendingCount() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Pending))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("pong")))
}

func TestCoalescedFrameDispatch(t *testing.T) {
	m := NewMetrics(nil)
	conn, tr := newTestConn(t, 0, WithMetrics(m))
	sub := subscribe(t, conn, tr, "")

	errc := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := conn.SendAndAwait(context.Background(), newPing(), 0)
			errc <- err
		}()
	}
	a, b := tr.expect(t), tr.expect(t)

	tr.send(t, []any{
		map[string]any{"id": idOf(b), "type": "pong"},
		eventMsg(sub.ID(), "custom", map[string]any{"n": 1}),
		resultMsg(999, nil),
		map[string]any{"id": idOf(a), "type": "pong"},
	})

	assert.NoError(t, recvErr(t, errc))
	assert.NoError(t, recvErr(t, errc))
	msg, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sub.ID(), msg.ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("array")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("result")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDelivered))
}

func TestCommandFailure(t *testing.T) {
	conn, tr := newTestConn(t, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := conn.CallService(context.Background(), "light", "turn_on", nil,
			&hassmessage.Target{EntityID: []string{"light.kitchen"}})
		errc <- err
	}()
	req := tr.expect(t)
	assert.Equal(t, "call_service", req["type"])
	assert.Equal(t, "light", req["domain"])
	assert.Equal(t, map[string]any{"entity_id": []any{"light.kitchen"}}, req["target"])
	tr.send(t, failureMsg(idOf(req), "not_found", "Service not found."))

	err := recvErr(t, errc)
	assert.ErrorIs(t, err, ErrCommandFailed)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, idOf(req), ce.ID)
	assert.Equal(t, "not_found", ce.Code)
	assert.Zero(t, ReasonOf(err))
	assert.Equal(t, StateReady, conn.State())
}

func TestCallDecodeMismatch(t *testing.T) {
	conn, tr := newTestConn(t, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := conn.GetStates(context.Background())
		errc <- err
	}()
	tr.send(t, resultMsg(idOf(tr.expect(t)), map[string]any{"state": "on"}))

	assert.ErrorIs(t, recvErr(t, errc), ErrProtocol)
}

func TestHighLevelCommands(t *testing.T) {
	conn, tr := newTestConn(t, 0)

	t.Run("get_states", func(t *testing.T) {
		done := make(chan []hassmessage.State, 1)
		go func() {
			states, err := conn.GetStates(context.Background())
			assert.NoError(t, err)
			done <- states
		}()
		req := tr.expect(t)
		assert.Equal(t, "get_states", req["type"])
		tr.send(t, resultMsg(idOf(req), []any{
			map[string]any{"entity_id": "sun.sun", "state": "above_horizon", "attributes": map[string]any{"friendly_name": "Sun"}},
			map[string]any{"entity_id": "light.kitchen", "state": "off"},
		}))
		states := <-done
		require.Len(t, states, 2)
		assert.Equal(t, "Sun", states[0].FriendlyName())
		assert.Equal(t, "light", states[1].Domain())
	})

	t.Run("get_services", func(t *testing.T) {
		done := make(chan hassmessage.Services, 1)
		go func() {
			services, err := conn.GetServices(context.Background())
			assert.NoError(t, err)
			done <- services
		}()
		req := tr.expect(t)
		assert.Equal(t, "get_services", req["type"])
		tr.send(t, resultMsg(idOf(req), map[string]any{
			"light": map[string]any{"turn_on": map[string]any{"name": "Turn on"}},
		}))
		assert.Equal(t, "Turn on", (<-done)["light"]["turn_on"].Name)
	})

	t.Run("fire_event", func(t *testing.T) {
		errc := make(chan error, 1)
		go func() { errc <- conn.FireEvent(context.Background(), "doorbell", map[string]any{"door": "front"}) }()
		req := tr.expect(t)
		assert.Equal(t, "fire_event", req["type"])
		assert.Equal(t, "doorbell", req["event_type"])
		assert.Equal(t, map[string]any{"door": "front"}, req["event_data"])
		tr.send(t, resultMsg(idOf(req), map[string]any{"context": map[string]any{"id": "abc"}}))
		assert.NoError(t, recvErr(t, errc))

		assert.Error(t, conn.FireEvent(context.Background(), "", nil))
	})
}

func TestRateLimit(t *testing.T) {
	conn, tr := newTestConn(t, 0, WithRateLimit(0.5, 1))

	_, err := conn.Send(context.Background(), newPing())
	require.NoError(t, err)
	tr.expect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.Send(ctx, newPing())
	assert.ErrorIs(t, err, ErrTimeout)

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = conn.Send(cancelled, newPing())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, conn.pendingCount())
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	conn, tr := newTestConn(t, 0, WithCommandTimeout(30*time.Millisecond))
	go conn.heartbeatLoop(10 * time.Millisecond)

	assert.Equal(t, "ping", tr.expect(t)["type"])
	select {
	case <-conn.Done():
	case <-time.After(waitFor):
		t.Fatal("connection survived a missed heartbeat")
	}
	assert.ErrorIs(t, conn.Err(), ErrTimeout)
	assert.Equal(t, StateClosed, conn.State())
}

func TestMetricsSettle(t *testing.T) {
	m := NewMetrics(nil)
	conn, tr := newTestConn(t, 0, WithMetrics(m))

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Ping(context.Background())
		errc <- err
	}()
	tr.send(t, map[string]any{"id": idOf(tr.expect(t)), "type": "pong"})
	require.NoError(t, recvErr(t, errc))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("object")))
	assert.Zero(t, testutil.ToFloat64(m.Pending))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CommandDuration))
}
