package bridge

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"modbus-pollbridge/internal/stack"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	peerHost = "10.0.0.2"
	peerPort = "502"
)

func newTestBridge(t *testing.T, cfg stack.SimConfig, opts ...Option) (*Bridge, *stack.Sim, *stack.SimPeer) {
	t.Helper()
	sim := stack.NewSim(cfg)
	peer := sim.Listen(peerHost, 502)
	base := []Option{WithClock(sim.Now), WithLogger(zaptest.NewLogger(t))}
	b := New(sim, append(base, opts...)...)
	return b, sim, peer
}

func dial(t *testing.T, b *Bridge) Handle {
	t.Helper()
	h, err := b.Dial(context.Background(), peerHost, peerPort, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, b.Connected(h))
	return h
}

func TestDial_Success(t *testing.T) {
	b, _, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	state, reason, err := b.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, ReasonNone, reason)
	assert.True(t, peer.Connected())
	assert.Equal(t, uint64(1), b.Stats().Connects.Load())
	assert.Equal(t, int64(1), b.Stats().Active.Load())
}

func TestDial_UnreachableReleasesRecord(t *testing.T) {
	b, sim, _ := newTestBridge(t, stack.SimConfig{})

	_, err := b.Dial(context.Background(), "10.0.0.99", peerPort, 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, stack.ErrTimeout)
	assert.ErrorIs(t, err, ErrClosed)

	var closed *ClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, ReasonHandshakeFailed, closed.Reason)

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, sim.Live())
	assert.Equal(t, uint64(1), b.Stats().ConnectFailures.Load())
}

func TestDial_Refused(t *testing.T) {
	b, _, peer := newTestBridge(t, stack.SimConfig{})
	peer.Refuse()

	_, err := b.Dial(context.Background(), peerHost, peerPort, 100*time.Millisecond)
	assert.ErrorIs(t, err, stack.ErrRefused)
	assert.Equal(t, 0, b.Len())
}

func TestDial_HandshakeTimeout(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{ConnectTimeout: time.Second})
	peer.Silence()

	start := sim.Now()
	_, err := b.Dial(context.Background(), peerHost, peerPort, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, 0, b.Len())
	assert.WithinDuration(t, start.Add(20*time.Millisecond), sim.Now(), time.Millisecond)
}

func TestDial_IdleCloseDuringHandshake(t *testing.T) {
	b, _, peer := newTestBridge(t,
		stack.SimConfig{ConnectTimeout: time.Second},
		WithPollInterval(5*time.Millisecond),
		WithIdlePolicy(IdleClose),
	)
	peer.Silence()

	_, err := b.Dial(context.Background(), peerHost, peerPort, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Equal(t, 0, b.Len())
}

func TestDial_ContextCanceled(t *testing.T) {
	b, _, _ := newTestBridge(t, stack.SimConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Dial(ctx, peerHost, peerPort, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Len())
}

func TestConnect_ConstructionFailures(t *testing.T) {
	tests := []struct {
		name    string
		address string
		port    string
		setup   func(*stack.Sim, *stack.SimPeer)
		wantErr error
	}{
		{
			name:    "bad address",
			address: "not-an-ip",
			port:    peerPort,
			wantErr: stack.ErrBadAddress,
		},
		{
			name:    "bad port",
			address: peerHost,
			port:    "http",
			wantErr: ErrBadPort,
		},
		{
			name:    "zero port",
			address: peerHost,
			port:    "0",
			wantErr: ErrBadPort,
		},
		{
			name:    "pcb allocation",
			address: peerHost,
			port:    peerPort,
			setup: func(s *stack.Sim, _ *stack.SimPeer) {
				s.FailNew(errors.New("out of pcbs"))
			},
		},
		{
			name:    "connect submission",
			address: peerHost,
			port:    peerPort,
			setup: func(_ *stack.Sim, p *stack.SimPeer) {
				p.FailConnect(stack.ErrRefused)
			},
			wantErr: stack.ErrRefused,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, sim, peer := newTestBridge(t, stack.SimConfig{})
			if tt.setup != nil {
				tt.setup(sim, peer)
			}

			_, err := b.Connect(tt.address, tt.port)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, 0, b.Len())

			sim.Poll()
			assert.Equal(t, 0, sim.Live())
		})
	}
}

func TestFacade_NotConnected(t *testing.T) {
	b, _, _ := newTestBridge(t, stack.SimConfig{})
	h, err := b.Connect(peerHost, peerPort)
	require.NoError(t, err)

	state, _, err := b.State(h)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, state)

	n, err := b.Read(h, make([]byte, 4), time.Second)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrNotConnected)
	var closed *ClosedError
	assert.False(t, errors.As(err, &closed))

	n, err = b.Write(h, []byte{1, 2, 3}, time.Second)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = b.Read(Handle(999), make([]byte, 1), time.Second)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFacade_ZeroLength(t *testing.T) {
	b, sim, _ := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)
	steps := sim.Steps()

	n, err := b.Read(h, nil, time.Second)
	assert.Zero(t, n)
	assert.NoError(t, err)

	n, err = b.Write(h, []byte{}, time.Second)
	assert.Zero(t, n)
	assert.NoError(t, err)

	assert.Equal(t, steps, sim.Steps())
}

func TestRead_PartialThenBuffered(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	peer.Send([]byte("0123456789"))

	buf := make([]byte, 5)
	n, err := b.Read(h, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "01234", string(buf))
	assert.Equal(t, 5, b.Buffered(h))

	steps := sim.Steps()
	n, err = b.Read(h, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "56789", string(buf))
	assert.Equal(t, steps, sim.Steps(), "剩餘資料應直接從緩衝區取出")
}

func TestRead_TimeoutIsShortRead(t *testing.T) {
	b, sim, _ := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	start := sim.Now()
	n, err := b.Read(h, make([]byte, 100), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, b.Connected(h))

	elapsed := sim.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 51*time.Millisecond)
	assert.Equal(t, uint64(1), b.Stats().ShortReads.Load())
}

func TestFacade_DeadlineRespected(t *testing.T) {
	step := 3 * time.Millisecond
	for _, timeout := range []time.Duration{0, time.Millisecond, 10 * time.Millisecond, 37 * time.Millisecond} {
		b, sim, _ := newTestBridge(t, stack.SimConfig{Step: step, SndBuf: 4})
		h := dial(t, b)

		start := sim.Now()
		_, err := b.Read(h, make([]byte, 8), timeout)
		require.NoError(t, err)
		assert.LessOrEqual(t, sim.Now().Sub(start), timeout+step, "read timeout %v", timeout)

		start = sim.Now()
		_, err = b.Write(h, make([]byte, 4096), timeout)
		require.NoError(t, err)
		assert.LessOrEqual(t, sim.Now().Sub(start), timeout+step, "write timeout %v", timeout)
	}
}

func TestRead_PeerClosedMidRead(t *testing.T) {
	b, _, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	peer.Send([]byte("abc"))
	peer.Close()

	buf := make([]byte, 100)
	n, err := b.Read(h, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(buf[:n]))

	assert.False(t, b.Connected(h))
	state, reason, err := b.State(h)
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, ReasonPeerClosed, reason)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, peer.ClosedByClient())

	n, err = b.Read(h, buf, time.Second)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRead_FIFOAcrossChunks(t *testing.T) {
	b, _, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	var want []byte
	for i := 0; i < 20; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, i+1)
		want = append(want, chunk...)
		peer.Send(chunk)
	}

	var got []byte
	sizes := []int{1, 7, 3, 50, 13, 2, 200}
	for i := 0; len(got) < len(want); i++ {
		buf := make([]byte, sizes[i%len(sizes)])
		n, err := b.Read(h, buf, 10*time.Millisecond)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		require.Less(t, i, 100)
	}
	assert.Equal(t, want, got)
}

func TestRecv_LossyCapacityInvariant(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{}, WithBufferSize(16))
	h := dial(t, b)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	peer.Send(payload[:10])
	peer.Send(payload[10:])

	for i := 0; i < 5; i++ {
		sim.Poll()
		assert.LessOrEqual(t, b.Buffered(h), 16)
	}
	assert.Equal(t, 16, b.Buffered(h))
	assert.Equal(t, 40, peer.Acked(), "丟棄的位元組也應被確認")
	assert.Equal(t, uint64(24), b.Stats().BytesDropped.Load())
	assert.Zero(t, peer.Pending())

	buf := make([]byte, 40)
	n, err := b.Read(h, buf, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, payload[:16], buf[:n])
}

func TestRecv_DeferredAckKeepsData(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{},
		WithBufferSize(16),
		WithAckPolicy(AckDeferred),
	)
	h := dial(t, b)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	peer.Send(payload)
	sim.Poll()

	assert.Equal(t, 16, b.Buffered(h))
	assert.Equal(t, 24, peer.Pending())
	assert.Zero(t, peer.Acked())

	var got []byte
	buf := make([]byte, 10)
	for len(got) < len(payload) {
		n, err := b.Read(h, buf, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotZero(t, n)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, payload, got)
	assert.Equal(t, 40, peer.Acked())
	assert.Zero(t, b.Stats().BytesDropped.Load())
}

func TestWrite_MultipleSubmissions(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{SndBuf: 2048})
	h := dial(t, b)

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	n, err := b.Write(h, payload, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4000, n)

	sim.Poll()
	assert.Equal(t, payload, peer.Received())
	assert.Equal(t, uint64(4000), b.Stats().BytesSent.Load())
	assert.Equal(t, uint64(1), b.Stats().Rounds.Load())
}

func TestWrite_DeadlineShortCount(t *testing.T) {
	b, _, _ := newTestBridge(t, stack.SimConfig{SndBuf: 1000})
	h := dial(t, b)

	n, err := b.Write(h, make([]byte, 4000), 0)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Equal(t, uint64(1), b.Stats().ShortWrites.Load())
}

func TestWrite_ResetMidWrite(t *testing.T) {
	b, _, peer := newTestBridge(t, stack.SimConfig{SndBuf: 2048})
	h := dial(t, b)
	peer.Reset()

	n, err := b.Write(h, make([]byte, 4000), time.Second)
	assert.Equal(t, 2048, n)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, stack.ErrReset)

	_, reason, _ := b.State(h)
	assert.Equal(t, ReasonStackError, reason)
	assert.False(t, peer.ClosedByClient(), "堆疊已釋放的 PCB 不應再被關閉")
}

func TestWrite_SubmitErrorReturnedImmediately(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	cause := errors.New("out of memory")
	peer.FailWrite(cause)
	steps := sim.Steps()

	n, err := b.Write(h, []byte("request"), time.Second)
	assert.Equal(t, 0, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.Equal(t, steps, sim.Steps(), "送出失敗不應再推進輪詢")

	// 連線仍然有效，下一次寫入成功
	assert.True(t, b.Connected(h))
	n, err = b.Write(h, []byte("request"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRecv_FinWithErrorIsStackError(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	cause := errors.New("rx aborted")
	peer.CloseWithError(cause)
	b.Loop().Step()

	state, reason, err := b.State(h)
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, ReasonStackError, reason)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, cause)
	assert.True(t, peer.ClosedByClient())

	sim.Poll()
	assert.Equal(t, 0, sim.Live())
}

func TestClose_Idempotent(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	require.NoError(t, b.Close(h))
	require.NoError(t, b.Close(h))
	assert.True(t, peer.ClosedByClient())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(1), b.Stats().Closes.Load())
	assert.Equal(t, int64(0), b.Stats().Active.Load())

	_, _, err := b.State(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	sim.Poll()
	assert.Equal(t, 0, sim.Live())
}

func TestClose_BeforeHandshake(t *testing.T) {
	b, sim, _ := newTestBridge(t, stack.SimConfig{})
	h, err := b.Connect(peerHost, peerPort)
	require.NoError(t, err)

	require.NoError(t, b.Close(h))
	require.NoError(t, b.Close(h))

	for i := 0; i < 10; i++ {
		sim.Poll()
	}
	assert.Equal(t, 0, sim.Live())
	assert.Zero(t, b.Stats().Connects.Load())
}

func TestClose_AfterTerminalEvent(t *testing.T) {
	b, sim, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	peer.Close()
	sim.Poll()
	_, reason, _ := b.State(h)
	require.Equal(t, ReasonPeerClosed, reason)

	require.NoError(t, b.Close(h))
	require.NoError(t, b.Close(h))
	assert.Equal(t, uint64(1), b.Stats().Closes.Load())
}

func TestClose_FallsBackToAbort(t *testing.T) {
	b, _, peer := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)
	peer.FailClose(errors.New("close refused"))

	require.NoError(t, b.Close(h))
	assert.True(t, peer.Aborted())
	assert.Equal(t, uint64(1), b.Stats().Aborts.Load())
}

func TestTerminalEvents_ReachClosed(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		trigger    func(*stack.SimPeer)
		wantReason Reason
		wantErr    error
	}{
		{
			name:       "handshake failure",
			trigger:    func(p *stack.SimPeer) { p.Refuse() },
			wantReason: ReasonHandshakeFailed,
			wantErr:    stack.ErrRefused,
		},
		{
			name:       "stack error",
			trigger:    func(p *stack.SimPeer) { p.Reset() },
			wantReason: ReasonStackError,
			wantErr:    stack.ErrReset,
		},
		{
			name:       "peer close",
			trigger:    func(p *stack.SimPeer) { p.Close() },
			wantReason: ReasonPeerClosed,
		},
		{
			name:       "idle poll",
			opts:       []Option{WithPollInterval(5 * time.Millisecond), WithIdlePolicy(IdleClose)},
			trigger:    func(*stack.SimPeer) {},
			wantReason: ReasonIdleTimeout,
			wantErr:    ErrIdleTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, sim, peer := newTestBridge(t, stack.SimConfig{}, tt.opts...)
			tt.trigger(peer)

			h, err := b.Connect(peerHost, peerPort)
			require.NoError(t, err)

			for i := 0; i < 50 && !b.conns[h].state.Terminated(); i++ {
				b.Loop().Step()
			}

			r := b.conns[h]
			assert.Equal(t, StateClosed, r.state)
			assert.Equal(t, tt.wantReason, r.reason)
			assert.Nil(t, r.pcb)

			_, _, err = b.State(h)
			assert.ErrorIs(t, err, ErrClosed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			sim.Poll()
			assert.Equal(t, 0, sim.Live())
		})
	}
}

func TestIdleProbe_KeepsConnection(t *testing.T) {
	b, _, _ := newTestBridge(t, stack.SimConfig{}, WithPollInterval(5*time.Millisecond))
	h := dial(t, b)

	n, err := b.Read(h, make([]byte, 1), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, b.Connected(h))
	assert.GreaterOrEqual(t, b.Stats().IdleTicks.Load(), uint64(5))
}

func TestLoop_TasksRunDuringRead(t *testing.T) {
	b, _, _ := newTestBridge(t, stack.SimConfig{})
	h := dial(t, b)

	ticks := 0
	var reentrant error
	b.Loop().Go("counter", func() {
		ticks++
		if reentrant == nil {
			_, reentrant = b.Read(h, make([]byte, 1), time.Second)
		}
	})

	_, err := b.Read(h, make([]byte, 1), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 10, ticks)
	assert.ErrorIs(t, reentrant, ErrReentrant)
}

func TestLoop_NestedStepPanics(t *testing.T) {
	b, _, _ := newTestBridge(t, stack.SimConfig{})
	loop := b.Loop()
	loop.Go("nested", func() { loop.Step() })

	assert.PanicsWithValue(t, "bridge: Loop.Step called from inside a poll step", loop.Step)
	assert.False(t, loop.Busy())
}

func TestConn_View(t *testing.T) {
	b, _, peer := newTestBridge(t, stack.SimConfig{})
	c := b.Conn(dial(t, b))
	peer.Respond(func(req []byte) []byte { return bytes.ToUpper(req) })

	n, err := c.Write([]byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, err = c.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(buf[:n]))
	assert.True(t, c.Connected())
	assert.NoError(t, c.Err())

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Err(), ErrUnknownHandle)
}

func TestParsePolicies(t *testing.T) {
	ack, err := ParseAckPolicy("Deferred")
	require.NoError(t, err)
	assert.Equal(t, AckDeferred, ack)
	assert.Equal(t, "lossy", AckLossy.String())

	_, err = ParseAckPolicy("bogus")
	assert.Error(t, err)

	idle, err := ParseIdlePolicy("close")
	require.NoError(t, err)
	assert.Equal(t, IdleClose, idle)

	idle, err = ParseIdlePolicy("")
	require.NoError(t, err)
	assert.Equal(t, IdleProbe, idle)
}
