package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/thawkins/gcodekit6/pkg/transport"
)

// runner adapts the three engines to one shape for table tests
type runner struct {
	Control
	stream func(lines []string) error
}

type variant struct {
	name  string
	build func(t transport.Transport, window int, opts ...Option) runner
}

var variants = []variant{
	{
		name: "sync",
		build: func(t transport.Transport, window int, opts ...Option) runner {
			s := NewStreamer(t, window, opts...)
			return runner{Control: s, stream: s.Stream}
		},
	},
	{
		name: "async",
		build: func(t transport.Transport, window int, opts ...Option) runner {
			s := NewAsyncStreamer(t, window, opts...)
			return runner{Control: s, stream: func(lines []string) error {
				return s.Stream(context.Background(), lines)
			}}
		},
	},
	{
		name: "worker",
		build: func(t transport.Transport, _ int, opts ...Option) runner {
			w := NewWorker(t, opts...)
			return runner{Control: w, stream: w.Stream}
		},
	},
}

func program(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("G1 X%d F1000", i)
	}
	return lines
}

// streamResult runs fn on its own goroutine and returns a channel with its error
func streamResult(fn func() error) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- fn()
	}()
	return result
}

type EngineSuite struct {
	suite.Suite
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) await(result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("stream did not return")
		return nil
	}
}

// All acks "ok": every line reaches the wire once, in order
func (s *EngineSuite) TestStreamAllAcked() {
	lines := []string{"G0 X0", "G0 X1", "G0 X2"}

	for _, v := range variants {
		s.Run(v.name, func() {
			sim := transport.NewSimTransport()
			eng := v.build(sim, 4)

			s.Require().NoError(eng.stream(lines))
			s.Equal(lines, sim.Wire())

			stats := eng.Stats()
			s.Equal(int64(3), stats.LinesSent)
			s.Equal(int64(3), stats.LinesAcked)
			s.LessOrEqual(stats.MaxInFlight, int64(1))
			s.Equal(int64(0), stats.InFlight)
			s.Equal(Idle, eng.State())
		})
	}
}

// Never more than Window lines in flight, and in practice never more than one
func (s *EngineSuite) TestInFlightNeverExceedsOne() {
	for _, window := range []int{1, 2, 8, 64} {
		for _, v := range variants[:2] {
			s.Run(fmt.Sprintf("%s/window=%d", v.name, window), func() {
				sim := transport.NewSimTransport()
				eng := v.build(sim, window)

				s.Require().NoError(eng.stream(program(50)))
				s.Len(sim.Lines(), 50)
				s.Equal(int64(1), eng.Stats().MaxInFlight)
			})
		}
	}
}

// A rejected first line aborts with its ack text; nothing else is sent
func (s *EngineSuite) TestStreamRejectedFirstLine() {
	for _, v := range variants[:2] {
		s.Run(v.name, func() {
			sim := transport.NewSimTransport(transport.WithResponder(
				transport.RespondErrorAt(0, "error: bad command"),
			))
			eng := v.build(sim, 4)

			err := eng.stream(program(10))
			s.Require().Error(err)
			s.Contains(err.Error(), "error: bad command")
			s.True(IsDeviceError(err))

			var derr *DeviceError
			s.Require().True(errors.As(err, &derr))
			s.Equal(0, derr.Index)
			s.Equal("G1 X0 F1000", derr.Line)

			s.Len(sim.Lines(), 1)
			s.Equal(Stopped, eng.State())
			s.Contains(eng.Stats().Error, "error: bad command")

			// Stopped absorbs later calls
			s.NoError(eng.stream(program(3)))
			s.Len(sim.Lines(), 1)
		})
	}
}

// The k-th rejection stops transmission after line k
func (s *EngineSuite) TestStreamRejectedLaterLine() {
	for _, k := range []int{1, 4, 9} {
		sim := transport.NewSimTransport(transport.WithResponder(
			transport.RespondErrorAt(k, "ALARM:2"),
		))
		eng := NewStreamer(sim, 2)

		err := eng.Stream(program(10))

		var derr *DeviceError
		s.Require().True(errors.As(err, &derr), "k=%d", k)
		s.Equal(k, derr.Index)
		s.Equal("ALARM:2", derr.Ack)
		s.Len(sim.Lines(), k+1)
		s.Equal(program(10)[:k+1], sim.Lines())
	}
}

// Rejection over a real socket: the device sees exactly the lines up to the bad one
func (s *EngineSuite) TestStreamRejectedOverTCP() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()

	var mu sync.Mutex
	var received []string
	deviceDone := make(chan struct{})

	go func() {
		defer close(deviceDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			mu.Lock()
			received = append(received, scanner.Text())
			n := len(received)
			mu.Unlock()

			ack := "ok"
			if n == 3 {
				ack = "error:20"
			}
			conn.Write([]byte(ack + "\r\n"))
		}
	}()

	tr := transport.NewTCPTransport(2 * time.Second)
	s.Require().NoError(tr.Connect(context.Background(), ln.Addr().String()))
	eng := NewStreamer(tr, 4)

	err = eng.Stream(program(5))
	var derr *DeviceError
	s.Require().True(errors.As(err, &derr), "got %v", err)
	s.Equal(2, derr.Index)
	s.Equal("error:20", derr.Ack)

	s.Require().NoError(eng.Close())
	select {
	case <-deviceDone:
	case <-time.After(2 * time.Second):
		s.FailNow("device did not see the disconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	s.Equal(program(5)[:3], received)
}

// The worker ignores ack content and sends every line
func (s *EngineSuite) TestWorkerIgnoresAcks() {
	sim := transport.NewSimTransport(transport.WithResponder(
		transport.ScriptedResponder("error:1", "ALARM:3", "whatever"),
	))
	w := NewWorker(sim)

	s.Require().NoError(w.Stream(program(7)))
	s.Equal(program(7), sim.Lines())
	s.Equal(Idle, w.State())
	s.NoError(w.Err())
}

// Emergency stop mid-stream: halt token on the wire, zero ordinary lines after it
func (s *EngineSuite) TestEmergencyStopMidStream() {
	for _, v := range variants {
		s.Run(v.name, func() {
			reached := make(chan struct{}, 1)
			sim := transport.NewSimTransport(
				transport.WithAckLatency(time.Millisecond),
				transport.WithOnLine(func(index int, _ string) {
					if index == 10 {
						select {
						case reached <- struct{}{}:
						default:
						}
					}
				}),
			)
			eng := v.build(sim, 4)
			result := streamResult(func() error { return eng.stream(program(1000)) })

			<-reached
			s.Require().NoError(eng.EmergencyStop())
			s.NoError(s.await(result), "a stopped stream is not an error")

			s.Eventually(sim.Halted, time.Second, time.Millisecond)
			s.Empty(sim.LinesAfterHalt())
			s.Less(len(sim.Lines()), 1000)
			s.Equal(Stopped, eng.State())

			// Stopped absorbs later calls
			sent := len(sim.Lines())
			s.NoError(eng.stream(program(5)))
			s.Len(sim.Lines(), sent)
		})
	}
}

// A stop requested while the device sits on an ack does not wait for the ack
func (s *EngineSuite) TestEmergencyStopDoesNotWaitForAck() {
	reached := make(chan struct{}, 1)
	sim := transport.NewSimTransport(
		transport.WithAckLatency(10*time.Second),
		transport.WithOnLine(func(int, string) {
			select {
			case reached <- struct{}{}:
			default:
			}
		}),
	)
	eng := NewStreamer(sim, 1)
	result := streamResult(func() error { return eng.Stream(program(3)) })

	<-reached
	start := time.Now()
	s.Require().NoError(eng.EmergencyStop())
	s.Less(time.Since(start), time.Second)

	s.NoError(s.await(result))
	s.Equal([]string{"G1 X0 F1000", transport.HaltToken}, sim.Wire())
	s.NotZero(eng.LastHaltLatency())
	s.Equal(eng.LastHaltLatency(), eng.Stats().HaltLatency)
}

// Stopping before streaming: nothing but the halt token is ever written
func (s *EngineSuite) TestEmergencyStopBeforeStream() {
	for _, v := range variants {
		s.Run(v.name, func() {
			sim := transport.NewSimTransport()
			eng := v.build(sim, 1)

			s.Require().NoError(eng.EmergencyStop())
			s.True(sim.Halted(), "halt token written before EmergencyStop returned")

			s.NoError(eng.stream(program(5)))
			s.Equal([]string{transport.HaltToken}, sim.Wire())
		})
	}
}

// Emergency stop surfaces its own transport failure on the synchronous path
func (s *EngineSuite) TestEmergencyStopTransportFailure() {
	sim := transport.NewSimTransport()
	sim.Close()
	eng := NewStreamer(sim, 1)

	err := eng.EmergencyStop()
	s.Require().Error(err)
	s.ErrorIs(err, transport.ErrClosed)
	s.Equal(Stopped, eng.State())
}

// Pause holds transmission, resume continues in order without gaps or repeats
func (s *EngineSuite) TestPauseResumePreservesOrder() {
	for _, v := range variants {
		s.Run(v.name, func() {
			var eng runner
			paused := make(chan struct{})
			sim := transport.NewSimTransport(transport.WithOnLine(func(index int, _ string) {
				if index == 2 {
					eng.Pause()
					close(paused)
				}
			}))
			eng = v.build(sim, 1)
			lines := program(8)

			result := streamResult(func() error { return eng.stream(lines) })

			<-paused
			time.Sleep(50 * time.Millisecond)
			s.Len(sim.Lines(), 3, "no line sent while paused")
			s.Equal(Paused, eng.State())

			eng.Resume()
			s.Require().NoError(s.await(result))
			s.Equal(lines, sim.Lines())
		})
	}
}

func (s *EngineSuite) TestPausedBeforeStream() {
	sim := transport.NewSimTransport()
	eng := NewAsyncStreamer(sim, 1)
	eng.Pause()

	result := streamResult(func() error { return eng.Stream(context.Background(), program(4)) })
	time.Sleep(30 * time.Millisecond)
	s.Empty(sim.Lines())
	s.True(eng.Active())

	eng.Resume()
	s.Require().NoError(s.await(result))
	s.Equal(program(4), sim.Lines())
	s.False(eng.Active())
}

// Stop while paused ends the stream without sending
func (s *EngineSuite) TestEmergencyStopWhilePaused() {
	for _, v := range variants {
		s.Run(v.name, func() {
			sim := transport.NewSimTransport()
			eng := v.build(sim, 1)
			eng.Pause()

			result := streamResult(func() error { return eng.stream(program(4)) })
			time.Sleep(20 * time.Millisecond)

			s.Require().NoError(eng.EmergencyStop())
			s.NoError(s.await(result))
			s.Eventually(sim.Halted, time.Second, time.Millisecond)
			s.Empty(sim.Lines())
		})
	}
}

// Transport timeouts abort the stream but do not make the engine terminal
func (s *EngineSuite) TestTransportTimeoutAborts() {
	for _, v := range variants {
		s.Run(v.name, func() {
			sim := transport.NewSimTransport(
				transport.WithSilenceAfterHalt(),
				transport.WithSimTimeout(30*time.Millisecond),
			)
			// Halt the device directly so it stops answering
			s.Require().NoError(sim.EmergencyStop(context.Background()))
			eng := v.build(sim, 1)

			err := eng.stream(program(3))
			s.Require().Error(err)
			s.True(transport.IsTimeout(err), "got %v", err)
			s.Len(sim.Lines(), 1)
			s.Equal(Idle, eng.State())
		})
	}
}

func (s *EngineSuite) TestAsyncStreamCancelled() {
	sim := transport.NewSimTransport(transport.WithAckLatency(time.Second))
	eng := NewAsyncStreamer(sim, 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err := eng.Stream(ctx, program(5))
	s.Require().Error(err)
	s.ErrorIs(err, context.Canceled)
	s.NotEqual(Stopped, eng.State(), "cancellation is not a stop")
	s.Len(sim.Lines(), 1)
}

func (s *EngineSuite) TestAsyncStreamCancelledWhilePaused() {
	sim := transport.NewSimTransport()
	eng := NewAsyncStreamer(sim, 1)
	eng.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := eng.Stream(ctx, program(5))
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Empty(sim.Lines())
}

func (s *EngineSuite) TestAsyncRejectsSecondStream() {
	sim := transport.NewSimTransport()
	eng := NewAsyncStreamer(sim, 1)
	eng.Pause()

	result := streamResult(func() error { return eng.Stream(context.Background(), program(2)) })
	s.Eventually(eng.Active, time.Second, time.Millisecond)

	s.ErrorIs(eng.Stream(context.Background(), program(2)), ErrStreamActive)

	eng.Resume()
	s.NoError(s.await(result))
}

// Async emergency stop during a stream returns before the halt is written,
// and the halt still lands
func (s *EngineSuite) TestAsyncEmergencyStopDispatches() {
	reached := make(chan struct{}, 1)
	sim := transport.NewSimTransport(
		transport.WithAckLatency(time.Millisecond),
		transport.WithOnLine(func(index int, _ string) {
			if index == 3 {
				select {
				case reached <- struct{}{}:
				default:
				}
			}
		}),
	)
	eng := NewAsyncStreamer(sim, 2)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return eng.Stream(ctx, program(500))
	})
	g.Go(func() error {
		<-reached
		return eng.EmergencyStop()
	})

	s.Require().NoError(g.Wait())
	s.Eventually(sim.Halted, time.Second, time.Millisecond)
	s.Empty(sim.LinesAfterHalt())
	s.Equal(Stopped, eng.State())
}

// blockingHalt holds EmergencyStop until release is closed
type blockingHalt struct {
	*transport.SimTransport
	release chan struct{}
	closed  chan struct{}
}

func (b *blockingHalt) EmergencyStop(ctx context.Context) error {
	<-b.release
	return b.SimTransport.EmergencyStop(ctx)
}

func (b *blockingHalt) Close() error {
	close(b.closed)
	return b.SimTransport.Close()
}

// Closing the async engine waits for a dispatched halt to reach the wire
func (s *EngineSuite) TestAsyncCloseWaitsForDispatchedHalt() {
	tr := &blockingHalt{
		SimTransport: transport.NewSimTransport(),
		release:      make(chan struct{}),
		closed:       make(chan struct{}),
	}
	eng := NewAsyncStreamer(tr, 1, WithHaltTimeout(5*time.Second))
	eng.Pause()

	result := streamResult(func() error { return eng.Stream(context.Background(), program(3)) })
	s.Require().Eventually(eng.Active, time.Second, time.Millisecond)

	s.Require().NoError(eng.EmergencyStop())
	s.Require().NoError(s.await(result))

	closeResult := streamResult(eng.Close)
	select {
	case <-tr.closed:
		s.FailNow("transport closed before the halt token was written")
	case <-time.After(50 * time.Millisecond):
	}
	s.False(tr.Halted())

	close(tr.release)
	s.NoError(s.await(closeResult))
	s.True(tr.Halted())
	s.Empty(tr.Lines())
}

// Close gives up on a stuck dispatched halt after the halt timeout
func (s *EngineSuite) TestAsyncCloseBoundedByHaltTimeout() {
	tr := &blockingHalt{
		SimTransport: transport.NewSimTransport(),
		release:      make(chan struct{}),
		closed:       make(chan struct{}),
	}
	defer close(tr.release)
	eng := NewAsyncStreamer(tr, 1, WithHaltTimeout(50*time.Millisecond))
	eng.Pause()

	result := streamResult(func() error { return eng.Stream(context.Background(), program(3)) })
	s.Require().Eventually(eng.Active, time.Second, time.Millisecond)
	s.Require().NoError(eng.EmergencyStop())
	s.Require().NoError(s.await(result))

	s.NoError(s.await(streamResult(eng.Close)))
	select {
	case <-tr.closed:
	default:
		s.Fail("transport was not closed")
	}
}

// Concurrent control traffic from several goroutines against a running stream
func (s *EngineSuite) TestConcurrentControl() {
	sim := transport.NewSimTransport(transport.WithAckLatency(100 * time.Microsecond))
	eng := NewStreamer(sim, 1)
	lines := program(200)

	var g errgroup.Group
	g.Go(func() error {
		return eng.Stream(lines)
	})
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 20; j++ {
				eng.Pause()
				time.Sleep(100 * time.Microsecond)
				eng.Resume()
				_ = eng.Stats()
			}
			return nil
		})
	}

	s.Require().NoError(g.Wait())
	eng.Resume()
	s.Equal(lines, sim.Lines())
}

func (s *EngineSuite) TestProgressCallback() {
	var done []int
	sim := transport.NewSimTransport()
	eng := NewStreamer(sim, 1, WithProgress(func(n, total int) {
		s.Equal(4, total)
		done = append(done, n)
	}))

	s.Require().NoError(eng.Stream(program(4)))
	s.Equal([]int{1, 2, 3, 4}, done)
}

func (s *EngineSuite) TestStateAwaitingAck() {
	sim := transport.NewSimTransport(transport.WithAckLatency(300 * time.Millisecond))
	eng := NewStreamer(sim, 1)
	s.Equal(Idle, eng.State())

	result := streamResult(func() error { return eng.Stream(program(1)) })
	s.Eventually(func() bool { return eng.State() == AwaitingAck }, time.Second, time.Millisecond)

	s.NoError(s.await(result))
	s.Equal(Idle, eng.State())
}

func (s *EngineSuite) TestSend() {
	sim := transport.NewSimTransport(transport.WithResponder(
		transport.ScriptedResponder("ok", "error:9"),
	))
	eng := NewStreamer(sim, 1)

	ack, err := eng.Send(context.Background(), "$X")
	s.Require().NoError(err)
	s.Equal("ok", ack)

	ack, err = eng.Send(context.Background(), "G0 X1")
	s.True(IsDeviceError(err))
	s.Equal("error:9", ack)
}

func (s *EngineSuite) TestStatsAndIdentity() {
	sim := transport.NewSimTransport()
	eng := NewAsyncStreamer(sim, 0)

	stats := eng.Stats()
	s.Equal(1, stats.Window)
	s.Equal("async", stats.Engine)
	s.Equal("sim", stats.Transport)
	s.Equal(eng.RunID(), stats.RunID)
	s.True(stats.Alive)
	s.NotEmpty(eng.RunID())

	other := NewAsyncStreamer(sim, 1)
	s.NotEqual(eng.RunID(), other.RunID())
}

func (s *EngineSuite) TestSharedSignals() {
	signals := NewSignals()
	sim := transport.NewSimTransport()
	eng := NewStreamer(sim, 1, WithSignals(signals))

	signals.Pause()
	s.Equal(Paused, eng.State())
	s.Same(signals, eng.Signals())

	signals.Stop()
	s.NoError(eng.Stream(program(2)))
	s.Empty(sim.Lines())
}
