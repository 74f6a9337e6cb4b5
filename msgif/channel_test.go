//go:build linux && (amd64 || arm64)

package msgif

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// cqiFeature and cqiAction mirror the smallest realistic exchange: the
// simulator reports a channel quality indicator, the agent answers with a
// predicted one.
type cqiFeature struct {
	WbCqi   uint32
	Rnti    uint32
	SimTime float64
}

type cqiAction struct {
	NewWbCqi uint32
	Pad      uint32
}

var (
	featCodec = MustPlain[cqiFeature](1)
	actCodec  = MustPlain[cqiAction](1)
)

func memConfig(capacity uint32) Config {
	return Config{
		Side:          SideSimulator,
		CreateSegment: true,
		Capacity:      capacity,
		Backing:       MemoryBacking,
	}
}

func memPair(t *testing.T, cfg Config) (*SimulatorEnd[cqiFeature, cqiAction], *AgentEnd[cqiFeature, cqiAction]) {
	t.Helper()
	sim, agent, err := OpenPair(cfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenPair failed: %v", err)
	}
	t.Cleanup(func() {
		agent.Close()
		sim.Close()
	})
	return sim, agent
}

func uniqueSegName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, os.Getpid(), time.Now().UnixNano())
}

func TestSendRecvOrder(t *testing.T) {
	sim, agent := memPair(t, memConfig(4))
	ctx := context.Background()

	const n = 100
	errc := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			v, err := sim.Feature.Begin(ctx)
			if err != nil {
				errc <- fmt.Errorf("send %d begin: %w", i, err)
				return
			}
			v.WbCqi = uint32(i)
			v.SimTime = float64(i) * 0.001
			if err := sim.Feature.End(); err != nil {
				errc <- fmt.Errorf("send %d end: %w", i, err)
				return
			}
		}
		errc <- nil
	}()

	for i := 0; i < n; i++ {
		v, err := agent.Feature.Begin(ctx)
		if err != nil {
			t.Fatalf("recv %d begin: %v", i, err)
		}
		if v.WbCqi != uint32(i) {
			t.Fatalf("message %d arrived out of order: got WbCqi %d", i, v.WbCqi)
		}
		if err := agent.Feature.End(); err != nil {
			t.Fatalf("recv %d end: %v", i, err)
		}
	}

	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestBothDirections(t *testing.T) {
	sim, agent := memPair(t, memConfig(2))
	ctx := context.Background()

	const rounds = 20
	errc := make(chan error, 1)
	go func() {
		for i := 0; i < rounds; i++ {
			var got uint32
			err := Recv(ctx, agent.Feature, func(f *cqiFeature) error {
				got = f.WbCqi
				return nil
			})
			if err != nil {
				errc <- fmt.Errorf("agent recv %d: %w", i, err)
				return
			}
			err = Send(ctx, agent.Action, func(a *cqiAction) error {
				a.NewWbCqi = got + 1
				return nil
			})
			if err != nil {
				errc <- fmt.Errorf("agent send %d: %w", i, err)
				return
			}
		}
		errc <- nil
	}()

	for i := 0; i < rounds; i++ {
		err := Send(ctx, sim.Feature, func(f *cqiFeature) error {
			f.WbCqi = uint32(i * 3)
			return nil
		})
		if err != nil {
			t.Fatalf("sim send %d: %v", i, err)
		}
		err = Recv(ctx, sim.Action, func(a *cqiAction) error {
			if a.NewWbCqi != uint32(i*3)+1 {
				return fmt.Errorf("round %d: got prediction %d, want %d", i, a.NewWbCqi, i*3+1)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("sim recv %d: %v", i, err)
		}
	}

	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

func TestRecvBlocksUntilSend(t *testing.T) {
	sim, agent := memPair(t, memConfig(4))
	ctx := context.Background()

	got := make(chan uint32, 1)
	errc := make(chan error, 1)
	go func() {
		v, err := agent.Feature.Begin(ctx)
		if err != nil {
			errc <- err
			return
		}
		got <- v.WbCqi
		errc <- agent.Feature.End()
	}()

	// The receiver must still be blocked with nothing published.
	select {
	case <-got:
		t.Fatal("receiver returned before anything was sent")
	case <-time.After(100 * time.Millisecond):
	}

	v, err := sim.Feature.Begin(ctx)
	if err != nil {
		t.Fatalf("send begin: %v", err)
	}
	v.WbCqi = 7
	if err := sim.Feature.End(); err != nil {
		t.Fatalf("send end: %v", err)
	}

	select {
	case w := <-got:
		if w != 7 {
			t.Fatalf("received WbCqi %d, want 7", w)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not woken by publish")
	}
	if err := <-errc; err != nil {
		t.Fatalf("receiver end: %v", err)
	}
}

func TestBackpressureAtCapacity(t *testing.T) {
	sim, agent := memPair(t, memConfig(4))
	ctx := context.Background()

	// Fill every slot without consuming.
	for i := 0; i < 4; i++ {
		err := Send(ctx, sim.Feature, func(f *cqiFeature) error {
			f.WbCqi = uint32(i)
			return nil
		})
		if err != nil {
			t.Fatalf("fill send %d: %v", i, err)
		}
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- Send(ctx, sim.Feature, func(f *cqiFeature) error {
			f.WbCqi = 4
			return nil
		})
	}()

	// The fifth send must block, not drop or overwrite.
	select {
	case err := <-unblocked:
		t.Fatalf("send on a full ring returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := Recv(ctx, agent.Feature, func(f *cqiFeature) error {
		if f.WbCqi != 0 {
			return fmt.Errorf("got WbCqi %d, want 0", f.WbCqi)
		}
		return nil
	}); err != nil {
		t.Fatalf("draining recv: %v", err)
	}

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("unblocked send failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send not unblocked after a slot was freed")
	}

	// Everything is still there, in order.
	for want := uint32(1); want <= 4; want++ {
		if err := Recv(ctx, agent.Feature, func(f *cqiFeature) error {
			if f.WbCqi != want {
				return fmt.Errorf("got WbCqi %d, want %d", f.WbCqi, want)
			}
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMarkFinishedUnblocksReceiver(t *testing.T) {
	sim, agent := memPair(t, memConfig(4))

	errc := make(chan error, 1)
	go func() {
		_, err := agent.Feature.Begin(context.Background())
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	sim.MarkFinished()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("blocked receiver: got %v, want ErrChannelClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("MarkFinished did not unblock the receiver")
	}

	if !agent.Finished() || !sim.Finished() {
		t.Fatal("Finished not visible on both ends")
	}
}

func TestMarkFinishedUnblocksSender(t *testing.T) {
	sim, agent := memPair(t, memConfig(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := Send(ctx, sim.Feature, func(*cqiFeature) error { return nil }); err != nil {
			t.Fatalf("fill send %d: %v", i, err)
		}
	}

	errc := make(chan error, 1)
	go func() {
		_, err := sim.Feature.Begin(ctx)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	agent.MarkFinished()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("blocked sender: got %v, want ErrChannelClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("MarkFinished did not unblock the sender")
	}
}

func TestDrainThenClosed(t *testing.T) {
	sim, agent := memPair(t, memConfig(8))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := Send(ctx, sim.Feature, func(f *cqiFeature) error {
			f.WbCqi = uint32(i)
			return nil
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sim.MarkFinished()

	// Published messages survive the finish and drain in order.
	for i := 0; i < 3; i++ {
		err := Recv(ctx, agent.Feature, func(f *cqiFeature) error {
			if f.WbCqi != uint32(i) {
				return fmt.Errorf("drain %d: got WbCqi %d", i, f.WbCqi)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if _, err := agent.Feature.Begin(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("recv after drain: got %v, want ErrChannelClosed", err)
	}
}

func TestSendAfterFinished(t *testing.T) {
	sim, _ := memPair(t, memConfig(4))
	ctx := context.Background()

	sim.MarkFinished()
	if _, err := sim.Feature.Begin(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send begin after finish: got %v, want ErrChannelClosed", err)
	}
}

func TestSendEndRacingFinish(t *testing.T) {
	sim, _ := memPair(t, memConfig(4))
	ctx := context.Background()

	if _, err := sim.Feature.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	sim.MarkFinished()

	// The in-flight message is discarded; this is the one sanctioned
	// data-loss path.
	if err := sim.Feature.End(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("end after finish: got %v, want ErrChannelClosed", err)
	}
}

func TestConcurrentBeginRejected(t *testing.T) {
	sim, _ := memPair(t, memConfig(4))
	ctx := context.Background()

	if _, err := sim.Feature.Begin(ctx); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if _, err := sim.Feature.Begin(ctx); !errors.Is(err, ErrConcurrencyViolation) {
		t.Fatalf("second begin: got %v, want ErrConcurrencyViolation", err)
	}
	if err := sim.Feature.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestEndWithoutBegin(t *testing.T) {
	sim, agent := memPair(t, memConfig(4))
	ctx := context.Background()

	if err := sim.Feature.End(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("send end without begin: got %v, want ErrProtocolViolation", err)
	}
	if err := agent.Feature.End(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("recv end without begin: got %v, want ErrProtocolViolation", err)
	}

	// A double End after a completed cycle is the same violation.
	if err := Send(ctx, sim.Feature, func(*cqiFeature) error { return nil }); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sim.Feature.End(); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("double end: got %v, want ErrProtocolViolation", err)
	}
}

func TestContextCancelUnblocks(t *testing.T) {
	sim, agent := memPair(t, memConfig(4))
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := agent.Feature.Begin(ctx)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled recv: got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the receiver")
	}

	// The borrow was released; the receiver is usable again.
	if err := Send(context.Background(), sim.Feature, func(*cqiFeature) error { return nil }); err != nil {
		t.Fatalf("send after cancel: %v", err)
	}
	if err := Recv(context.Background(), agent.Feature, func(*cqiFeature) error { return nil }); err != nil {
		t.Fatalf("recv after cancel: %v", err)
	}
}

func TestContextDeadline(t *testing.T) {
	_, agent := memPair(t, memConfig(4))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := agent.Feature.Begin(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline recv: got %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline recv returned after %v", elapsed)
	}
}

func TestScopedSendErrorPropagation(t *testing.T) {
	sim, _ := memPair(t, memConfig(4))
	ctx := context.Background()

	boom := errors.New("fill failed")
	err := Send(ctx, sim.Feature, func(*cqiFeature) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("scoped send: got %v, want fill error", err)
	}

	// The pairing survived the error: the next cycle works.
	if err := Send(ctx, sim.Feature, func(*cqiFeature) error { return nil }); err != nil {
		t.Fatalf("send after failed fill: %v", err)
	}
}

func TestScopedSendPanicRepairsPairing(t *testing.T) {
	sim, _ := memPair(t, memConfig(4))
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic in fill was swallowed")
			}
		}()
		_ = Send(ctx, sim.Feature, func(*cqiFeature) error { panic("fill panic") })
	}()

	if err := Send(ctx, sim.Feature, func(*cqiFeature) error { return nil }); err != nil {
		t.Fatalf("send after panicking fill: %v", err)
	}
}

func TestVectorExchange(t *testing.T) {
	cfg := memConfig(4)
	cfg.UseVector = true
	cfg.VectorCap = 8
	sim, agent := memPair(t, cfg)
	ctx := context.Background()

	err := SendVec(ctx, sim.Feature, func(v *Vector[cqiFeature]) error {
		if err := v.Resize(5); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			*v.At(i) = cqiFeature{WbCqi: uint32(10 + i), Rnti: uint32(i)}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("vector send: %v", err)
	}

	err = RecvVec(ctx, agent.Feature, func(v *Vector[cqiFeature]) error {
		if v.Len() != 5 {
			return fmt.Errorf("got %d elements, want 5", v.Len())
		}
		for i, e := range v.Slice() {
			if e.WbCqi != uint32(10+i) || e.Rnti != uint32(i) {
				return fmt.Errorf("element %d corrupted: %+v", i, e)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("vector recv: %v", err)
	}
}

func TestVectorVariableLength(t *testing.T) {
	cfg := memConfig(4)
	cfg.UseVector = true
	cfg.VectorCap = 8
	sim, agent := memPair(t, cfg)
	ctx := context.Background()

	lengths := []int{0, 8, 1, 3}
	for _, n := range lengths {
		if err := SendVec(ctx, sim.Feature, func(v *Vector[cqiFeature]) error {
			return v.Resize(n)
		}); err != nil {
			t.Fatalf("send %d elements: %v", n, err)
		}
	}
	for _, n := range lengths {
		if err := RecvVec(ctx, agent.Feature, func(v *Vector[cqiFeature]) error {
			if v.Len() != n {
				return fmt.Errorf("got %d elements, want %d", v.Len(), n)
			}
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStructBeginOnVectorChannel(t *testing.T) {
	cfg := memConfig(4)
	cfg.UseVector = true
	cfg.VectorCap = 4
	sim, agent := memPair(t, cfg)
	ctx := context.Background()

	if _, err := sim.Feature.Begin(ctx); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Begin on vector channel: got %v, want ErrProtocolViolation", err)
	}
	if _, err := agent.Feature.Begin(ctx); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("recv Begin on vector channel: got %v, want ErrProtocolViolation", err)
	}
}

func TestStressSPSC(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	sim, agent := memPair(t, memConfig(8))
	ctx := context.Background()

	const numMessages = 10000

	var wg sync.WaitGroup
	var producerErr, consumerErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numMessages; i++ {
			err := Send(ctx, sim.Feature, func(f *cqiFeature) error {
				f.WbCqi = uint32(i)
				f.Rnti = uint32(i) * 31
				f.SimTime = float64(i) * 0.0001
				return nil
			})
			if err != nil {
				producerErr = fmt.Errorf("send %d: %w", i, err)
				return
			}
		}
		sim.MarkFinished()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numMessages; i++ {
			err := Recv(ctx, agent.Feature, func(f *cqiFeature) error {
				if f.WbCqi != uint32(i) || f.Rnti != uint32(i)*31 {
					return fmt.Errorf("message %d corrupted: %+v", i, *f)
				}
				return nil
			})
			if err != nil {
				consumerErr = fmt.Errorf("recv %d: %w", i, err)
				return
			}
		}
		// After the producer finishes, the drained channel reports closed.
		err := Recv(ctx, agent.Feature, func(*cqiFeature) error { return nil })
		if !errors.Is(err, ErrChannelClosed) {
			consumerErr = fmt.Errorf("after drain: got %v, want ErrChannelClosed", err)
		}
	}()

	wg.Wait()
	if producerErr != nil {
		t.Fatal(producerErr)
	}
	if consumerErr != nil {
		t.Fatal(consumerErr)
	}
}

func TestVectorBeginOnStructChannel(t *testing.T) {
	sim, _ := memPair(t, memConfig(4))

	if _, err := sim.Feature.BeginVec(context.Background()); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("BeginVec on struct channel: got %v, want ErrProtocolViolation", err)
	}
}
