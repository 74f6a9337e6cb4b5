//go:build linux && (amd64 || arm64)

package msgif

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shmbus/shmbus/internal/shm"
)

func sharedConfigs(name string, capacity uint32) (creator, attacher Config) {
	creator = Config{
		Side:          SideSimulator,
		CreateSegment: true,
		OwnSegment:    true,
		Capacity:      capacity,
		SegmentName:   name,
		Backing:       SharedBacking,
	}
	attacher = Config{
		Side:        SideAgent,
		Capacity:    capacity,
		SegmentName: name,
		Backing:     SharedBacking,
	}
	return creator, attacher
}

func TestSharedCreateAttachExchange(t *testing.T) {
	name := uniqueSegName("shared-exchange")
	creatorCfg, attacherCfg := sharedConfigs(name, 4)

	sim, err := OpenSimulator(creatorCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator failed: %v", err)
	}
	defer sim.Close()

	agent, err := OpenAgent(attacherCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenAgent failed: %v", err)
	}
	defer agent.Close()

	ctx := context.Background()
	if err := Send(ctx, sim.Feature, func(f *cqiFeature) error {
		f.WbCqi = 11
		return nil
	}); err != nil {
		t.Fatalf("send over shared segment: %v", err)
	}
	if err := Recv(ctx, agent.Feature, func(f *cqiFeature) error {
		if f.WbCqi != 11 {
			t.Errorf("got WbCqi %d, want 11", f.WbCqi)
		}
		return nil
	}); err != nil {
		t.Fatalf("recv over shared segment: %v", err)
	}

	if err := Send(ctx, agent.Action, func(a *cqiAction) error {
		a.NewWbCqi = 12
		return nil
	}); err != nil {
		t.Fatalf("action send: %v", err)
	}
	if err := Recv(ctx, sim.Action, func(a *cqiAction) error {
		if a.NewWbCqi != 12 {
			t.Errorf("got NewWbCqi %d, want 12", a.NewWbCqi)
		}
		return nil
	}); err != nil {
		t.Fatalf("action recv: %v", err)
	}
}

func TestSharedWaitPeer(t *testing.T) {
	name := uniqueSegName("shared-waitpeer")
	creatorCfg, attacherCfg := sharedConfigs(name, 4)

	sim, err := OpenSimulator(creatorCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator failed: %v", err)
	}
	defer sim.Close()

	agentReady := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		agent, err := OpenAgent(attacherCfg, featCodec, actCodec)
		if err != nil {
			agentReady <- err
			return
		}
		defer agent.Close()
		agentReady <- agent.WaitPeer(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sim.WaitPeer(ctx); err != nil {
		t.Fatalf("creator WaitPeer failed: %v", err)
	}
	if err := <-agentReady; err != nil {
		t.Fatalf("agent side failed: %v", err)
	}
}

func TestSharedNameCollision(t *testing.T) {
	name := uniqueSegName("shared-collision")
	creatorCfg, _ := sharedConfigs(name, 4)

	sim, err := OpenSimulator(creatorCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator failed: %v", err)
	}
	defer sim.Close()

	if _, err := OpenSimulator(creatorCfg, featCodec, actCodec); !errors.Is(err, ErrNameCollision) {
		t.Fatalf("second creator: got %v, want ErrNameCollision", err)
	}
}

func TestSharedAttachNotFound(t *testing.T) {
	_, attacherCfg := sharedConfigs(uniqueSegName("shared-missing"), 4)

	if _, err := OpenAgent(attacherCfg, featCodec, actCodec); !errors.Is(err, ErrNotFound) {
		t.Fatalf("attach to missing segment: got %v, want ErrNotFound", err)
	}
}

func TestSharedSchemaMismatch(t *testing.T) {
	name := uniqueSegName("shared-schema")
	creatorCfg, attacherCfg := sharedConfigs(name, 4)

	sim, err := OpenSimulator(creatorCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator failed: %v", err)
	}
	defer sim.Close()

	// Same shape, bumped schema version.
	staleAct := MustPlain[cqiAction](2)
	if _, err := OpenAgent(attacherCfg, featCodec, staleAct); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("version skew attach: got %v, want ErrSchemaMismatch", err)
	}

	// Same version, different width.
	type wideFeature struct {
		WbCqi   uint32
		Rnti    uint32
		SimTime float64
		Extra   [8]uint64
	}
	wide := MustPlain[wideFeature](1)
	if _, err := OpenAgent(attacherCfg, wide, actCodec); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("width skew attach: got %v, want ErrSchemaMismatch", err)
	}
}

func TestSharedCapacityMismatch(t *testing.T) {
	name := uniqueSegName("shared-capacity")
	creatorCfg, attacherCfg := sharedConfigs(name, 4)

	sim, err := OpenSimulator(creatorCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator failed: %v", err)
	}
	defer sim.Close()

	attacherCfg.Capacity = 8
	if _, err := OpenAgent(attacherCfg, featCodec, actCodec); !errors.Is(err, shm.ErrBadSegment) {
		t.Fatalf("capacity skew attach: got %v, want ErrBadSegment", err)
	}
}

func TestSharedDuplicateRole(t *testing.T) {
	name := uniqueSegName("shared-duprole")
	creatorCfg, attacherCfg := sharedConfigs(name, 4)

	sim, err := OpenSimulator(creatorCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator failed: %v", err)
	}
	defer sim.Close()

	agent, err := OpenAgent(attacherCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenAgent failed: %v", err)
	}
	defer agent.Close()

	// Each direction supports exactly one writer and one reader.
	if _, err := OpenAgent(attacherCfg, featCodec, actCodec); !errors.Is(err, ErrConcurrencyViolation) {
		t.Fatalf("second agent: got %v, want ErrConcurrencyViolation", err)
	}
}

func TestSharedOwnerUnlinksOnClose(t *testing.T) {
	name := uniqueSegName("shared-unlink")
	creatorCfg, attacherCfg := sharedConfigs(name, 4)

	sim, err := OpenSimulator(creatorCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator failed: %v", err)
	}
	agent, err := OpenAgent(attacherCfg, featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenAgent failed: %v", err)
	}

	// The non-owner closing first must leave the name alive.
	if err := agent.Close(); err != nil {
		t.Fatalf("agent close: %v", err)
	}
	if !shm.Exists(name) {
		t.Fatal("non-owner close unlinked the segment")
	}

	if err := sim.Close(); err != nil {
		t.Fatalf("sim close: %v", err)
	}
	if shm.Exists(name) {
		t.Fatal("owner close left the segment behind")
	}
}

func TestSharedLockArbitration(t *testing.T) {
	name := uniqueSegName("shared-lock")
	lock := name + "-lock"

	mk := func(side Side) Config {
		return Config{
			Side:          side,
			CreateSegment: side == SideSimulator,
			OwnSegment:    side == SideSimulator,
			Capacity:      4,
			SegmentName:   name,
			LockName:      lock,
			Backing:       SharedBacking,
		}
	}

	// With a lock name, both ends use attach-or-create and either start
	// order works. Open the attacher-preferring end first.
	agent, err := OpenAgent(mk(SideAgent), featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenAgent via lock failed: %v", err)
	}
	defer agent.Close()

	sim, err := OpenSimulator(mk(SideSimulator), featCodec, actCodec)
	if err != nil {
		t.Fatalf("OpenSimulator via lock failed: %v", err)
	}
	defer sim.Close()

	ctx := context.Background()
	if err := Send(ctx, sim.Feature, func(f *cqiFeature) error {
		f.WbCqi = 3
		return nil
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := Recv(ctx, agent.Feature, func(f *cqiFeature) error {
		if f.WbCqi != 3 {
			t.Errorf("got WbCqi %d, want 3", f.WbCqi)
		}
		return nil
	}); err != nil {
		t.Fatalf("recv: %v", err)
	}
}
