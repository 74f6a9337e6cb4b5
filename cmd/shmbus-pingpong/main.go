/*
 *
 * Copyright 2026 shmbus authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// shmbus-pingpong exchanges a channel quality report for a predicted one
// across a shared memory channel, the smallest realistic simulator/agent
// round trip.
//
// Run both halves in one process:
//
//	shmbus-pingpong -role both
//
// Or as two cooperating processes, in either start order:
//
//	shmbus-pingpong -role sim &
//	shmbus-pingpong -role agent
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shmbus/shmbus/msgif"
)

// CqiFeature is what the simulator reports each cycle.
type CqiFeature struct {
	WbCqi   uint32
	Rnti    uint32
	SimTime float64
}

// CqiAction is the agent's prediction for the next cycle.
type CqiAction struct {
	NewWbCqi uint32
	Pad      uint32
}

var (
	featCodec = msgif.MustPlain[CqiFeature](1)
	actCodec  = msgif.MustPlain[CqiAction](1)
)

func main() {
	role := flag.String("role", "both", "sim, agent, or both")
	configPath := flag.String("config", "", "optional TOML config file")
	flag.Parse()

	// A .env next to the binary seeds the SHMBUS_* overrides.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *role {
	case "both":
		err = runBoth(ctx, cfg)
	case "sim":
		err = runSimulator(ctx, cfg)
	case "agent":
		err = runAgent(ctx, cfg)
	default:
		log.Fatalf("unknown role %q", *role)
	}
	if err != nil {
		log.Fatalf("%s: %v", *role, err)
	}
	log.Printf("%s done", *role)
}

// channelConfig builds the two-process configuration. The lock file
// arbitrates creation, so either role may start first; the simulator owns
// the segment name and removes it on exit.
func channelConfig(cfg demoConfig, side msgif.Side) msgif.Config {
	return msgif.Config{
		Side:          side,
		CreateSegment: side == msgif.SideSimulator,
		OwnSegment:    side == msgif.SideSimulator,
		Capacity:      cfg.Capacity,
		SegmentName:   cfg.SegmentName,
		LockName:      cfg.LockName,
		Backing:       msgif.SharedBacking,
		UseVector:     cfg.UseVector,
		VectorCap:     cfg.VectorCap,
	}
}

func runBoth(ctx context.Context, cfg demoConfig) error {
	pair := msgif.Config{
		Side:          msgif.SideSimulator,
		CreateSegment: true,
		Capacity:      cfg.Capacity,
		Backing:       msgif.MemoryBacking,
	}
	sim, agent, err := msgif.OpenPair(pair, featCodec, actCodec)
	if err != nil {
		return err
	}
	defer sim.Close()
	defer agent.Close()

	done := make(chan error, 1)
	go func() {
		done <- agentLoop(ctx, agent)
	}()

	if err := simulatorLoop(ctx, sim, cfg.Rounds); err != nil {
		<-done
		return err
	}
	return <-done
}

func runSimulator(ctx context.Context, cfg demoConfig) error {
	cc := channelConfig(cfg, msgif.SideSimulator)
	sim, err := msgif.OpenSimulator(cc, featCodec, actCodec)
	if err != nil {
		return err
	}
	defer sim.Close()

	log.Printf("simulator: segment %q up, waiting for agent", cc.SegmentName)
	if err := sim.WaitPeer(ctx); err != nil {
		return err
	}
	return simulatorLoop(ctx, sim, cfg.Rounds)
}

func runAgent(ctx context.Context, cfg demoConfig) error {
	cc := channelConfig(cfg, msgif.SideAgent)
	agent, err := msgif.OpenAgent(cc, featCodec, actCodec)
	if err != nil {
		return err
	}
	defer agent.Close()

	log.Printf("agent: attached to segment %q", cc.SegmentName)
	if err := agent.WaitPeer(ctx); err != nil {
		return err
	}
	return agentLoop(ctx, agent)
}

// simulatorLoop emits a synthetic CQI trace, reads back each prediction,
// and marks the channel finished when the trace ends.
func simulatorLoop(ctx context.Context, sim *msgif.SimulatorEnd[CqiFeature, CqiAction], rounds int) error {
	defer sim.MarkFinished()

	for i := 0; i < rounds; i++ {
		cqi := uint32(i % 16)
		err := msgif.Send(ctx, sim.Feature, func(f *CqiFeature) error {
			f.WbCqi = cqi
			f.Rnti = 1
			f.SimTime = float64(i) * 0.001
			return nil
		})
		if err != nil {
			return fmt.Errorf("round %d send: %w", i, err)
		}

		var predicted uint32
		err = msgif.Recv(ctx, sim.Action, func(a *CqiAction) error {
			predicted = a.NewWbCqi
			return nil
		})
		if err != nil {
			return fmt.Errorf("round %d recv: %w", i, err)
		}

		if i%10 == 0 {
			log.Printf("simulator: round %d sent cqi=%d predicted=%d", i, cqi, predicted)
		}
	}
	return nil
}

// agentLoop answers every report with a trivial last-value prediction until
// the simulator finishes the channel.
func agentLoop(ctx context.Context, agent *msgif.AgentEnd[CqiFeature, CqiAction]) error {
	var last uint32
	for n := 0; ; n++ {
		err := msgif.Recv(ctx, agent.Feature, func(f *CqiFeature) error {
			last = f.WbCqi
			return nil
		})
		if errors.Is(err, msgif.ErrChannelClosed) {
			log.Printf("agent: channel finished after %d reports", n)
			return nil
		}
		if err != nil {
			return fmt.Errorf("report %d recv: %w", n, err)
		}

		err = msgif.Send(ctx, agent.Action, func(a *CqiAction) error {
			a.NewWbCqi = last
			return nil
		})
		if errors.Is(err, msgif.ErrChannelClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("report %d send: %w", n, err)
		}
	}
}
