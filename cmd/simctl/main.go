// Command simctl runs a deterministic scenario to completion inside the
// Simulation Core and prints convergence statistics, an offline-process
// analogue of a live node's flag-parsing and bootstrap-order pattern,
// rewired around devices in one process instead of one libp2p host.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/hoshizora-labs/syncmesh/internal/config"
	"github.com/hoshizora-labs/syncmesh/internal/device"
	"github.com/hoshizora-labs/syncmesh/internal/identity"
	"github.com/hoshizora-labs/syncmesh/internal/logging"
	"github.com/hoshizora-labs/syncmesh/internal/model"
	"github.com/hoshizora-labs/syncmesh/internal/network"
	"github.com/hoshizora-labs/syncmesh/internal/simulation"
	"github.com/hoshizora-labs/syncmesh/internal/store"
	"github.com/hoshizora-labs/syncmesh/internal/syncengine"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Default()
	fs := flag.NewFlagSet("simctl", flag.ExitOnError)
	cfg.BindFlags(fs)

	var (
		seed            int64
		deviceCount     int
		durationMS      int64
		messagesPerHour float64
		packetLossRate  float64
		minLatencyMS    int64
		maxLatencyMS    int64
	)
	fs.Int64Var(&seed, "seed", 1, "PRNG seed, determines the entire run")
	fs.IntVar(&deviceCount, "devices", 5, "number of simulated devices")
	fs.Int64Var(&durationMS, "duration-ms", 120_000, "virtual milliseconds to simulate")
	fs.Float64Var(&messagesPerHour, "messages-per-hour", 60, "per-device message generation rate")
	fs.Float64Var(&packetLossRate, "packet-loss", 0.02, "simulated packet loss rate, 0-1")
	fs.Int64Var(&minLatencyMS, "min-latency-ms", 10, "simulated minimum link latency")
	fs.Int64Var(&maxLatencyMS, "sim-max-latency-ms", 150, "simulated maximum link latency")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("flag parse: %v", err)
	}

	logger, err := logging.Named(cfg.LogLevel, "simctl")
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	clock := &simulation.Clock{}
	rnd := simulation.NewRand(seed)
	sim := simulation.New(clock, rnd)

	simNet := network.NewSimNetwork(clock, rnd, network.SimConfig{
		PacketLossRate: packetLossRate,
		MinLatencyMS:   minLatencyMS,
		MaxLatencyMS:   maxLatencyMS,
		JitterMS:       float64(maxLatencyMS - minLatencyMS),
		MTUBytes:       1200,
	}, nil)
	sim.SetNetwork(simNet)

	communityKey := make([]byte, 32)
	if _, err := rand.Read(communityKey); err != nil {
		log.Fatalf("community key: %v", err)
	}

	devices := make([]*device.Device, 0, deviceCount)
	for i := 0; i < deviceCount; i++ {
		id := fmt.Sprintf("device-%02d", i)
		ident, err := identity.NewRandom()
		if err != nil {
			log.Fatalf("identity for %s: %v", id, err)
		}
		st, err := store.Open(":memory:")
		if err != nil {
			log.Fatalf("store for %s: %v", id, err)
		}
		d, err := device.Open(device.Config{
			DeviceID:     id,
			Identity:     ident,
			CommunityKey: communityKey,
			Store:        st,
			Net:          simNet,
			Clock:        clock,
			SyncConfig: syncengine.Config{
				SummaryPeriodBase: cfg.SummaryPeriod.Milliseconds(),
				BackoffCap:        cfg.BackoffCap,
				BatchMax:          cfg.BatchMax,
				BloomWindow:       cfg.BloomWindow,
				MaxLatencyMS:      cfg.MaxLatencyMS,
			},
			Log: logger,
		})
		if err != nil {
			log.Fatalf("open device %s: %v", id, err)
		}
		simNet.SetOnline(id, true)
		devices = append(devices, d)
		sim.RegisterDeviceStep(id, cfg.SyncInterval.Milliseconds(), d.Step)
	}

	// full mesh of trust: every device admits every other's key, since
	// out-of-band community membership stands in for per-pair key exchange.
	for _, a := range devices {
		for _, b := range devices {
			if a == b {
				continue
			}
			a.TrustPeer(b.ID(), b.PublicKey())
		}
	}

	for _, d := range devices {
		sim.AddGenerator(d.ID(), messagesPerHour, 10)
	}
	sim.OnCreateMessage(func(deviceID string, attachment bool) {
		for _, d := range devices {
			if d.ID() == deviceID {
				_, err := d.Author(model.Plaintext{Kind: model.KindMessage, Message: &model.Message{Text: "generated"}})
				if err != nil {
					logger.Warn("author failed", zap.Error(err))
				}
				return
			}
		}
	})

	const tickMS = 50
	for t := int64(0); t < durationMS; t += tickMS {
		sim.Tick(tickMS)
	}

	printConvergence(devices)
}

func printConvergence(devices []*device.Device) {
	counts := make(map[string]int)
	for _, d := range devices {
		counts[d.ID()] = len(d.Query(nil))
	}
	fmt.Println("device_id\tevent_count")
	for _, d := range devices {
		fmt.Printf("%s\t%d\n", d.ID(), counts[d.ID()])
	}
}
