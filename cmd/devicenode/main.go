// Command devicenode runs one live syncmesh device as an OS process over
// the libp2p transport: parse flags, load or create identity, start the
// transport, start the device, block until interrupted (SIGINT/SIGTERM).
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hoshizora-labs/syncmesh/internal/config"
	"github.com/hoshizora-labs/syncmesh/internal/device"
	"github.com/hoshizora-labs/syncmesh/internal/identity"
	"github.com/hoshizora-labs/syncmesh/internal/logging"
	"github.com/hoshizora-labs/syncmesh/internal/metrics"
	"github.com/hoshizora-labs/syncmesh/internal/store"
	"github.com/hoshizora-labs/syncmesh/internal/syncengine"
	live "github.com/hoshizora-labs/syncmesh/internal/transport/live"
)

func main() {
	cfg := config.Default()
	fs := flag.NewFlagSet("devicenode", flag.ExitOnError)
	cfg.BindFlags(fs)

	var (
		keystorePath string
		keystorePass string
	)
	fs.StringVar(&keystorePath, "keystore", "device.keystore", "path to the passphrase-locked keystore")
	fs.StringVar(&keystorePass, "keystore-pass", "", "keystore passphrase (or set SYNCMESH_KEYSTORE_PASS)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("flag parse: %v", err)
	}

	logger, err := logging.Named(cfg.LogLevel, "devicenode")
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	if keystorePass == "" {
		keystorePass = os.Getenv("SYNCMESH_KEYSTORE_PASS")
	}
	if keystorePass == "" {
		log.Fatalf("keystore passphrase missing: supply -keystore-pass or SYNCMESH_KEYSTORE_PASS")
	}
	if cfg.CommunityKey == "" {
		log.Fatalf("-community-key is required")
	}
	communityKey, err := base64.StdEncoding.DecodeString(cfg.CommunityKey)
	if err != nil || len(communityKey) != 32 {
		log.Fatalf("-community-key must be 32 bytes, base64-encoded")
	}

	ident, err := loadOrCreateIdentity(keystorePath, []byte(keystorePass))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = ident.NodeID
	}
	logger.Info("starting device", zap.String("device_id", cfg.DeviceID), zap.String("node_id", ident.NodeID))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := metrics.New()
	reg.Serve(cfg.MetricsAddr)
	defer reg.Close(context.Background())

	libKey, err := live.LibP2PKey(ident.Priv)
	if err != nil {
		log.Fatalf("libp2p identity: %v", err)
	}
	net, err := live.New(ctx, libKey, live.Config{ListenPort: cfg.ListenPort, MdnsTag: cfg.MdnsTag, MTUBytes: 1200}, logger, reg.Registry)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	for _, addr := range net.Host().Addrs() {
		logger.Info("listening", zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, net.Host().ID())))
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	dev, err := device.Open(device.Config{
		DeviceID:     cfg.DeviceID,
		Identity:     ident,
		CommunityKey: communityKey,
		Store:        st,
		Net:          net,
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
		log.Fatalf("device: %v", err)
	}

	go func() {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dev.Step(time.Now().UnixMilli())
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
}

func loadOrCreateIdentity(path string, pass []byte) (identity.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.LoadKeystore(path, pass)
	}
	ident, err := identity.NewRandom()
	if err != nil {
		return identity.Identity{}, err
	}
	if err := identity.SaveKeystore(path, pass, ident.Priv); err != nil {
		return identity.Identity{}, err
	}
	return ident, nil
}
