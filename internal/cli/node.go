package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fragmesh/stornode/internal/command"
	"github.com/fragmesh/stornode/internal/config"
	"github.com/fragmesh/stornode/internal/device"
	"github.com/fragmesh/stornode/internal/hash"
	"github.com/fragmesh/stornode/internal/logger"
	"github.com/fragmesh/stornode/internal/origin"
	"github.com/fragmesh/stornode/internal/peer"
	"github.com/fragmesh/stornode/internal/signaling"
	"github.com/fragmesh/stornode/internal/storage"
	"github.com/fragmesh/stornode/internal/store"
)

const (
	signInTimeout        = 5 * time.Second
	deviceUpdateInterval = 5 * time.Second
	hashVerifyBatch      = 5
)

type node struct {
	cfg          *config.Config
	settingsPath string
	logger       *logrus.Logger

	probe     *storage.Probe
	index     *store.FragmentIndex
	meta      *store.MetaStore
	collector *device.Collector

	signal   *signaling.Client
	peers    *peer.Manager
	commands *command.Handler

	credsMu sync.Mutex
}

func runNode(ctx context.Context) error {
	log := logger.New()

	cfg, err := config.Load(settingsPath)
	if errors.Is(err, config.ErrCreated) {
		return fmt.Errorf("wrote default %s; fill in signaling servers and storage paths, then restart", settingsPath)
	}
	if err != nil {
		return err
	}

	probe := storage.NewProbe()
	if err := cfg.Validate(probe); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	db, err := store.OpenDB(dbPath)
	if err != nil {
		return err
	}
	meta := store.NewMetaStore(db)

	index := store.NewFragmentIndex(log)
	if err := index.Scan(cfg.RemoteDirs()); err != nil {
		return err
	}

	paths := make([]storage.Path, 0, len(cfg.Paths))
	for _, sp := range cfg.Paths {
		paths = append(paths, storage.Path{Path: sp.Path, Threshold: sp.Threshold})
	}

	n := &node{
		cfg:          cfg,
		settingsPath: settingsPath,
		logger:       log,
		probe:        probe,
		index:        index,
		meta:         meta,
		collector:    device.NewCollector(probe, paths),
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return n.run(runCtx)
}

func (n *node) run(ctx context.Context) error {
	n.signal = signaling.New(signaling.Options{
		Servers:   n.cfg.SignalingServers,
		Logger:    n.logger,
		OnConnect: n.onConnect,
	})

	n.peers = peer.NewManager(peer.Options{
		Index:  n.index,
		Meta:   n.meta,
		Bus:    n.signal,
		WebRTC: n.cfg.WebRTCConfiguration(),
		Logger: n.logger,
		LowMemory: func() bool {
			return device.LowMemory(peer.MinFreeRAMPct)
		},
	})

	n.commands = command.New(command.Options{
		Index:   n.index,
		Meta:    n.meta,
		Probe:   n.probe,
		Paths:   n.cfg.Paths,
		Fetcher: &nodeFetcher{n: n},
		Bus:     n.signal,
		Logger:  n.logger,
	})

	n.subscribe(ctx)

	go n.peers.Run(ctx)
	defer n.peers.CleanupAll()

	n.logger.Info("Node starting...")
	err := n.signal.Run(ctx)
	n.logger.Info("Node stopped")
	return err
}

func (n *node) subscribe(ctx context.Context) {
	n.signal.On(signaling.EventOffer, func(data json.RawMessage) {
		var sd signaling.SessionDescription
		if err := json.Unmarshal(data, &sd); err != nil {
			n.logger.Warnf("Bad offer payload: %v", err)
			return
		}
		n.peers.OnOffer(sd.From, sd.SDP)
	})

	n.signal.On(signaling.EventAnswer, func(data json.RawMessage) {
		var sd signaling.SessionDescription
		if err := json.Unmarshal(data, &sd); err != nil {
			n.logger.Warnf("Bad answer payload: %v", err)
			return
		}
		n.peers.OnAnswer(sd.From, sd.SDP)
	})

	n.signal.On(signaling.EventIceCandidate, func(data json.RawMessage) {
		var cand signaling.IceCandidate
		if err := json.Unmarshal(data, &cand); err != nil {
			n.logger.Warnf("Bad ice candidate payload: %v", err)
			return
		}
		n.peers.OnIceCandidate(cand.From, cand)
	})

	n.signal.On(signaling.EventCommand, func(data json.RawMessage) {
		var cmd signaling.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			n.logger.Warnf("Bad command payload: %v", err)
			return
		}
		go n.commands.Handle(ctx, cmd)
	})

	n.signal.On(signaling.EventClientRequestStats, func(json.RawMessage) {
		// An on-demand device update; the periodic loop covers the rest.
		n.emitDeviceUpdate()
	})
}

// onConnect runs after every (re)connect: authenticate, then start the
// periodic device updates and re-announce the fragment inventory.
func (n *node) onConnect(ctx context.Context) error {
	if err := n.authenticate(); err != nil {
		return err
	}

	go n.deviceUpdateLoop(ctx)
	go n.verifyInventory()
	return nil
}

func (n *node) authenticate() error {
	creds := n.credentials()

	if creds.ID == "" || creds.AuthToken == "" {
		ack, err := n.signal.EmitWithAck(signaling.EventSignUp, struct{}{}, signInTimeout)
		if err != nil {
			return fmt.Errorf("sign up failed: %w", err)
		}
		if !ack.Success {
			return fmt.Errorf("sign up rejected: %s", ack.Error)
		}

		var issued signaling.Credentials
		if err := json.Unmarshal(ack.Data, &issued); err != nil {
			return fmt.Errorf("bad sign up response: %w", err)
		}
		if issued.ID == "" || issued.AuthToken == "" {
			return fmt.Errorf("sign up returned empty credentials")
		}

		n.credsMu.Lock()
		n.cfg.Info = config.NodeInfo{ID: issued.ID, AuthToken: issued.AuthToken}
		saveErr := n.cfg.Save(n.settingsPath)
		n.credsMu.Unlock()
		if saveErr != nil {
			n.logger.Warnf("Failed to persist credentials: %v", saveErr)
		}
		n.logger.Infof("Signed up as node %s", issued.ID)
		return nil
	}

	ack, err := n.signal.EmitWithAck(signaling.EventSignIn, signaling.Credentials{
		ID:        creds.ID,
		AuthToken: creds.AuthToken,
	}, signInTimeout)
	if err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("sign in rejected: %s", ack.Error)
	}
	n.logger.Infof("Signed in as node %s", creds.ID)
	return nil
}

func (n *node) credentials() config.NodeInfo {
	n.credsMu.Lock()
	defer n.credsMu.Unlock()
	return n.cfg.Info
}

func (n *node) deviceUpdateLoop(ctx context.Context) {
	n.emitDeviceUpdate()

	ticker := time.NewTicker(deviceUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.emitDeviceUpdate()
		}
	}
}

func (n *node) emitDeviceUpdate() {
	payload := struct {
		ID string `json:"id"`
		device.Snapshot
	}{
		ID:       n.credentials().ID,
		Snapshot: n.collector.Snapshot(),
	}
	if err := n.signal.Emit(signaling.EventDeviceUpdate, payload); err != nil {
		n.logger.Debugf("Failed to emit device update: %v", err)
	}
}

// verifyInventory reports the startup fragment inventory: hash_empty when
// nothing is stored, otherwise the id/digest list in fixed-size batches.
func (n *node) verifyInventory() {
	ids := n.index.IDs()
	if len(ids) == 0 {
		if err := n.signal.Emit(signaling.EventHashEmpty, struct{}{}); err != nil {
			n.logger.Warnf("Failed to emit hash empty: %v", err)
		}
		return
	}
	sort.Strings(ids)

	entries := make([]signaling.HashEntry, 0, len(ids))
	for _, id := range ids {
		path, ok := n.index.Lookup(id)
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			n.logger.Warnf("Fragment %s vanished before verification: %v", id, err)
			continue
		}
		digest, err := n.meta.FragmentHash(id, path, info.Size(), info.ModTime().UnixNano(), hash.HashFile)
		if err != nil {
			n.logger.Warnf("Failed to hash fragment %s: %v", id, err)
			continue
		}
		entries = append(entries, signaling.HashEntry{FragmentID: id, Hash: digest})
	}

	for _, batch := range hashBatches(entries, hashVerifyBatch) {
		if err := n.signal.Emit(signaling.EventHashVerify, batch); err != nil {
			n.logger.Warnf("Failed to emit hash verify batch: %v", err)
		}
	}
}

// hashBatches splits the inventory into hash_verify payloads of at most
// batchSize entries. Index is the offset of the batch's first entry; Total
// is the number of batches.
func hashBatches(entries []signaling.HashEntry, batchSize int) []signaling.HashVerify {
	if batchSize <= 0 {
		batchSize = 1
	}
	total := (len(entries) + batchSize - 1) / batchSize

	var batches []signaling.HashVerify
	for i := 0; i < len(entries); i += batchSize {
		end := i + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, signaling.HashVerify{
			Index:     i,
			Total:     total,
			Resources: entries[i:end],
		})
	}
	return batches
}

// nodeFetcher builds an origin client with whatever credentials the node
// holds at call time; sign-up may rotate them after startup.
type nodeFetcher struct {
	n *node
}

func (f *nodeFetcher) client() *origin.Fetcher {
	creds := f.n.credentials()
	return origin.NewFetcher(origin.Options{
		NodeID: creds.ID,
		Token:  creds.AuthToken,
		Logger: f.n.logger,
	})
}

func (f *nodeFetcher) Head(ctx context.Context, url string) (origin.Meta, error) {
	return f.client().Head(ctx, url)
}

func (f *nodeFetcher) Download(ctx context.Context, url, destPath string, size int64) error {
	return f.client().Download(ctx, url, destPath, size)
}
