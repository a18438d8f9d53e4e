package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeMounts struct{ err error }

func (f fakeMounts) DistinctMounts([]string) error { return f.err }

func TestLoadMissingCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	_, err := Load(path)
	if !errors.Is(err, ErrCreated) {
		t.Fatalf("expected ErrCreated, got %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected default settings file to exist: %v", err)
	}

	// Second load succeeds with the written defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if len(cfg.SignalingServers) == 0 {
		t.Error("expected default signaling servers")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg := &Config{
		SignalingServers: []string{"http://signal-1:3000", "http://signal-2:3000"},
		Info:             NodeInfo{ID: "node-1", AuthToken: "secret"},
		Paths:            []StoragePath{{Path: "/mnt/a", Threshold: 80}},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Info.ID != "node-1" || loaded.Info.AuthToken != "secret" {
		t.Errorf("credentials not preserved: %+v", loaded.Info)
	}
	if len(loaded.Paths) != 1 || loaded.Paths[0].Threshold != 80 {
		t.Errorf("paths not preserved: %+v", loaded.Paths)
	}
}

func TestURLListAcceptsStringOrList(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	raw := `{
		"signaling_servers": ["http://s:1"],
		"webrtc": {"iceServers": [
			{"urls": "stun:one:3478"},
			{"urls": ["stun:two:3478", "stun:three:3478"], "username": "u", "credential": "c"}
		]},
		"info": {"id": "", "auth_token": ""},
		"paths": []
	}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.WebRTC.ICEServers) != 2 {
		t.Fatalf("expected 2 ice servers, got %d", len(cfg.WebRTC.ICEServers))
	}
	if len(cfg.WebRTC.ICEServers[0].URLs) != 1 {
		t.Errorf("expected single url, got %v", cfg.WebRTC.ICEServers[0].URLs)
	}
	if len(cfg.WebRTC.ICEServers[1].URLs) != 2 {
		t.Errorf("expected two urls, got %v", cfg.WebRTC.ICEServers[1].URLs)
	}

	rtc := cfg.WebRTCConfiguration()
	if len(rtc.ICEServers) != 2 {
		t.Fatalf("expected 2 pion ice servers, got %d", len(rtc.ICEServers))
	}
	if rtc.ICEServers[1].Username != "u" {
		t.Errorf("expected username carried over")
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		SignalingServers: []string{"http://s:1"},
		Paths:            []StoragePath{{Path: "/mnt/a", Threshold: 50}},
	}

	if err := base.Validate(fakeMounts{}); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	noServers := base
	noServers.SignalingServers = nil
	if err := noServers.Validate(fakeMounts{}); err == nil {
		t.Error("expected error for missing signaling servers")
	}

	relative := base
	relative.Paths = []StoragePath{{Path: "mnt/a", Threshold: 50}}
	if err := relative.Validate(fakeMounts{}); err == nil {
		t.Error("expected error for relative path")
	}

	badThreshold := base
	badThreshold.Paths = []StoragePath{{Path: "/mnt/a", Threshold: 101}}
	if err := badThreshold.Validate(fakeMounts{}); err == nil {
		t.Error("expected error for threshold out of range")
	}

	collision := base
	if err := collision.Validate(fakeMounts{err: errors.New("shared mount")}); err == nil {
		t.Error("expected mount collision to propagate")
	}
}

func TestRemoteDirs(t *testing.T) {
	cfg := Config{Paths: []StoragePath{{Path: "/mnt/a"}, {Path: "/mnt/b"}}}
	dirs := cfg.RemoteDirs()
	if len(dirs) != 2 {
		t.Fatalf("expected 2 dirs, got %d", len(dirs))
	}
	if dirs[0] != "/mnt/a/p2p-node-remote" {
		t.Errorf("unexpected remote dir %s", dirs[0])
	}
}
