// Package config loads and persists the node settings file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pion/webrtc/v3"
)

const (
	// FileName is the settings file expected at the working directory root.
	FileName = "node-settings.json"
	// RemoteDirName is the subdirectory under each storage path that holds
	// the fragments on that volume.
	RemoteDirName = "p2p-node-remote"
)

// ErrCreated signals that no settings file existed and a default one was
// written; the operator must fill it in before the node can run.
var ErrCreated = errors.New("settings file created, configuration required")

type Config struct {
	SignalingServers []string      `json:"signaling_servers"`
	WebRTC           WebRTCConfig  `json:"webrtc"`
	Info             NodeInfo      `json:"info"`
	Paths            []StoragePath `json:"paths"`
}

type WebRTCConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
}

type ICEServer struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// URLList accepts either a single string or a list of strings, the two forms
// the settings schema allows for ICE server urls.
type URLList []string

func (u *URLList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = URLList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings")
	}
	*u = URLList(many)
	return nil
}

type NodeInfo struct {
	ID        string `json:"id"`
	AuthToken string `json:"auth_token"`
}

type StoragePath struct {
	Path      string `json:"path"`
	Threshold int    `json:"threshold"`
}

func Default() *Config {
	return &Config{
		SignalingServers: []string{"http://localhost:3000"},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServer{
				{URLs: URLList{"stun:stun.l.google.com:19302"}},
			},
		},
		Paths: []StoragePath{},
	}
}

// Load reads the settings file at path. When the file does not exist, a
// default one is written and ErrCreated is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if saveErr := Default().Save(path); saveErr != nil {
			return nil, fmt.Errorf("failed to write default settings: %w", saveErr)
		}
		return nil, ErrCreated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// MountChecker is the part of the filesystem probe validation needs.
type MountChecker interface {
	DistinctMounts(paths []string) error
}

func (c *Config) Validate(mounts MountChecker) error {
	if len(c.SignalingServers) == 0 {
		return fmt.Errorf("no signaling servers configured")
	}
	if len(c.Paths) == 0 {
		return fmt.Errorf("no storage paths configured")
	}

	raw := make([]string, 0, len(c.Paths))
	for _, sp := range c.Paths {
		if !filepath.IsAbs(sp.Path) {
			return fmt.Errorf("storage path %q is not absolute", sp.Path)
		}
		if sp.Threshold < 0 || sp.Threshold > 100 {
			return fmt.Errorf("storage path %q threshold %d out of range [0,100]", sp.Path, sp.Threshold)
		}
		raw = append(raw, sp.Path)
	}
	return mounts.DistinctMounts(raw)
}

// RemoteDirs returns the fragment directory under each storage path.
func (c *Config) RemoteDirs() []string {
	dirs := make([]string, 0, len(c.Paths))
	for _, sp := range c.Paths {
		dirs = append(dirs, filepath.Join(sp.Path, RemoteDirName))
	}
	return dirs
}

// WebRTCConfiguration translates the settings into a pion configuration.
func (c *Config) WebRTCConfiguration() webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, len(c.WebRTC.ICEServers))
	for _, s := range c.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: []string(s.URLs)}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		iceServers = append(iceServers, server)
	}
	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}
