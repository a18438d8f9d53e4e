package command_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/fragmesh/stornode/internal/command"
	"github.com/fragmesh/stornode/internal/config"
	"github.com/fragmesh/stornode/internal/hash"
	"github.com/fragmesh/stornode/internal/logger"
	"github.com/fragmesh/stornode/internal/origin"
	"github.com/fragmesh/stornode/internal/signaling"
	"github.com/fragmesh/stornode/internal/storage"
	"github.com/fragmesh/stornode/internal/store"
)

type recordingBus struct {
	mu     sync.Mutex
	events []string
	bodies []any
}

func (b *recordingBus) Emit(event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.bodies = append(b.bodies, payload)
	return nil
}

func (b *recordingBus) payloads(event string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for i, e := range b.events {
		if e == event {
			out = append(out, b.bodies[i])
		}
	}
	return out
}

func newHandler(t *testing.T, root string, fetcher command.Fetcher) (*command.Handler, *recordingBus, *store.FragmentIndex) {
	t.Helper()
	log := logger.New()
	index := store.NewFragmentIndex(log)
	bus := &recordingBus{}
	h := command.New(command.Options{
		Index:   index,
		Probe:   storage.NewProbe(),
		Paths:   []config.StoragePath{{Path: root, Threshold: 100}},
		Fetcher: fetcher,
		Bus:     bus,
		Logger:  log,
	})
	return h, bus, index
}

func originServer(t *testing.T, body []byte, filename string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadCommand(t *testing.T) {
	body := []byte("fragment content for download")
	srv := originServer(t, body, "frag-42")

	root := t.TempDir()
	fetcher := origin.NewFetcher(origin.Options{NodeID: "n", Token: "t", Logger: logger.New()})
	h, bus, index := newHandler(t, root, fetcher)

	h.Handle(context.Background(), signaling.Command{Type: "download", URLs: []string{srv.URL}})

	dest := filepath.Join(root, config.RemoteDirName, "frag-42")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(got) != string(body) {
		t.Error("downloaded content mismatch")
	}

	if _, ok := index.Lookup("frag-42"); !ok {
		t.Error("fragment not registered in index")
	}

	verifies := bus.payloads(signaling.EventCommandVerify)
	if len(verifies) != 1 {
		t.Fatalf("expected one command_verify, got %d", len(verifies))
	}
	entries := verifies[0].([]signaling.HashEntry)
	if len(entries) != 1 || entries[0].FragmentID != "frag-42" {
		t.Fatalf("unexpected verify entries %+v", entries)
	}
	wantHash, _ := hash.HashFile(dest)
	if entries[0].Hash != wantHash {
		t.Errorf("verify hash %s, want %s", entries[0].Hash, wantHash)
	}

	if len(bus.payloads(signaling.EventCommandAck)) != 1 {
		t.Error("expected command ack")
	}
}

func TestDeleteCommand(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, config.RemoteDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "frag-1")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	h, bus, index := newHandler(t, root, nil)
	index.Add("frag-1", path)

	h.Handle(context.Background(), signaling.Command{Type: "delete", FragmentIDs: []string{"frag-1", "missing"}})

	if _, ok := index.Lookup("frag-1"); ok {
		t.Error("fragment still in index")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("fragment file still on disk")
	}
	if len(bus.payloads(signaling.EventCommandAck)) != 1 {
		t.Error("expected command ack despite missing id")
	}
}

// hugeFetcher claims a size no filesystem can hold.
type hugeFetcher struct{}

func (hugeFetcher) Head(context.Context, string) (origin.Meta, error) {
	return origin.Meta{Size: 1 << 62, Filename: "too-big"}, nil
}

func (hugeFetcher) Download(context.Context, string, string, int64) error {
	return nil
}

func TestDownloadRefusedWhenNoSpace(t *testing.T) {
	root := t.TempDir()
	h, bus, index := newHandler(t, root, hugeFetcher{})

	h.Handle(context.Background(), signaling.Command{Type: "download", URLs: []string{"http://origin/frag"}})

	if _, ok := index.Lookup("too-big"); ok {
		t.Error("oversized fragment must not be indexed")
	}
	if len(bus.payloads(signaling.EventCommandVerify)) != 0 {
		t.Error("expected no command_verify when every url fails")
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	h, bus, _ := newHandler(t, t.TempDir(), nil)

	h.Handle(context.Background(), signaling.Command{Type: "reboot"})

	if len(bus.events) != 0 {
		t.Errorf("unknown command must not be acked, got %v", bus.events)
	}
}
