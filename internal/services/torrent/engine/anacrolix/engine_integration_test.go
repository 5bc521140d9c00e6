package anacrolix

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"torrentdesk/internal/domain"
)

// buildTestTorrent writes a two-file payload and returns its metainfo bytes.
func buildTestTorrent(t *testing.T) ([]byte, domain.InfoHash) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "payload")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, size := range map[string]int{"a.bin": 40 << 10, "b.bin": 20 << 10} {
		if err := os.WriteFile(filepath.Join(root, name), bytes.Repeat([]byte{'x'}, size), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	info := metainfo.Info{PieceLength: 16 << 10}
	if err := info.BuildFromFilePath(root); err != nil {
		t.Fatalf("build info: %v", err)
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	mi := metainfo.MetaInfo{InfoBytes: infoBytes, Announce: "udp://tracker.example:6969/announce"}
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		t.Fatalf("write metainfo: %v", err)
	}
	return buf.Bytes(), domain.InfoHash(mi.HashInfoBytes().HexString())
}

func newOfflineEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{
		DataDir:         t.TempDir(),
		ListenPort:      0,
		NoDHT:           true,
		DisableTrackers: true,
		PollInterval:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitEvent(t *testing.T, e *Engine, h domain.Handle, kind domain.EventKind) domain.EngineEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Handle == h && ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestEngineLifecycleOffline(t *testing.T) {
	raw, hash := buildTestTorrent(t)
	e := newOfflineEngine(t)
	ctx := context.Background()
	savePath := t.TempDir()

	src := domain.Source{Kind: domain.SourceTorrentFile, InfoHash: hash, Metainfo: raw}
	h, err := e.AddTorrent(ctx, src, savePath, []domain.FilePriority{domain.PriorityNormal, domain.PrioritySkip})
	if err != nil {
		t.Fatalf("AddTorrent: %v", err)
	}
	if h != hash {
		t.Fatalf("handle = %s, want %s", h, hash)
	}

	ev := waitEvent(t, e, h, domain.EventMetadataReady)
	meta, ok := ev.Payload.(domain.MetadataPayload)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if meta.Name != "payload" || meta.TotalBytes != 60<<10 || len(meta.Files) != 2 {
		t.Fatalf("metadata = %+v", meta)
	}
	if len(meta.Metainfo) == 0 {
		t.Fatalf("expected metainfo bytes in payload")
	}
	if meta.Files[1].Priority != domain.PrioritySkip {
		t.Fatalf("file 1 priority = %q, want skip", meta.Files[1].Priority)
	}

	st, err := e.StatusSnapshot(ctx, h)
	if err != nil {
		t.Fatalf("StatusSnapshot: %v", err)
	}
	if !st.HasMetadata || st.TotalBytes != 60<<10 || len(st.FileBytes) != 2 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Trackers) != 1 || st.Trackers[0].URL != "udp://tracker.example:6969/announce" || st.Trackers[0].Status != domain.TrackerUnknown {
		t.Fatalf("trackers = %+v", st.Trackers)
	}

	if err := e.Pause(ctx, h); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st, _ := e.StatusSnapshot(ctx, h); !st.Paused {
		t.Fatalf("expected paused status")
	}
	if err := e.Resume(ctx, h); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := e.SetFilePriority(ctx, h, 1, domain.PriorityHigh); err != nil {
		t.Fatalf("SetFilePriority: %v", err)
	}
	if err := e.SetFilePriority(ctx, h, 7, domain.PriorityHigh); err == nil {
		t.Fatalf("expected out of range error")
	}
	if err := e.SetTorrentLimits(ctx, h, 100, 50); err != nil {
		t.Fatalf("SetTorrentLimits: %v", err)
	}
	if err := e.SetGlobalLimits(ctx, 500, 0); err != nil {
		t.Fatalf("SetGlobalLimits: %v", err)
	}

	// Re-adding an attached infohash returns the same handle.
	again, err := e.AddTorrent(ctx, src, savePath, nil)
	if err != nil || again != h {
		t.Fatalf("re-add = %s, %v", again, err)
	}

	if err := e.RemoveTorrent(ctx, h, true); err != nil {
		t.Fatalf("RemoveTorrent: %v", err)
	}
	waitEvent(t, e, h, domain.EventDetached)
	if _, err := e.StatusSnapshot(ctx, h); err == nil {
		t.Fatalf("expected not found after remove")
	}
}

func TestEngineSeqContinuesAcrossReattach(t *testing.T) {
	raw, hash := buildTestTorrent(t)
	e := newOfflineEngine(t)
	ctx := context.Background()
	src := domain.Source{Kind: domain.SourceTorrentFile, InfoHash: hash, Metainfo: raw}

	if _, err := e.AddTorrent(ctx, src, t.TempDir(), nil); err != nil {
		t.Fatalf("AddTorrent: %v", err)
	}
	waitEvent(t, e, hash, domain.EventMetadataReady)
	if err := e.RemoveTorrent(ctx, hash, false); err != nil {
		t.Fatalf("RemoveTorrent: %v", err)
	}
	detached := waitEvent(t, e, hash, domain.EventDetached)

	if _, err := e.AddTorrent(ctx, src, t.TempDir(), nil); err != nil {
		t.Fatalf("second AddTorrent: %v", err)
	}
	meta := waitEvent(t, e, hash, domain.EventMetadataReady)
	if meta.Seq <= detached.Seq {
		t.Fatalf("seq went backwards: %d after %d", meta.Seq, detached.Seq)
	}
}

func TestEngineInfoCheckFailureDetachesForRetry(t *testing.T) {
	raw, hash := buildTestTorrent(t)
	e := newOfflineEngine(t)
	ctx := context.Background()
	savePath := filepath.Join(t.TempDir(), "not-yet-created")

	src := domain.Source{Kind: domain.SourceTorrentFile, InfoHash: hash, Metainfo: raw}
	h, err := e.AddTorrent(ctx, src, savePath, nil)
	if err != nil {
		t.Fatalf("AddTorrent: %v", err)
	}
	ev := waitEvent(t, e, h, domain.EventError)
	if p, ok := ev.Payload.(domain.ErrorPayload); !ok || p.Message == "" {
		t.Fatalf("error payload = %#v", ev.Payload)
	}
	waitEvent(t, e, h, domain.EventDetached)
	if _, err := e.StatusSnapshot(ctx, h); err == nil {
		t.Fatalf("expected attachment gone after failed path check")
	}

	if err := os.MkdirAll(savePath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := e.AddTorrent(ctx, src, savePath, nil); err != nil {
		t.Fatalf("retry AddTorrent: %v", err)
	}
	waitEvent(t, e, h, domain.EventMetadataReady)
}
