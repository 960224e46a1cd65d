package artifact

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/events"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func countingServer(t *testing.T, body []byte) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestResolve_FullPathWinsAndRemoteNeverCalled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.png")
	if err := os.WriteFile(path, pngBytes(t, 8, 8), 0600); err != nil {
		t.Fatal(err)
	}
	srv, hits := countingServer(t, pngBytes(t, 4, 4))

	r := NewResolver(Config{SnapshotDir: dir})
	a, err := r.Resolve(context.Background(), events.SnapshotRef{
		FullPathHint: path,
		RelativeHint: "snap.png",
		RemoteURL:    srv.URL + "/snap.png",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Source != SourceFullPath {
		t.Errorf("source = %q, want %q", a.Source, SourceFullPath)
	}
	if a.MimeType != "image/png" {
		t.Errorf("mime = %q", a.MimeType)
	}
	if atomic.LoadInt32(hits) != 0 {
		t.Errorf("remote fetched %d times, want 0", *hits)
	}
}

func TestResolve_FallsBackToRelative(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cam1_001.png"), pngBytes(t, 8, 8), 0600); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(Config{SnapshotDir: dir})
	a, err := r.Resolve(context.Background(), events.SnapshotRef{
		FullPathHint: filepath.Join(dir, "missing.png"),
		RelativeHint: "cam1_001.png",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Source != SourceRelative {
		t.Errorf("source = %q", a.Source)
	}
}

func TestResolve_RelativeConfinedToSnapshotDir(t *testing.T) {
	root := t.TempDir()
	snapDir := filepath.Join(root, "snaps")
	if err := os.MkdirAll(snapDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.png"), pngBytes(t, 2, 2), 0600); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(Config{SnapshotDir: snapDir})
	if _, err := r.Resolve(context.Background(), events.SnapshotRef{RelativeHint: "../secret.png"}); err == nil {
		t.Fatal("relative hint escaped snapshot dir")
	}
}

func TestResolve_FallsBackToRemote(t *testing.T) {
	srv, hits := countingServer(t, pngBytes(t, 4, 4))
	r := NewResolver(Config{})
	a, err := r.Resolve(context.Background(), events.SnapshotRef{
		FullPathHint: "/definitely/not/here.png",
		RemoteURL:    srv.URL + "/x.png",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Source != SourceRemote || atomic.LoadInt32(hits) != 1 {
		t.Errorf("source = %q hits = %d", a.Source, *hits)
	}
}

func TestResolve_RemoteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewResolver(Config{FetchTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := r.Resolve(context.Background(), events.SnapshotRef{RemoteURL: srv.URL})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not bounded: %v", time.Since(start))
	}
}

func TestResolve_AllFailReportsEveryCause(t *testing.T) {
	r := NewResolver(Config{})
	_, err := r.Resolve(context.Background(), events.SnapshotRef{FullPathHint: "/no/such/file.jpg"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("underlying cause hidden: %v", err)
	}
	for _, name := range []string{SourceFullPath, SourceRelative, SourceRemote} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not mention %s: %v", name, err)
		}
	}
}

func TestResolve_DownscalesLargeImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.png")
	if err := os.WriteFile(path, pngBytes(t, 400, 200), 0600); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(Config{MaxSide: 100})
	a, err := r.Resolve(context.Background(), events.SnapshotRef{FullPathHint: path})
	if err != nil {
		t.Fatal(err)
	}
	if a.MimeType != "image/jpeg" {
		t.Fatalf("mime = %q, want image/jpeg after resize", a.MimeType)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(a.Data))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width > 100 || cfg.Height > 100 {
		t.Errorf("resized to %dx%d, want <= 100", cfg.Width, cfg.Height)
	}
}
