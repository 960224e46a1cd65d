// Package artifact locates the photographic evidence attached to a detection.
//
// Strategies run in order and stop at the first success:
//  1. absolute path hint supplied with the event
//  2. relative hint joined to the configured snapshot directory
//  3. remote fetch of the URL reference, bounded by a timeout
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/events"
)

// ErrUnavailable is returned when every strategy failed.
var ErrUnavailable = errors.New("evidence unavailable")

const (
	SourceFullPath = "full_path"
	SourceRelative = "relative"
	SourceRemote   = "remote"
)

// Artifact is resolved evidence ready to be sent.
type Artifact struct {
	Data     []byte
	MimeType string
	Source   string // which strategy produced it
	Location string // path or URL it was read from
}

// Config configures a Resolver.
type Config struct {
	SnapshotDir  string        // base for relative hints; empty disables the strategy
	FetchTimeout time.Duration // default 10s
	MaxBytes     int64         // default 10MB
	MaxSide      int           // downscale above this many pixels per side; 0 disables
	HTTPClient   *http.Client
}

// Resolver runs the fallback chain.
type Resolver struct {
	snapshotDir string
	timeout     time.Duration
	maxBytes    int64
	maxSide     int
	client      *http.Client
}

// NewResolver creates a resolver, applying defaults.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		snapshotDir: cfg.SnapshotDir,
		timeout:     cfg.FetchTimeout,
		maxBytes:    cfg.MaxBytes,
		maxSide:     cfg.MaxSide,
		client:      cfg.HTTPClient,
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Second
	}
	if r.maxBytes <= 0 {
		r.maxBytes = 10 * 1024 * 1024
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	return r
}

type strategy struct {
	name string
	run  func(ctx context.Context) (*Artifact, error)
}

// Resolve returns the first artifact found. The returned error joins the
// cause of every strategy that was tried.
func (r *Resolver) Resolve(ctx context.Context, ref events.SnapshotRef) (*Artifact, error) {
	chain := []strategy{
		{SourceFullPath, func(ctx context.Context) (*Artifact, error) { return r.fromFullPath(ref.FullPathHint) }},
		{SourceRelative, func(ctx context.Context) (*Artifact, error) { return r.fromRelative(ref.RelativeHint) }},
		{SourceRemote, func(ctx context.Context) (*Artifact, error) { return r.fromRemote(ctx, ref.RemoteURL) }},
	}

	var errs []error
	for _, s := range chain {
		a, err := s.run(ctx)
		if err == nil {
			a.Source = s.name
			a = r.shrink(a)
			slog.Debug("artifact: resolved", "source", s.name, "location", a.Location, "bytes", len(a.Data))
			return a, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}

	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

var errNoHint = errors.New("no hint")

func (r *Resolver) fromFullPath(path string) (*Artifact, error) {
	if path == "" {
		return nil, errNoHint
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("not an absolute path: %s", path)
	}
	return r.readFile(path)
}

func (r *Resolver) fromRelative(rel string) (*Artifact, error) {
	if rel == "" {
		return nil, errNoHint
	}
	if r.snapshotDir == "" {
		return nil, errors.New("snapshot dir not configured")
	}
	clean := filepath.Clean("/" + rel) // confine to snapshotDir
	return r.readFile(filepath.Join(r.snapshotDir, clean))
}

func (r *Resolver) readFile(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	if info.Size() > r.maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, r.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Artifact{Data: data, MimeType: http.DetectContentType(data), Location: path}, nil
}

func (r *Resolver) fromRemote(ctx context.Context, rawURL string) (*Artifact, error) {
	if rawURL == "" {
		return nil, errNoHint
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("unsupported url scheme: %s", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", r.maxBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return &Artifact{Data: data, MimeType: mime, Location: rawURL}, nil
}
