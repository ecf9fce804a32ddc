// Package artifact fetches submitted source files from the transport and
// persists them under a directory derived from the submitting credential.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bot-deployer/internal/domain"
)

const (
	defaultFileName = "bot.py"
	defaultMaxBytes = 20 << 20
	copyBufferSize  = 32 << 10
)

var (
	// ErrDownload is returned when the transfer from the transport fails.
	ErrDownload = errors.New("artifact: download failed")

	// ErrStorage is returned when the artifact cannot be written locally.
	ErrStorage = errors.New("artifact: storage failed")

	// ErrTooLarge is returned when the artifact exceeds the configured limit.
	ErrTooLarge = errors.New("artifact: file too large")

	// ErrEmpty is returned when the transfer completes with no bytes.
	ErrEmpty = errors.New("artifact: file is empty")
)

// FileFetcher opens a streaming reader over a file held by the transport.
type FileFetcher interface {
	OpenFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Receiver streams artifacts to <root>/<fingerprint>/<fileName>. A repeat
// submission under the same credential atomically replaces the previous file.
type Receiver struct {
	fetcher  FileFetcher
	root     string
	fileName string
	maxBytes int64
}

type Option func(*Receiver)

// WithMaxBytes caps the accepted artifact size.
func WithMaxBytes(n int64) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// withFileName sets the name the artifact is stored under inside its
// directory.
func withFileName(name string) Option {
	return func(r *Receiver) {
		name = strings.TrimSpace(name)
		if name != "" {
			r.fileName = filepath.Base(name)
		}
	}
}

// NewReceiver creates a Receiver storing artifacts below root.
func NewReceiver(fetcher FileFetcher, root string, opts ...Option) (*Receiver, error) {
	if fetcher == nil {
		return nil, errors.New("artifact: fetcher must not be nil")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("artifact: root directory must not be empty")
	}
	r := &Receiver{
		fetcher:  fetcher,
		root:     root,
		fileName: defaultFileName,
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dir returns the directory holding the artifact for credential.
func (r *Receiver) Dir(credential string) string {
	return filepath.Join(r.root, domain.Fingerprint(credential))
}

// Receive downloads fileID and persists it for credential. The artifact only
// becomes visible at its final path once the whole stream has been written,
// synced and closed; on any failure the partial temp file is removed.
func (r *Receiver) Receive(ctx context.Context, fileID, credential string) (domain.Artifact, error) {
	if strings.TrimSpace(fileID) == "" {
		return domain.Artifact{}, fmt.Errorf("%w: empty file id", ErrDownload)
	}
	id := domain.Fingerprint(credential)
	dir := filepath.Join(r.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: create directory: %w", ErrStorage, err)
	}

	body, err := r.fetcher.OpenFile(ctx, fileID)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(dir, "."+r.fileName+".*.tmp")
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: create temp file: %w", ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := r.copy(ctx, tmp, body)
	if err != nil {
		return domain.Artifact{}, err
	}
	if n == 0 {
		return domain.Artifact{}, ErrEmpty
	}

	if err := tmp.Sync(); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: sync: %w", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: close: %w", ErrStorage, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: chmod: %w", ErrStorage, err)
	}
	final := filepath.Join(dir, r.fileName)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: rename: %w", ErrStorage, err)
	}
	committed = true

	return domain.Artifact{
		DeploymentID: id,
		Dir:          dir,
		Path:         final,
		Size:         n,
	}, nil
}

// copy moves bytes from src to dst as they arrive, tagging read failures as
// download errors and write failures as storage errors.
func (r *Receiver) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %w", ErrDownload, err)
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if written+int64(nr) > r.maxBytes {
				return written, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, r.maxBytes)
			}
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("%w: write: %w", ErrStorage, werr)
			}
			if nw != nr {
				return written, fmt.Errorf("%w: write: %w", ErrStorage, io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: read: %w", ErrDownload, rerr)
		}
	}
}
