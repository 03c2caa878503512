package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

const delimiter = '\n'

// File keeps one append-only file per pool at {root}/{pool}. Each record is
// the 32 raw address bytes followed by a newline.
type File struct {
	root   string
	logger *zap.Logger
}

func NewFile(root string, logger *zap.Logger) (*File, error) {
	if root == "" {
		return nil, errors.New("registry root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create registry root: %w", err)
	}
	return &File{root: root, logger: logger}, nil
}

func (f *File) path(pool solana.PublicKey) string {
	return filepath.Join(f.root, pool.String())
}

func encode(tables []solana.PublicKey) []byte {
	b := make([]byte, 0, len(tables)*(RecordSize+1))
	for _, t := range tables {
		b = append(b, t[:]...)
		b = append(b, delimiter)
	}
	return b
}

func (f *File) Append(_ context.Context, pool, table solana.PublicKey) error {
	path := f.path(pool)
	_, err := os.Stat(path)
	created := errors.Is(err, fs.ErrNotExist)

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	record := encode([]solana.PublicKey{table})
	torn, err := tornTail(fh)
	if err != nil {
		_ = fh.Close()
		return err
	}
	if torn {
		// terminate the partial record so it is skipped on its own
		record = append([]byte{delimiter}, record...)
	}
	if _, err := fh.Write(record); err != nil {
		_ = fh.Close()
		return fmt.Errorf("append registry: %w", err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if created {
		return f.syncRoot()
	}
	return nil
}

// tornTail reports whether the file ends inside a record.
func tornTail(fh *os.File) (bool, error) {
	info, err := fh.Stat()
	if err != nil {
		return false, fmt.Errorf("stat registry: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return false, nil
	}
	if size%(RecordSize+1) != 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := fh.ReadAt(last, size-1); err != nil {
		return false, fmt.Errorf("read registry tail: %w", err)
	}
	return last[0] != delimiter, nil
}

// syncRoot makes a newly created file's directory entry durable.
func (f *File) syncRoot() error {
	dir, err := os.Open(f.root)
	if err != nil {
		return fmt.Errorf("open registry root: %w", err)
	}
	if err := dir.Sync(); err != nil {
		_ = dir.Close()
		return fmt.Errorf("sync registry root: %w", err)
	}
	return dir.Close()
}

func (f *File) Read(_ context.Context, pool solana.PublicKey) ([]solana.PublicKey, error) {
	raw, err := os.ReadFile(f.path(pool))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return f.parse(pool, raw), nil
}

// parse accepts a record only when its delimiter sits exactly after 32 bytes;
// an address may itself contain newline bytes. Anything else is skipped up to
// and including the next delimiter.
func (f *File) parse(pool solana.PublicKey, b []byte) []solana.PublicKey {
	var out []solana.PublicKey
	for len(b) > 0 {
		if len(b) > RecordSize && b[RecordSize] == delimiter {
			var pk solana.PublicKey
			copy(pk[:], b[:RecordSize])
			out = append(out, pk)
			b = b[RecordSize+1:]
			continue
		}
		n := bytes.IndexByte(b, delimiter)
		if n < 0 {
			logMalformed(f.logger, pool, len(b), "unterminated tail")
			break
		}
		logMalformed(f.logger, pool, n, "wrong length")
		b = b[n+1:]
	}
	return out
}

// Retain rewrites the file through a temp file and rename so a crash leaves
// either the old or the new record set.
func (f *File) Retain(ctx context.Context, pool solana.PublicKey, keep []solana.PublicKey) error {
	if len(keep) == 0 {
		return f.Clear(ctx, pool)
	}
	tmp, err := os.CreateTemp(f.root, "."+pool.String()+".*")
	if err != nil {
		return fmt.Errorf("create registry temp: %w", err)
	}
	name := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(name)
	}
	if _, err := tmp.Write(encode(keep)); err != nil {
		cleanup()
		return fmt.Errorf("write registry temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync registry temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close registry temp: %w", err)
	}
	if err := os.Rename(name, f.path(pool)); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

func (f *File) Clear(_ context.Context, pool solana.PublicKey) error {
	err := os.Truncate(f.path(pool), 0)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("truncate registry: %w", err)
	}
	return nil
}

var _ Store = (*File)(nil)
