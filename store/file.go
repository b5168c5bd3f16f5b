package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// sessionFile is the on-disk layout. Several clients can share one file; each
// keeps its session under its own client id.
type sessionFile struct {
	Sessions map[string]*Session `json:"sessions"`
}

// FileBackend persists the session as JSON in a file shared between processes.
// Writes are guarded by a lock file and land through an atomic rename.
type FileBackend struct {
	path     string
	clientID string
	lock     lockPolicy
	log      zerolog.Logger
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithFileLogger sets the logger used for lock release failures.
func WithFileLogger(l zerolog.Logger) FileOption {
	return func(b *FileBackend) {
		b.log = l
	}
}

// NewFileBackend stores sessions for clientID in path.
func NewFileBackend(path, clientID string, opts ...FileOption) *FileBackend {
	b := &FileBackend{
		path:     path,
		clientID: clientID,
		lock:     defaultLockPolicy,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Path returns the session file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load implements Backend.
func (b *FileBackend) Load(_ context.Context) (*Session, error) {
	contents, err := b.read()
	if err != nil {
		return nil, err
	}
	sess, ok := contents.Sessions[b.clientID]
	if !ok {
		return nil, nil
	}
	return sess, nil
}

// Save implements Backend. Sessions of other clients in the same file are kept.
func (b *FileBackend) Save(ctx context.Context, s *Session) error {
	return b.update(ctx, func(contents *sessionFile) {
		saved := s.clone()
		saved.ClientID = b.clientID
		contents.Sessions[b.clientID] = saved
	})
}

// Delete implements Backend.
func (b *FileBackend) Delete(ctx context.Context) error {
	return b.update(ctx, func(contents *sessionFile) {
		delete(contents.Sessions, b.clientID)
	})
}

func (b *FileBackend) read() (*sessionFile, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return &sessionFile{Sessions: map[string]*Session{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var contents sessionFile
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if contents.Sessions == nil {
		contents.Sessions = map[string]*Session{}
	}
	return &contents, nil
}

// update applies mutate to the file contents under the file lock.
func (b *FileBackend) update(ctx context.Context, mutate func(*sessionFile)) error {
	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	lock, err := acquireFileLock(ctx, b.path, b.lock)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			b.log.Warn().Err(releaseErr).Str("path", b.path).Msg("failed to release lock")
		}
	}()

	// Read inside the lock so concurrent writers for other clients are not lost.
	contents, err := b.read()
	if err != nil {
		// A corrupt file is replaced rather than blocking every future write.
		b.log.Warn().Err(err).Str("path", b.path).Msg("discarding unreadable session file")
		contents = &sessionFile{Sessions: map[string]*Session{}}
	}

	mutate(contents)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := b.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, b.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
