package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yllada/sessionctl/common"
)

const maxAccountIDLen = 200

// StorageError reports a failure to read or write an identity record.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("identity %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes every StorageError match common.ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == common.ErrStorage
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithoutFileLock disables the cross-process lock file. Only in-process
// exclusion remains.
func WithoutFileLock() Option {
	return func(s *Store) {
		s.fileLock = false
	}
}

// Store maps account IDs to profile directories and their fingerprint
// records. It is safe for concurrent use; operations on the same account
// are serialized, different accounts proceed in parallel.
type Store struct {
	baseDir  string
	gen      Generator
	policy   Policy
	log      *zap.Logger
	locks    *keyedMutex
	fileLock bool
}

// NewStore opens (creating if needed) a store rooted at baseDir. A nil gen
// uses a PresetGenerator.
func NewStore(baseDir string, gen Generator, policy Policy, opts ...Option) (*Store, error) {
	if baseDir == "" {
		return nil, &StorageError{Op: "open", Path: baseDir, Err: errors.New("empty base directory")}
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: baseDir, Err: err}
	}
	if err := common.EnsureDir(abs); err != nil {
		return nil, &StorageError{Op: "open", Path: abs, Err: err}
	}
	if gen == nil {
		gen = NewPresetGenerator()
	}

	s := &Store{
		baseDir:  abs,
		gen:      gen,
		policy:   policy,
		log:      zap.NewNop(),
		locks:    newKeyedMutex(),
		fileLock: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("identity")
	return s, nil
}

// BaseDir returns the absolute root of the store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// ValidateAccountID rejects IDs that are empty or would not map to a single
// directory directly under the base dir.
func ValidateAccountID(accountID string) error {
	switch {
	case accountID == "":
		return fmt.Errorf("%w: empty", common.ErrInvalidAccountID)
	case len(accountID) > maxAccountIDLen:
		return fmt.Errorf("%w: longer than %d bytes", common.ErrInvalidAccountID, maxAccountIDLen)
	case accountID == "." || accountID == "..":
		return fmt.Errorf("%w: %q", common.ErrInvalidAccountID, accountID)
	case strings.ContainsAny(accountID, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", common.ErrInvalidAccountID, accountID)
	case strings.HasPrefix(accountID, "."):
		return fmt.Errorf("%w: %q is hidden", common.ErrInvalidAccountID, accountID)
	}
	return nil
}

// PathFor returns the profile directory and record path for accountID,
// creating the directory if needed. The mapping is deterministic.
func (s *Store) PathFor(accountID string) (profileDir, recordPath string, err error) {
	if err := ValidateAccountID(accountID); err != nil {
		return "", "", err
	}
	profileDir = filepath.Join(s.baseDir, accountID)
	recordPath = filepath.Join(profileDir, common.FingerprintFileName)
	if err := common.EnsureDir(profileDir); err != nil {
		return "", "", &StorageError{Op: "mkdir", Path: profileDir, Err: err}
	}
	return profileDir, recordPath, nil
}

// LoadOrCreate returns the account's fingerprint, generating and persisting
// one on first use. An existing record is authoritative and is never
// rewritten. Callers holding a Lease for the account use Lease.LoadOrCreate.
func (s *Store) LoadOrCreate(ctx context.Context, accountID string) (*Fingerprint, error) {
	lease, err := s.Acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.LoadOrCreate(ctx)
}

// Lookup reads the account's fingerprint without creating one. ok is false
// when no record exists.
func (s *Store) Lookup(accountID string) (fp *Fingerprint, ok bool, err error) {
	if err := ValidateAccountID(accountID); err != nil {
		return nil, false, err
	}
	recordPath := filepath.Join(s.baseDir, accountID, common.FingerprintFileName)
	fp, err = s.read(recordPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fp, true, nil
}

// Reset removes the account's fingerprint so the next session generates a
// new identity. The browser profile data is kept.
func (s *Store) Reset(ctx context.Context, accountID string) error {
	lease, err := s.Acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := os.Remove(lease.recordPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "remove", Path: lease.recordPath, Err: err}
	}
	s.log.Info("fingerprint reset", zap.String("account", accountID))
	return nil
}

// Acquire takes exclusive ownership of an account for the duration of a
// session. The lease blocks other Acquire and LoadOrCreate calls for the
// same account in this process and, where supported, in other processes.
func (s *Store) Acquire(ctx context.Context, accountID string) (*Lease, error) {
	profileDir, recordPath, err := s.PathFor(accountID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}

	release := unlock
	if s.fileLock {
		lockPath := filepath.Join(profileDir, common.ProfileLockFileName)
		unlockFile, err := lockFile(ctx, lockPath)
		if err != nil {
			unlock()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &StorageError{Op: "lock", Path: lockPath, Err: err}
		}
		release = func() {
			if err := unlockFile(); err != nil {
				s.log.Warn("release profile lock", zap.String("path", lockPath), zap.Error(err))
			}
			unlock()
		}
	}

	return &Lease{
		store:      s,
		accountID:  accountID,
		profileDir: profileDir,
		recordPath: recordPath,
		release:    release,
	}, nil
}

// Lease is exclusive ownership of one account's profile.
type Lease struct {
	store      *Store
	accountID  string
	profileDir string
	recordPath string

	mu       sync.Mutex
	release  func()
	released bool
}

// AccountID returns the leased account.
func (l *Lease) AccountID() string { return l.accountID }

// ProfileDir returns the account's persistent browser profile directory.
func (l *Lease) ProfileDir() string { return l.profileDir }

// RecordPath returns the fingerprint record path.
func (l *Lease) RecordPath() string { return l.recordPath }

// LoadOrCreate is Store.LoadOrCreate under an already held lease.
func (l *Lease) LoadOrCreate(ctx context.Context) (*Fingerprint, error) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return nil, fmt.Errorf("identity lease for %s already released", l.accountID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.loadOrCreate(l.accountID, l.recordPath)
}

// Release gives up the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.release()
}

func (s *Store) loadOrCreate(accountID, recordPath string) (*Fingerprint, error) {
	fp, err := s.read(recordPath)
	if err == nil {
		s.log.Debug("fingerprint loaded", zap.String("account", accountID), zap.String("id", fp.ID))
		return fp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	candidate, err := s.gen.Generate(s.policy)
	if err != nil {
		return nil, fmt.Errorf("generate fingerprint for %s: %w", accountID, err)
	}
	data, err := Encode(candidate)
	if err != nil {
		return nil, &StorageError{Op: "encode", Path: recordPath, Err: err}
	}

	created, err := writeOnce(recordPath, data)
	if err != nil {
		return nil, &StorageError{Op: "write", Path: recordPath, Err: err}
	}
	if !created {
		// Another writer won the race; its record is authoritative.
		s.log.Debug("fingerprint created concurrently", zap.String("account", accountID))
		return s.read(recordPath)
	}

	s.log.Info("fingerprint created",
		zap.String("account", accountID),
		zap.String("id", candidate.ID),
		zap.String("os", candidate.OS),
		zap.String("browser", candidate.Browser))
	return candidate, nil
}

// read returns an error matching fs.ErrNotExist when there is no record.
func (s *Store) read(recordPath string) (*Fingerprint, error) {
	data, err := os.ReadFile(recordPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: recordPath, Err: err}
	}
	fp, err := Decode(data)
	if err != nil {
		return nil, &StorageError{Op: "decode", Path: recordPath, Err: err}
	}
	return fp, nil
}

// writeOnce atomically creates path with data. It writes a synced temp
// file and hard-links it into place, so readers never observe a partial
// record. created is false when path already existed.
func writeOnce(path string, data []byte) (created bool, err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fingerprint-*.tmp")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	syncDir(dir)
	return true, nil
}

// syncDir makes the new directory entry durable. Errors are ignored: not
// every filesystem supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
