// Package credstore is the sole mutation path to the shared, section-keyed
// credentials file that other tooling reads.
package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/werf/lockgate"
	"github.com/werf/lockgate/pkg/file_locker"
	ini "gopkg.in/ini.v1"

	"github.com/cloudbroker/adfscreds/internal/broker"
)

var (
	ErrCannotLockStore = errors.New("cannot acquire store lock")
	ErrStoreFailure    = errors.New("credential store failure")
)

const lastUpdatedFormat = "2006-01-02T15:04:05Z"

// Store writes named profiles into the credentials file under a
// cross-process exclusive lock keyed by the store path.
type Store struct {
	path         string
	locker       lockgate.Locker
	lockResource string
}

func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create store dir %s: %s, %w", dir, err, ErrStoreFailure)
	}
	locker, err := file_locker.NewFileLocker(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot set up locker in %s: %s, %w", dir, err, ErrCannotLockStore)
	}
	return &Store{
		path:   path,
		locker: locker,
		// the lock token lives beside the store; its content is not meaningful
		lockResource: filepath.Base(path) + ".lck",
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

// WithLocker swaps the locking implementation, used by tests.
func (s *Store) WithLocker(locker lockgate.Locker) *Store {
	s.locker = locker
	return s
}

func (s *Store) ensureLock() (func(), error) {
	acquired, lock, err := s.locker.Acquire(s.lockResource, lockgate.AcquireOptions{Shared: false, Timeout: 3 * time.Minute})
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrCannotLockStore)
	}
	if !acquired {
		return nil, fmt.Errorf("lock on %s held elsewhere, %w", s.lockResource, ErrCannotLockStore)
	}
	return func() {
		if err := s.locker.Release(lock); err != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock on %s: %v\n", s.lockResource, err)
		}
	}, nil
}

// WriteProfile sets the profile section's token fields plus a UTC timestamp
// and writes the store back out. The on-disk state is re-read fresh inside
// the lock so concurrent writers from other processes are never clobbered;
// all other sections are preserved.
func (s *Store) WriteProfile(profile string, token broker.Token) error {
	release, err := s.ensureLock()
	if err != nil {
		return err
	}
	defer release()

	cfg, err := ini.LooseLoad(s.path)
	if err != nil {
		return fmt.Errorf("failed to read store %s: %s, %w", s.path, err, ErrStoreFailure)
	}

	section := cfg.Section(profile)
	section.Key("aws_access_key_id").SetValue(token.AccessKeyID)
	section.Key("aws_secret_access_key").SetValue(token.SecretAccessKey)
	section.Key("aws_session_token").SetValue(token.SessionToken)
	// duplicate of the session token kept for older SDK compatibility
	section.Key("aws_security_token").SetValue(token.SessionToken)
	section.Key("last_updated").SetValue(time.Now().UTC().Format(lastUpdatedFormat))

	if err := cfg.SaveTo(s.path); err != nil {
		return fmt.Errorf("failed to write store %s: %s, %w", s.path, err, ErrStoreFailure)
	}
	return nil
}

// Profiles lists the store's section names matching the pattern, sorted.
// An empty pattern matches everything.
func (s *Store) Profiles(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = ".*"
	}
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("profile pattern %q: %s, %w", pattern, err, ErrStoreFailure)
	}

	cfg, err := ini.LooseLoad(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read store %s: %s, %w", s.path, err, ErrStoreFailure)
	}

	names := []string{}
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		if regex.MatchString(section.Name()) {
			names = append(names, section.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
