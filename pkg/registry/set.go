package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/targets"

	"github.com/google/renameio/v2"
)

// companionRecord is the JSON shape of one registry entry. Exactly one
// address kind is set: Path for domain sockets, Port (with optional Host)
// for TCP companions.
type companionRecord struct {
	UDID     string            `json:"udid"`
	IsLocal  bool              `json:"is_local"`
	PID      *int              `json:"pid,omitempty"`
	Host     string            `json:"host,omitempty"`
	Port     int               `json:"port,omitempty"`
	Path     string            `json:"path,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CompanionSet is the durable registry of known companions, shared across
// fleet manager instances and process restarts. State lives in a JSON file
// that is replaced atomically on every mutation; a sidecar lock file
// serializes mutations across processes. The lock file is never replaced,
// so the lock stays bound to a single inode.
type CompanionSet struct {
	path   string
	logger logging.Logger

	// Serializes in-process access; the file lock only covers other processes
	mu sync.Mutex
}

// NewCompanionSet creates a companion set stored at the given file path,
// creating the parent directory if needed.
func NewCompanionSet(path string, logger logging.Logger) (*CompanionSet, error) {
	if path == "" {
		return nil, errors.NewValidationError("registry path is required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewIOError("failed to create registry directory", err).WithContext("path", path)
	}
	return &CompanionSet{
		path:   path,
		logger: logger,
	}, nil
}

// Add registers a companion, replacing any existing entry with the same
// address.
func (s *CompanionSet) Add(ctx context.Context, info targets.CompanionInfo) error {
	record, err := recordFromInfo(info)
	if err != nil {
		return err
	}

	return s.withLock(ctx, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}

		replaced := false
		for i := range records {
			if sameAddress(records[i], record) {
				records[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			records = append(records, record)
		}

		s.logger.Debugf("Registry add, udid: %s, address: %s, replaced: %t", info.UDID, info.Address, replaced)
		return s.store(records)
	})
}

// Remove drops the entry with the given address. Removing an address that
// is not registered is not an error.
func (s *CompanionSet) Remove(ctx context.Context, address targets.Address) error {
	return s.withLock(ctx, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}

		kept := records[:0]
		removed := 0
		for _, record := range records {
			if recordAddress(record) == address {
				removed++
				continue
			}
			kept = append(kept, record)
		}
		if removed == 0 {
			return nil
		}

		s.logger.Debugf("Registry remove, address: %s, removed: %d", address, removed)
		return s.store(kept)
	})
}

// List returns a snapshot of all registered companions.
func (s *CompanionSet) List(ctx context.Context) ([]targets.CompanionInfo, error) {
	var list []targets.CompanionInfo
	err := s.withLock(ctx, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		list, err = infosFromRecords(records)
		return err
	})
	return list, err
}

// Clear atomically empties the registry and returns the entries it held.
func (s *CompanionSet) Clear(ctx context.Context) ([]targets.CompanionInfo, error) {
	var removed []targets.CompanionInfo
	err := s.withLock(ctx, func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		removed, err = infosFromRecords(records)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		s.logger.Debugf("Registry clear, removed: %d", len(records))
		return s.store(nil)
	})
	return removed, err
}

func (s *CompanionSet) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("registry operation aborted", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return errors.NewIOError("failed to lock registry", err).WithContext("path", s.path)
	}
	defer unlock()

	return fn()
}

func (s *CompanionSet) load() ([]companionRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("failed to read registry file", err).WithContext("path", s.path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var records []companionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.NewValidationError("registry file is corrupt", err).WithContext("path", s.path)
	}
	return records, nil
}

func (s *CompanionSet) store(records []companionRecord) error {
	if records == nil {
		records = []companionRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode registry", err)
	}
	data = append(data, '\n')

	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return errors.NewIOError("failed to write registry file", err).WithContext("path", s.path)
	}
	return nil
}

func recordFromInfo(info targets.CompanionInfo) (companionRecord, error) {
	record := companionRecord{
		UDID:     info.UDID,
		IsLocal:  info.IsLocal,
		PID:      info.PID,
		Metadata: info.Metadata,
	}
	switch addr := info.Address.(type) {
	case targets.DomainSocketAddress:
		record.Path = addr.Path
	case targets.TCPAddress:
		record.Host = addr.Host
		record.Port = addr.Port
	default:
		return companionRecord{}, errors.NewValidationError("companion has no usable address", nil).WithContext("udid", info.UDID)
	}
	return record, nil
}

func recordAddress(record companionRecord) targets.Address {
	if record.Path != "" {
		return targets.DomainSocketAddress{Path: record.Path}
	}
	return targets.TCPAddress{Host: record.Host, Port: record.Port}
}

func infosFromRecords(records []companionRecord) ([]targets.CompanionInfo, error) {
	infos := make([]targets.CompanionInfo, 0, len(records))
	for _, record := range records {
		if record.Path == "" && record.Port == 0 {
			return nil, errors.NewValidationError("registry record has no address", nil).WithContext("udid", record.UDID)
		}
		infos = append(infos, targets.CompanionInfo{
			Address:  recordAddress(record),
			UDID:     record.UDID,
			IsLocal:  record.IsLocal,
			PID:      record.PID,
			Metadata: record.Metadata,
		})
	}
	return infos, nil
}

func sameAddress(a, b companionRecord) bool {
	return recordAddress(a) == recordAddress(b)
}
