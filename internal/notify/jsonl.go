package notify

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

// ErrChainBroken is returned by VerifyLog when a record's hash does not match.
var ErrChainBroken = gitbakdErrors.New("notification log hash chain broken")

// LogRecord is one line of the notification log.
type LogRecord struct {
	Event
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// JSONLSink appends every event to a JSONL file. Each record carries the hash
// of the previous one so truncation or edits are detectable.
type JSONLSink struct {
	path string

	mu       sync.Mutex
	file     *os.File
	lastHash string
}

// NewJSONLSink opens (or creates) the log at path and resumes its chain.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, gitbakdErrors.Wrap(err, "failed to create notification log directory")
	}
	last, err := lastRecordHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, gitbakdErrors.Wrap(err, "failed to open notification log")
	}
	return &JSONLSink{path: path, file: f, lastHash: last}, nil
}

// Name implements Sink.
func (s *JSONLSink) Name() string {
	return "jsonl:" + s.path
}

// Handle implements Sink.
func (s *JSONLSink) Handle(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return gitbakdErrors.New("notification log is closed")
	}

	rec := LogRecord{Event: e, PrevHash: s.lastHash}
	hash, err := recordHash(rec)
	if err != nil {
		return err
	}
	rec.Hash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return gitbakdErrors.Wrap(err, "failed to encode notification")
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return gitbakdErrors.Wrap(err, "failed to write notification")
	}
	s.lastHash = hash
	return nil
}

// Close implements Sink.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadLog returns every record in the log at path.
func ReadLog(path string) ([]LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gitbakdErrors.Wrap(err, "failed to open notification log")
	}
	defer func() { _ = f.Close() }()

	var records []LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip malformed lines
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, gitbakdErrors.Wrap(err, "failed to read notification log")
	}
	return records, nil
}

// VerifyLog checks the hash chain and returns the number of valid records.
func VerifyLog(path string) (int, error) {
	records, err := ReadLog(path)
	if err != nil {
		return 0, err
	}
	prev := ""
	for i, rec := range records {
		if rec.PrevHash != prev {
			return i, gitbakdErrors.Errorf("%w: record %d does not follow its predecessor", ErrChainBroken, i)
		}
		want, err := recordHash(LogRecord{Event: rec.Event, PrevHash: rec.PrevHash})
		if err != nil {
			return i, err
		}
		if want != rec.Hash {
			return i, gitbakdErrors.Errorf("%w: record %d was modified", ErrChainBroken, i)
		}
		prev = rec.Hash
	}
	return len(records), nil
}

func lastRecordHash(path string) (string, error) {
	records, err := ReadLog(path)
	if err != nil || len(records) == 0 {
		return "", err
	}
	return records[len(records)-1].Hash, nil
}

// recordHash hashes the record with Hash cleared. encoding/json sorts map
// keys, so Details serialize deterministically.
func recordHash(rec LogRecord) (string, error) {
	rec.Hash = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", gitbakdErrors.Wrap(err, "failed to encode notification for hashing")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
