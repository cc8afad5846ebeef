package credential

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

const (
	// KeyFileName is the private key inside the credential directory.
	KeyFileName = "id_gitbakd"

	// MetaFileName is the sidecar holding the Record as JSON.
	MetaFileName = KeyFileName + ".json"

	// MaxBackups is how many replaced keys are kept.
	MaxBackups = 5

	backupPrefix = KeyFileName + ".backup."
	credType     = "ssh-key"
)

// Record is the persisted metadata of the stored credential.
// ConsecutiveFailures >= the configured maximum implies !IsValid.
type Record struct {
	Type                string     `json:"type"`
	StoragePath         string     `json:"path"`
	Fingerprint         string     `json:"fingerprint"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastValidatedAt     *time.Time `json:"lastValidatedAt,omitempty"`
	IsValid             bool       `json:"isValid"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Backup is a previously stored key.
type Backup struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}

// Fingerprint returns "SHA256:" plus the unpadded base64 digest of material.
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// ValidateMaterial rejects anything that is not a PEM-style private key.
func ValidateMaterial(material []byte) error {
	text := strings.TrimSpace(string(material))
	if text == "" {
		return gitbakdErrors.Errorf("%w: key material is empty", gitbakdErrors.ErrValidation)
	}
	if !strings.HasPrefix(text, "-----BEGIN ") || !strings.Contains(text, "PRIVATE KEY-----") {
		return gitbakdErrors.Errorf("%w: key material is not a PEM private key", gitbakdErrors.ErrValidation)
	}
	if !strings.Contains(text, "-----END ") {
		return gitbakdErrors.Errorf("%w: key material is truncated", gitbakdErrors.ErrValidation)
	}
	return nil
}

// ensureDir creates dir with owner-only permissions, tightening an existing one.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return gitbakdErrors.Wrap(err, "failed to create credential directory")
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return gitbakdErrors.Wrap(err, "failed to secure credential directory")
	}
	return nil
}

// writeFileAtomic writes data via a temp file in the same directory and a rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*.tmp")
	if err != nil {
		return gitbakdErrors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return gitbakdErrors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return gitbakdErrors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return gitbakdErrors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	if err = tmp.Close(); err != nil {
		return gitbakdErrors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	if err = os.Rename(tmpName, path); err != nil {
		return gitbakdErrors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	return nil
}

func loadRecord(dir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gitbakdErrors.Wrap(err, "failed to read credential metadata")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, gitbakdErrors.Wrap(err, "failed to parse credential metadata")
	}
	if _, err := os.Stat(rec.StoragePath); err != nil {
		// Metadata without its key is stale.
		return nil, nil
	}
	return &rec, nil
}

func saveRecord(dir string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return gitbakdErrors.Wrap(err, "failed to encode credential metadata")
	}
	return writeFileAtomic(filepath.Join(dir, MetaFileName), append(data, '\n'), 0o600)
}

// backupKey copies the current key to id_gitbakd.backup.<epoch-ms> and prunes
// the oldest backups beyond MaxBackups.
func backupKey(dir string, now time.Time) (string, error) {
	current := filepath.Join(dir, KeyFileName)
	data, err := os.ReadFile(current)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", gitbakdErrors.Wrap(err, "failed to read current key for backup")
	}

	ms := now.UnixMilli()
	name := fmt.Sprintf("%s%d", backupPrefix, ms)
	for {
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			break
		}
		ms++
		name = fmt.Sprintf("%s%d", backupPrefix, ms)
	}
	if err := writeFileAtomic(filepath.Join(dir, name), data, 0o600); err != nil {
		return "", err
	}
	return name, pruneBackups(dir)
}

func pruneBackups(dir string) error {
	backups, err := listBackups(dir)
	if err != nil {
		return err
	}
	for i := MaxBackups; i < len(backups); i++ {
		if err := os.Remove(filepath.Join(dir, backups[i].Name)); err != nil && !os.IsNotExist(err) {
			return gitbakdErrors.Wrapf(err, "failed to prune backup %s", backups[i].Name)
		}
	}
	return nil
}

// listBackups returns backups newest first.
func listBackups(dir string) ([]Backup, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gitbakdErrors.Wrap(err, "failed to list credential backups")
	}

	var backups []Backup
	for _, e := range entries {
		ms, ok := backupEpoch(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		b := Backup{Name: e.Name(), CreatedAt: time.UnixMilli(ms).UTC()}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
		}
		backups = append(backups, b)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.After(backups[j].CreatedAt) })
	return backups, nil
}

func backupEpoch(name string) (int64, bool) {
	if !strings.HasPrefix(name, backupPrefix) {
		return 0, false
	}
	ms, err := strconv.ParseInt(strings.TrimPrefix(name, backupPrefix), 10, 64)
	return ms, err == nil
}

// shellQuote quotes s for the POSIX shell git uses to run GIT_SSH_COMMAND.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
