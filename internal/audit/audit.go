// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package audit writes the tamper-evident call trail: one HMAC-SHA256 signed
// JSON record per line, appended to a log file. The signing key is generated
// once and persisted next to the log.
//
// Files are opened append-only per write with no retained handle. A single
// writer per log path is assumed; concurrent processes sharing a path rely on
// OS append atomicity only, and no advisory locking is attempted.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/google/uuid"
)

// KeySize is the size of a freshly generated signing key. Existing keys may
// be longer; shorter keys are rejected.
const KeySize = 32

// Record phases.
const (
	PhasePre  = "pre"
	PhaseDone = "done"
)

// Record is one audit line. Field order is fixed: the signature covers the
// record serialized with an empty sig field, so any reordering would break
// verification of previously written logs.
type Record struct {
	ID         string `json:"id"`
	TS         string `json:"ts"`
	Tool       string `json:"tool"`
	Phase      string `json:"phase"`
	OK         *bool  `json:"ok,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Policy     string `json:"policy"`
	AutoYes    bool   `json:"auto_yes"`
	Sig        string `json:"sig,omitempty"`
}

// Logger appends signed records. A disabled logger swallows writes without
// touching the filesystem, leaving call outcomes unchanged.
type Logger struct {
	enabled bool
	logPath string
	keyPath string
	key     []byte
	now     func() time.Time
}

// NewLogger creates an audit logger. The key is loaded or created lazily on
// the first write, not here.
func NewLogger(enabled bool, logPath, keyPath string) *Logger {
	return &Logger{
		enabled: enabled,
		logPath: logPath,
		keyPath: keyPath,
		now:     time.Now,
	}
}

// Enabled reports whether records are being written.
func (l *Logger) Enabled() bool { return l.enabled }

// LogPath returns the configured log file path.
func (l *Logger) LogPath() string { return l.logPath }

// Pre records a call denied before execution (dry-run, policy pre-deny,
// rate limit). reason lands in the record's error field.
func (l *Logger) Pre(tool, policy string, autoYes bool, reason string) error {
	return l.append(Record{
		Tool:    tool,
		Phase:   PhasePre,
		Error:   reason,
		Policy:  policy,
		AutoYes: autoYes,
	})
}

// Done records an attempted execution with its outcome.
func (l *Logger) Done(tool, policy string, autoYes, ok bool, duration time.Duration, errText string) error {
	ms := duration.Milliseconds()
	return l.append(Record{
		Tool:       tool,
		Phase:      PhaseDone,
		OK:         &ok,
		DurationMs: &ms,
		Error:      errText,
		Policy:     policy,
		AutoYes:    autoYes,
	})
}

func (l *Logger) append(rec Record) error {
	if !l.enabled {
		return nil
	}

	key, err := l.loadKey()
	if err != nil {
		return err
	}

	rec.ID = uuid.NewString()
	rec.TS = l.now().UTC().Format(time.RFC3339Nano)

	line, err := Sign(rec, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(l.logPath), 0o700); err != nil {
		return deviterr.Wrap(err, deviterr.CodeAuditAppendFailure, "creating audit log directory")
	}
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return deviterr.Wrap(err, deviterr.CodeAuditAppendFailure, "opening audit log")
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return deviterr.Wrap(err, deviterr.CodeAuditAppendFailure, "appending audit record")
	}
	return nil
}

// Sign serializes rec with an empty signature, computes HMAC-SHA256 over
// those exact bytes, and returns the final line with the signature set.
func Sign(rec Record, key []byte) ([]byte, error) {
	rec.Sig = ""
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeAuditAppendFailure, "serializing audit record")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	rec.Sig = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeAuditAppendFailure, "serializing signed audit record")
	}
	return line, nil
}

// Verify checks one audit line against key. It fails if the line does not
// parse, carries no signature, or the recomputed HMAC differs — any byte
// change in the signed body invalidates the signature.
func Verify(line, key []byte) error {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return deviterr.Wrap(err, deviterr.CodeAuditVerifyFailure, "parsing audit record")
	}
	if rec.Sig == "" {
		return deviterr.New(deviterr.CodeAuditVerifyFailure, "audit record has no signature")
	}

	claimed, err := base64.StdEncoding.DecodeString(rec.Sig)
	if err != nil {
		return deviterr.Wrap(err, deviterr.CodeAuditVerifyFailure, "decoding audit signature")
	}

	rec.Sig = ""
	body, err := json.Marshal(rec)
	if err != nil {
		return deviterr.Wrap(err, deviterr.CodeAuditVerifyFailure, "serializing audit record")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(claimed, mac.Sum(nil)) {
		return deviterr.New(deviterr.CodeAuditVerifyFailure, "audit signature mismatch")
	}
	return nil
}

// loadKey returns the signing key, creating and persisting a fresh one on
// first use.
func (l *Logger) loadKey() ([]byte, error) {
	if l.key != nil {
		return l.key, nil
	}

	key, err := LoadOrCreateKey(l.keyPath)
	if err != nil {
		return nil, err
	}
	l.key = key
	return key, nil
}

// LoadOrCreateKey reads the raw signing key at path, generating a
// cryptographically random KeySize-byte key with 0600 permissions when the
// file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) < KeySize {
			return nil, deviterr.Errorf(deviterr.CodeAuditKeyFailure,
				"audit key at %s is %d bytes, need at least %d", path, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, deviterr.Wrap(err, deviterr.CodeAuditKeyFailure, "reading audit key")
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeAuditKeyFailure, "generating audit key")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeAuditKeyFailure, "creating audit key directory")
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeAuditKeyFailure, "writing audit key")
	}
	return key, nil
}
