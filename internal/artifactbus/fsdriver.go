package artifactbus

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSDriver persists artifact payloads on the local filesystem, laid out as
// <baseDir>/artifacts/<session>/payloads/<ref>.<ext>[.gz] plus an append-only
// NDJSON journal per session, mirroring the reference implementation's
// filesystem layout so existing runs remain browsable by hand.
type FSDriver struct {
	baseDir    string
	journal    bool
	writeFiles bool
}

// NewFSDriver constructs a filesystem-backed Driver rooted at baseDir.
// writeFiles controls whether individual payload files are written in
// addition to the journal, which is always written.
func NewFSDriver(baseDir string, writeFiles bool) *FSDriver {
	return &FSDriver{baseDir: baseDir, journal: true, writeFiles: writeFiles}
}

func ext(mime string) string {
	switch mime {
	case "application/json":
		return "json"
	case "text/plain":
		return "txt"
	default:
		return "bin"
	}
}

func (d *FSDriver) payloadPath(sessionID, ref, mime string, compressed bool) string {
	e := ext(mime)
	if compressed {
		e += ".gz"
	}
	return filepath.Join(d.baseDir, "artifacts", sessionID, "payloads", ref+"."+e)
}

func (d *FSDriver) journalPath(sessionID string) string {
	return filepath.Join(d.baseDir, "artifacts", sessionID, "journal.ndjson")
}

type journalEntry struct {
	Ref     string `json:"ref"`
	Payload any    `json:"payload"`
}

func (d *FSDriver) WritePayload(_ context.Context, sessionID, ref string, payload any, mime string) error {
	var blob []byte
	var err error
	switch mime {
	case "application/json":
		blob, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("fsdriver: marshal payload: %w", err)
		}
	case "text/plain":
		s, _ := payload.(string)
		blob = []byte(s)
	default:
		b, _ := payload.([]byte)
		blob = b
	}

	compressed := len(blob) > CompressionThreshold
	if d.writeFiles {
		out := blob
		if compressed {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(blob); err != nil {
				return fmt.Errorf("fsdriver: gzip: %w", err)
			}
			if err := gz.Close(); err != nil {
				return fmt.Errorf("fsdriver: gzip close: %w", err)
			}
			out = buf.Bytes()
		}
		p := d.payloadPath(sessionID, ref, mime, compressed)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("fsdriver: mkdir: %w", err)
		}
		if err := os.WriteFile(p, out, 0o644); err != nil {
			return fmt.Errorf("fsdriver: write: %w", err)
		}
	}

	if d.journal {
		jp := d.journalPath(sessionID)
		if err := os.MkdirAll(filepath.Dir(jp), 0o755); err != nil {
			return fmt.Errorf("fsdriver: mkdir journal: %w", err)
		}
		f, err := os.OpenFile(jp, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("fsdriver: open journal: %w", err)
		}
		defer f.Close()
		line, err := json.Marshal(journalEntry{Ref: ref, Payload: payload})
		if err != nil {
			return fmt.Errorf("fsdriver: marshal journal entry: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("fsdriver: write journal: %w", err)
		}
	}
	return nil
}

// CompressionThreshold is the raw byte length above which payload files are
// gzip compressed on write.
const CompressionThreshold = 2048

func (d *FSDriver) ReadPayload(_ context.Context, sessionID, ref, mime string) (any, error) {
	for _, compressed := range []bool{false, true} {
		p := d.payloadPath(sessionID, ref, mime, compressed)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if compressed {
			gz, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("fsdriver: gzip reader: %w", err)
			}
			defer gz.Close()
			data, err = io.ReadAll(gz)
			if err != nil {
				return nil, fmt.Errorf("fsdriver: gzip read: %w", err)
			}
		}
		return decodePayload(data, mime)
	}

	f, err := os.Open(d.journalPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("artifact %s not found: %w", ref, err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	for dec.More() {
		var entry journalEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		if entry.Ref == ref {
			return entry.Payload, nil
		}
	}
	return nil, fmt.Errorf("artifact %s not found", ref)
}

func decodePayload(data []byte, mime string) (any, error) {
	switch mime {
	case "application/json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("fsdriver: decode json payload: %w", err)
		}
		return v, nil
	case "text/plain":
		return string(data), nil
	default:
		return data, nil
	}
}

func (d *FSDriver) DeletePayload(_ context.Context, sessionID, ref, mime string) error {
	for _, compressed := range []bool{false, true} {
		p := d.payloadPath(sessionID, ref, mime, compressed)
		_ = os.Remove(p)
	}
	return nil
}
