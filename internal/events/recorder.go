package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// Default maximum recording size (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	// Log file extension
	LogFileExtension = ".jsonl"
	// Archive directory name
	ArchiveDir = "archive"
)

// Record is one stream event as received from the backend, kept verbatim so
// that a run can be replayed later.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum,omitempty"`
}

// Recorder appends stream events to a JSONL file with size-based rotation.
type Recorder struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
	clock           func() time.Time
}

// NewRecorder opens (or creates) the recording at logPath.
func NewRecorder(logPath string, maxSize int64) (*Recorder, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	r := &Recorder{
		logPath: logPath,
		maxSize: maxSize,
		clock:   func() time.Time { return time.Now().UTC() },
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	if err := r.openLogFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) openLogFile() error {
	file, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open recording: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat recording: %w", err)
	}

	r.file = file
	r.currentSize = stat.Size()
	return nil
}

// Record appends one raw event payload.
func (r *Recorder) Record(sessionID, eventType string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("payload for %s is not valid JSON", eventType)
	}
	return r.WriteRecord(&Record{
		Timestamp: r.clock(),
		SessionID: sessionID,
		EventType: eventType,
		Payload:   append(json.RawMessage(nil), payload...),
	})
}

// WriteRecord writes a structured record to the file.
func (r *Recorder) WriteRecord(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return fmt.Errorf("recorder is closed")
	}
	if r.enableChecksum {
		rec.Checksum = checksum(rec)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	if r.currentSize+int64(len(data)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return fmt.Errorf("failed to rotate recording: %w", err)
		}
	}

	n, err := r.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync recording: %w", err)
	}

	r.currentSize += int64(n)
	return nil
}

func (r *Recorder) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close current recording: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(r.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	timestamp := r.clock().Format("20060102_150405")
	r.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(r.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, timestamp, r.rotationCounter, LogFileExtension)

	if err := os.Rename(r.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive recording: %w", err)
	}
	return r.openLogFile()
}

func checksum(rec *Record) string {
	c := *rec
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", SimpleHash(data))
}

// SimpleHash is the djb2 string hash.
func SimpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum turns per-record checksums on or off.
func (r *Recorder) EnableChecksum(enable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enableChecksum = enable
}

// ReadRecords loads every well-formed record from a recording in file order.
// Records whose checksum does not match are skipped and counted as invalid.
func ReadRecords(logPath string) (records []Record, invalid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open recording: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			invalid++
			continue
		}
		if rec.Checksum != "" && checksum(&rec) != rec.Checksum {
			invalid++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, invalid, fmt.Errorf("failed to read recording: %w", err)
	}
	return records, invalid, nil
}

// Close flushes and closes the recording.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Sync()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.file = nil
	return err
}

// Path returns the active recording path.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logPath
}

// Size returns the size of the active recording in bytes.
func (r *Recorder) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentSize
}
