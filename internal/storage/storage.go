package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/maltedev/stock-prober/internal/feed"
	"github.com/maltedev/stock-prober/internal/models"
)

// ErrNotExist reports a required record that does not exist yet.
var ErrNotExist = errors.New("record does not exist")

// FileStore keeps the JSON record on disk. It is the default history source:
// each run extends the record written by the previous one.
type FileStore struct {
	mu       sync.RWMutex
	filename string
	required bool
}

func NewFileStore(filename string, required bool) *FileStore {
	return &FileStore{filename: filename, required: required}
}

func (fs *FileStore) Path() string {
	return fs.filename
}

// Load reads the previously written entries. A missing file is an empty
// history unless the store was created as required.
func (fs *FileStore) Load(_ context.Context) ([]models.Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.filename)
	if err != nil {
		if os.IsNotExist(err) {
			if fs.required {
				return nil, fmt.Errorf("%s: %w", fs.filename, ErrNotExist)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record %s: %w", fs.filename, err)
	}

	entries, err := feed.ReadRecords(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", fs.filename, err)
	}
	return entries, nil
}

func (fs *FileStore) Save(entries []models.Entry) error {
	var buf bytes.Buffer
	if err := feed.WriteRecords(&buf, entries); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return WriteFileAtomic(fs.filename, buf.Bytes())
}

// WriteFileAtomic writes to a temp file next to filename and renames it into
// place, so readers never observe a partial file.
func WriteFileAtomic(filename string, data []byte) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	tmpFile := filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpFile, err)
	}

	if err := os.Rename(tmpFile, filename); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename %s: %w", tmpFile, err)
	}
	return nil
}

// HTTPSource loads a record that was published to a web server.
type HTTPSource struct {
	URL      string
	Client   *http.Client
	Required bool
}

func (s *HTTPSource) Load(ctx context.Context) ([]models.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request %s: %w", s.URL, err)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if s.Required {
			return nil, fmt.Errorf("%s: %w", s.URL, ErrNotExist)
		}
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("status code error: [%d] %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", s.URL, err)
	}

	entries, err := feed.ReadRecords(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", s.URL, err)
	}
	return entries, nil
}
