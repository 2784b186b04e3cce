package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"election-backend/models"
)

const (
	exportPattern    = "ledger_export_*.json"
	exportTimeLayout = "20060102150405.000000000"
)

// LedgerExport is a self-contained copy of the ledger that an external auditor
// can verify without access to the service.
type LedgerExport struct {
	Election   *models.Election `json:"election"`
	Digest     models.Digest    `json:"digest"`
	Entries    []*models.Entry  `json:"entries"`
	ExportedAt time.Time        `json:"exported_at"`
}

// Exporter writes timestamped ledger exports into a directory and keeps only
// the most recent ones.
type Exporter struct {
	dir   string
	keep  int
	mutex sync.Mutex
}

type exportFile struct {
	path      string
	timestamp time.Time
}

type exportFiles []exportFile

func (f exportFiles) Len() int           { return len(f) }
func (f exportFiles) Less(i, j int) bool { return f[i].timestamp.Before(f[j].timestamp) }
func (f exportFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewExporter(dir string, keep int) (*Exporter, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %v", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %v", err)
	}
	if keep < 1 {
		keep = 1
	}
	return &Exporter{dir: absPath, keep: keep}, nil
}

// Export writes the export to a new file and returns its path.
func (x *Exporter) Export(export *LedgerExport) (string, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	timestamp := export.ExportedAt.UTC().Format(exportTimeLayout)
	filename := filepath.Join(x.dir, fmt.Sprintf("ledger_export_%s.json", timestamp))

	file, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(export); err != nil {
		return "", fmt.Errorf("failed to encode export: %v", err)
	}

	if err := x.cleanupOldFiles(); err != nil {
		log.Warnf("Failed to cleanup old exports: %v", err)
	}

	log.Infof("Exported %d ledger entries to %s", len(export.Entries), filename)
	return filename, nil
}

// Latest returns the path of the most recent export, or "" if there is none.
func (x *Exporter) Latest() (string, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	files, err := x.list()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	return files[len(files)-1].path, nil
}

// ReadExport loads an export written by Export.
func ReadExport(path string) (*LedgerExport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %v", path, err)
	}
	defer file.Close()

	var export LedgerExport
	if err := json.NewDecoder(file).Decode(&export); err != nil {
		return nil, fmt.Errorf("failed to decode export from %s: %v", path, err)
	}
	return &export, nil
}

// list returns the exports in the directory sorted oldest first.
func (x *Exporter) list() (exportFiles, error) {
	matches, err := filepath.Glob(filepath.Join(x.dir, exportPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %v", err)
	}

	var files exportFiles
	for _, file := range matches {
		base := filepath.Base(file)
		timestampStr := strings.TrimSuffix(strings.TrimPrefix(base, "ledger_export_"), ".json")
		timestamp, err := time.Parse(exportTimeLayout, timestampStr)
		if err != nil {
			log.Warnf("Invalid timestamp in filename %s: %v", base, err)
			continue
		}
		files = append(files, exportFile{path: file, timestamp: timestamp})
	}
	sort.Sort(files)
	return files, nil
}

func (x *Exporter) cleanupOldFiles() error {
	files, err := x.list()
	if err != nil {
		return err
	}
	if len(files) <= x.keep {
		return nil
	}

	// Remove older files, keeping the most recent 'keep' files
	for i := 0; i < len(files)-x.keep; i++ {
		if err := os.Remove(files[i].path); err != nil {
			log.Warnf("Failed to remove old export %s: %v", files[i].path, err)
		} else {
			log.Debugf("Removed old export: %s", files[i].path)
		}
	}
	return nil
}
