// Package registry is a file-backed adapter for the external voter and
// candidate registry.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"election-backend/models"

	"github.com/pkg/errors"
)

var (
	ErrVoterNotFound     = errors.New("voter not found")
	ErrCandidateNotFound = errors.New("candidate not found")
)

// Registry is the read side of the voter and candidate registry used by the
// election core. MarkVoted is informational only.
type Registry interface {
	Voter(code string) (*models.Voter, error)
	Candidate(id string) (*models.Candidate, error)
	Candidates() []*models.Candidate
	Districts() []string
	EligibleByDistrict() map[string]uint64
	MarkVoted(code string) error
}

type Config struct {
	FilePath string `json:"file_path"`
	AutoSave bool   `json:"auto_save"`
}

var _ Registry = (*FileRegistry)(nil)

// FileRegistry implements Registry on top of a JSON file. A missing file is
// created with demo data.
type FileRegistry struct {
	mu         sync.RWMutex
	voters     map[string]*models.Voter
	candidates map[string]*models.Candidate
	config     Config
}

func New(config Config) (*FileRegistry, error) {
	r := &FileRegistry{
		voters:     make(map[string]*models.Voter),
		candidates: make(map[string]*models.Candidate),
		config:     config,
	}

	dir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create directory")
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load replaces the in-memory registry with the file contents.
func (r *FileRegistry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.config.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return r.createDefaultFile()
		}
		return errors.Wrap(err, "failed to read registry file")
	}

	var file models.RegistryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Wrap(err, "failed to unmarshal registry")
	}
	return r.apply(&file)
}

func (r *FileRegistry) apply(file *models.RegistryFile) error {
	voters := make(map[string]*models.Voter, len(file.Voters))
	for _, v := range file.Voters {
		if err := v.Validate(); err != nil {
			return errors.Wrap(err, "invalid voter data")
		}
		if _, ok := voters[v.Code]; ok {
			return errors.Errorf("duplicate voter code %s", v.Code)
		}
		voters[v.Code] = v
	}
	candidates := make(map[string]*models.Candidate, len(file.Candidates))
	for _, c := range file.Candidates {
		if err := c.Validate(); err != nil {
			return errors.Wrap(err, "invalid candidate data")
		}
		if _, ok := candidates[c.ID]; ok {
			return errors.Errorf("duplicate candidate id %s", c.ID)
		}
		candidates[c.ID] = c
	}

	r.voters = voters
	r.candidates = candidates
	log.Infof("Loaded registry: %d voters, %d candidates", len(voters), len(candidates))
	return nil
}

func (r *FileRegistry) createDefaultFile() error {
	file := defaultRegistry()
	if err := r.save(file); err != nil {
		return errors.Wrap(err, "failed to save default registry file")
	}
	log.Infof("Created default registry at %v", r.config.FilePath)
	return r.apply(file)
}

func defaultRegistry() *models.RegistryFile {
	return &models.RegistryFile{
		Voters: []*models.Voter{
			{ID: "v-1", Code: "39001011234", Name: "Jonas Jonaitis", Status: models.VoterEligible, District: "vilnius"},
			{ID: "v-2", Code: "49002021234", Name: "Ona Onaite", Status: models.VoterEligible, District: "vilnius"},
			{ID: "v-3", Code: "38503031234", Name: "Petras Petraitis", Status: models.VoterEligible, District: "kaunas"},
			{ID: "v-4", Code: "48804041234", Name: "Rasa Rasaite", Status: models.VoterPending, District: "kaunas"},
		},
		Candidates: []*models.Candidate{
			{ID: "c-1", Name: "Candidate One", Party: "Party A"},
			{ID: "c-2", Name: "Candidate Two", Party: "Party B"},
		},
	}
}

func (r *FileRegistry) snapshot() *models.RegistryFile {
	file := &models.RegistryFile{
		Voters:     make([]*models.Voter, 0, len(r.voters)),
		Candidates: make([]*models.Candidate, 0, len(r.candidates)),
	}
	for _, v := range r.voters {
		file.Voters = append(file.Voters, v)
	}
	for _, c := range r.candidates {
		file.Candidates = append(file.Candidates, c)
	}
	sort.Slice(file.Voters, func(i, j int) bool { return file.Voters[i].Code < file.Voters[j].Code })
	sort.Slice(file.Candidates, func(i, j int) bool { return file.Candidates[i].ID < file.Candidates[j].ID })
	return file
}

func (r *FileRegistry) save(file *models.RegistryFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.config.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.config.FilePath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (r *FileRegistry) Voter(code string) (*models.Voter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voters[code]
	if !ok {
		return nil, ErrVoterNotFound
	}
	// Return a copy to prevent modification of internal state
	c := *v
	return &c, nil
}

func (r *FileRegistry) Candidate(id string) (*models.Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.candidates[id]
	if !ok {
		return nil, ErrCandidateNotFound
	}
	cp := *c
	return &cp, nil
}

// Candidates returns all candidates ordered by ID.
func (r *FileRegistry) Candidates() []*models.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Districts returns the sorted set of districts voters are registered in.
func (r *FileRegistry) Districts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, v := range r.voters {
		seen[v.District] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// EligibleByDistrict counts eligible voters per district.
func (r *FileRegistry) EligibleByDistrict() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]uint64)
	for _, v := range r.voters {
		if v.Status == models.VoterEligible {
			out[v.District]++
		}
	}
	return out
}

// MarkVoted flags the voter as having voted and, with AutoSave, writes the
// registry back to disk.
func (r *FileRegistry) MarkVoted(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.voters[code]
	if !ok {
		return ErrVoterNotFound
	}
	if v.HasVoted {
		return nil
	}
	v.HasVoted = true

	if !r.config.AutoSave {
		return nil
	}
	if err := r.save(r.snapshot()); err != nil {
		return errors.Wrap(err, "failed to save registry")
	}
	return nil
}
