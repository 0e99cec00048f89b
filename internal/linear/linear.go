// Package linear holds the on-disk shape of linear-mappings.json (spec §6).
// StackMemory never talks to Linear's API itself — ticket-system sync is an
// explicit Non-goal (spec "Non-goals") — but a task created here may carry a
// types.ExternalLink pointing at a Linear issue that some other process
// populated, and that mapping needs a stable place to live on disk so the
// external collaborator and this engine agree on task identity.
package linear

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Mapping is one task_id <-> Linear issue correspondence.
type Mapping struct {
	TaskID    string `json:"task_id"`
	IssueID   string `json:"issue_id"`
	IssueURL  string `json:"issue_url,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Store is the parsed contents of linear-mappings.json.
type Store struct {
	Mappings []Mapping `json:"mappings"`
}

// Load reads linear-mappings.json from path. A missing file is not an
// error — it means no task has ever been linked to Linear — and returns an
// empty Store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{}, nil
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "read linear-mappings.json", err)
	}
	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, types.Wrap(types.CodeCorruptRecord, "parse linear-mappings.json", err)
	}
	return &s, nil
}

// Save atomically rewrites linear-mappings.json (temp-file-then-rename, the
// same idiom internal/jsonl.Rewrite uses for the other JSON-on-disk files).
func (s *Store) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Link upserts the mapping for taskID, replacing any existing entry.
func (s *Store) Link(taskID, issueID, issueURL string) {
	for i, m := range s.Mappings {
		if m.TaskID == taskID {
			s.Mappings[i].IssueID = issueID
			s.Mappings[i].IssueURL = issueURL
			return
		}
	}
	s.Mappings = append(s.Mappings, Mapping{TaskID: taskID, IssueID: issueID, IssueURL: issueURL})
}

// Lookup returns the Linear mapping for taskID, if one exists.
func (s *Store) Lookup(taskID string) (Mapping, bool) {
	for _, m := range s.Mappings {
		if m.TaskID == taskID {
			return m, true
		}
	}
	return Mapping{}, false
}
