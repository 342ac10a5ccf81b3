package history_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/davarch/approval-gate/internal/domain"
)

// FSHistory keeps one JSON document per execution, rewritten on every save,
// so finished runs can be inspected without opening the database.
type FSHistory struct {
	dir string
}

func New(dir string) *FSHistory { return &FSHistory{dir: dir} }

func (h *FSHistory) Record(_ context.Context, e domain.PipelineExecution) error {
	if h.dir == "" {
		return errors.New("history dir is empty")
	}
	if e.ID == "" || filepath.Base(e.ID) != e.ID {
		return &domain.ValidationError{Field: "execution.id", Reason: "not usable as a file name"}
	}

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(h.dir, e.ID+".json")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	type stage struct {
		Stage    string `json:"stage"`
		Outcome  string `json:"outcome"`
		Message  string `json:"message,omitempty"`
		Started  int64  `json:"started"`
		Finished int64  `json:"finished"`
	}
	type out struct {
		ID       string  `json:"id"`
		Pipeline string  `json:"pipeline"`
		Repo     string  `json:"repo"`
		Branch   string  `json:"branch"`
		Commit   string  `json:"commit"`
		URL      string  `json:"url"`
		Status   string  `json:"status"`
		Reason   string  `json:"reason,omitempty"`
		Stages   []stage `json:"stages"`
		Created  int64   `json:"created"`
		Updated  int64   `json:"updated"`
	}

	o := out{
		ID:       e.ID,
		Pipeline: e.Pipeline,
		Repo:     e.Trigger.Owner + "/" + e.Trigger.Repo,
		Branch:   e.Trigger.Branch,
		Commit:   e.Trigger.Commit,
		URL:      e.ReferenceLink(),
		Status:   string(e.Status),
		Reason:   e.Reason,
		Stages:   make([]stage, 0, len(e.Stages)),
		Created:  e.CreatedAt.Unix(),
		Updated:  e.UpdatedAt.Unix(),
	}
	for _, s := range e.Stages {
		o.Stages = append(o.Stages, stage{
			Stage:    string(s.Stage),
			Outcome:  string(s.Outcome),
			Message:  s.Message,
			Started:  s.StartedAt.Unix(),
			Finished: s.FinishedAt.Unix(),
		})
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(o); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
