package params_fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/davarch/approval-gate/internal/domain"
	"gopkg.in/yaml.v3"
)

// Prefix marks a config value that should be looked up in the parameter
// store instead of being used literally.
const Prefix = "param:"

// Store is a flat name to value parameter file. Environment variables win
// over the file: /dev/slack/token is read from DEV_SLACK_TOKEN first.
type Store struct {
	path   string
	values map[string]string
	lookup func(string) (string, bool)
}

func Open(path string) (*Store, error) {
	s := &Store{path: path, values: map[string]string{}, lookup: os.LookupEnv}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	s.values = values
	return nil
}

func (s *Store) Get(_ context.Context, name string) (string, error) {
	if v, ok := s.lookup(EnvName(name)); ok && v != "" {
		return v, nil
	}
	v, ok := s.values[name]
	if !ok {
		return "", &domain.NotFoundError{Kind: "parameter", ID: name}
	}
	return v, nil
}

// Resolve returns value unchanged unless it carries Prefix.
func (s *Store) Resolve(ctx context.Context, value string) (string, error) {
	name, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return value, nil
	}
	return s.Get(ctx, strings.TrimSpace(name))
}

func EnvName(name string) string {
	name = strings.Trim(name, "/")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
