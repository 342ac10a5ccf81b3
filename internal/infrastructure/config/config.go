package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Stage names the environment the gate deploys to (exported to the
	// deploy command as ENV).
	Stage string `yaml:"stage"`

	Server struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		APIToken     string        `yaml:"api_token,omitempty"`
	} `yaml:"server"`

	Pipeline struct {
		Name   string `yaml:"name"`
		Owner  string `yaml:"owner"`
		Repo   string `yaml:"repo"`
		Branch string `yaml:"branch"`
	} `yaml:"pipeline"`

	Approval struct {
		Timeout       time.Duration `yaml:"timeout"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		Approvers     []string      `yaml:"approvers"`
	} `yaml:"approval"`

	Slack struct {
		APIURL        string        `yaml:"api_url"`
		Channel       string        `yaml:"channel"`
		Token         string        `yaml:"token,omitempty"`
		SigningSecret string        `yaml:"signing_secret,omitempty"`
		SharedToken   string        `yaml:"shared_token,omitempty"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"slack"`

	Notify struct {
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		MaxElapsed      time.Duration `yaml:"max_elapsed"`
		MaxRetries      uint64        `yaml:"max_retries"`
	} `yaml:"notify"`

	Source struct {
		Verify  bool          `yaml:"verify"`
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token,omitempty"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"source"`

	Deploy struct {
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args,omitempty"`
		Dir     string            `yaml:"dir,omitempty"`
		Env     map[string]string `yaml:"env,omitempty"`
		Timeout time.Duration     `yaml:"timeout"`
	} `yaml:"deploy"`

	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Params struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"params"`

	History struct {
		Dir string `yaml:"dir"`
	} `yaml:"history"`

	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Output  string `yaml:"output,omitempty"`
	} `yaml:"tracing"`
}

// LoadFile reads the YAML file as is, without defaults or environment
// overrides. Use it when the result is going to be written back.
func LoadFile(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

func Load(path string) (Config, error) {
	var c Config

	c.Server.Addr = ":8080"
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Pipeline.Name = "pipeline"
	c.Pipeline.Branch = "master"
	c.Approval.Timeout = 24 * time.Hour
	c.Approval.SweepInterval = time.Minute
	c.Slack.Timeout = 10 * time.Second
	c.Notify.InitialInterval = 500 * time.Millisecond
	c.Notify.MaxInterval = 5 * time.Second
	c.Notify.MaxElapsed = 30 * time.Second
	c.Notify.MaxRetries = 5
	c.Source.BaseURL = "https://api.github.com"
	c.Source.Timeout = 10 * time.Second
	c.Deploy.Timeout = 30 * time.Minute
	c.Storage.Driver = "sqlite"
	c.Storage.DSN = expandHome("~/.local/share/approval-gate/approval-gate.db")
	c.History.Dir = expandHome("~/.cache/approval-gate/history")

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return c, err
		}
	}

	if v := os.Getenv("STAGE"); v != "" {
		c.Stage = v
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if v := os.Getenv("API_TOKEN"); v != "" {
		c.Server.APIToken = v
	}

	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.Token = v
	}

	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		c.Slack.Channel = v
	}

	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		c.Slack.SigningSecret = v
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Source.Token = v
	}

	if v := os.Getenv("APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Approval.Timeout = d
		}
	}

	if v := os.Getenv("NOTIFY_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Notify.MaxRetries = n
		}
	}

	if v := os.Getenv("STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}

	if s := os.Getenv("APPROVERS"); s != "" {
		var names []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				names = append(names, item)
			}
		}
		if len(names) > 0 {
			c.Approval.Approvers = names
		}
	}

	if c.Storage.Driver != "memory" {
		c.Storage.DSN = expandHome(c.Storage.DSN)
	}
	c.History.Dir = expandHome(c.History.Dir)
	c.Params.Path = expandHome(c.Params.Path)

	if c.Approval.Timeout <= 0 {
		c.Approval.Timeout = 24 * time.Hour
	}

	if c.Approval.SweepInterval <= 0 {
		c.Approval.SweepInterval = time.Minute
	}

	if c.Slack.Timeout <= 0 {
		c.Slack.Timeout = 10 * time.Second
	}

	if c.Pipeline.Branch == "" {
		c.Pipeline.Branch = "master"
	}

	return c, nil
}

// Validate checks what serve needs. Commands that only read or edit the
// file do not call it.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Stage) == "" {
		return errors.New("stage can't be empty (set stage or STAGE)")
	}

	if c.Slack.SigningSecret == "" && c.Slack.SharedToken == "" {
		return errors.New("slack.signing_secret or slack.shared_token is required to verify callbacks")
	}

	if c.Slack.Token == "" {
		return errors.New("slack token is required (SLACK_BOT_TOKEN)")
	}

	if c.Slack.Channel == "" {
		return errors.New("slack channel is required (SLACK_CHANNEL)")
	}

	if len(c.Approval.Approvers) == 0 {
		return errors.New("no approvers configured (YAML or APPROVERS)")
	}

	if c.Deploy.Command == "" {
		return errors.New("deploy.command is required")
	}

	if c.Notify.InitialInterval < 0 || c.Notify.MaxInterval < 0 || c.Notify.MaxElapsed < 0 {
		return errors.New("notify intervals can't be negative")
	}

	if c.Notify.MaxElapsed == 0 && c.Notify.MaxRetries == 0 {
		return errors.New("notify retries are unbounded (set notify.max_elapsed or notify.max_retries)")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage.driver: %s", c.Storage.Driver)
	}

	return nil
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
