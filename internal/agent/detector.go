package agent

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNoAgent is returned when no supported agent CLI is installed.
var ErrNoAgent = errors.New("no supported agent CLI found on PATH")

// Candidate is an installed agent CLI and its headless invocation.
type Candidate struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Version string   `json:"version,omitempty"`
	Args    []string `json:"args"`
}

type knownAgent struct {
	id   string
	name string
	bin  string
	args []string
}

// knownAgents is ordered by preference.
var knownAgents = []knownAgent{
	{
		id:   "claude",
		name: "Claude Code",
		bin:  "claude",
		args: []string{"-p", "{{.Instructions}}", "--permission-mode", "acceptEdits"},
	},
	{
		id:   "codex",
		name: "Codex CLI",
		bin:  "codex",
		args: []string{"exec", "--full-auto", "{{.Instructions}}"},
	},
	{
		id:   "aider",
		name: "Aider",
		bin:  "aider",
		args: []string{"--yes-always", "--no-auto-commits", "--message", "{{.Instructions}}"},
	},
	{
		id:   "gemini",
		name: "Gemini CLI",
		bin:  "gemini",
		args: []string{"--yolo", "-p", "{{.Instructions}}"},
	},
}

// Detector scans PATH (and ~/.local/bin) for supported agent CLIs.
type Detector struct {
	lookPath func(string) (string, error)
	version  func(path string) string
	home     string
}

// NewDetector returns a Detector using the real PATH.
func NewDetector() *Detector {
	home, _ := os.UserHomeDir()
	return &Detector{lookPath: exec.LookPath, version: commandVersion, home: home}
}

// Scan returns every installed agent in preference order.
func (d *Detector) Scan() []Candidate {
	var found []Candidate
	for _, k := range knownAgents {
		path := d.find(k.bin)
		if path == "" {
			continue
		}
		c := Candidate{
			ID:   k.id,
			Name: k.name,
			Path: path,
			Args: append([]string(nil), k.args...),
		}
		if d.version != nil {
			c.Version = d.version(path)
		}
		found = append(found, c)
	}
	return found
}

// Preferred returns the first installed agent.
func (d *Detector) Preferred() (*Candidate, error) {
	found := d.Scan()
	if len(found) == 0 {
		return nil, ErrNoAgent
	}
	return &found[0], nil
}

// Lookup returns the invocation template for a known agent binary name, so
// agent.command can name a tool without spelling out its arguments.
func Lookup(bin string) ([]string, bool) {
	base := filepath.Base(bin)
	for _, k := range knownAgents {
		if k.bin == base {
			return append([]string(nil), k.args...), true
		}
	}
	return nil, false
}

func (d *Detector) find(bin string) string {
	if path, err := d.lookPath(bin); err == nil {
		return path
	}
	if d.home == "" {
		return ""
	}
	p := filepath.Join(d.home, ".local", "bin", bin)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ""
}

func commandVersion(path string) string {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
