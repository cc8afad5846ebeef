package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPreflightTimeout bounds each pre-flight check.
const DefaultPreflightTimeout = 2 * time.Minute

// Check is a pre-flight command run as an argument vector in the repository.
type Check struct {
	Name string
	Args []string
}

// RunFunc executes argv in dir and returns its combined output.
type RunFunc func(ctx context.Context, dir string, argv []string) (string, error)

// Preflight runs best-effort checks before a commit. Failures become warnings;
// they never block the commit.
type Preflight struct {
	repoPath string
	checks   []Check
	timeout  time.Duration
	run      RunFunc
}

// NewPreflight creates a pre-flight runner. With no configured checks they
// are detected from the repository's build files.
func NewPreflight(repoPath string, configured [][]string, timeout time.Duration) *Preflight {
	if timeout <= 0 {
		timeout = DefaultPreflightTimeout
	}
	checks := make([]Check, 0, len(configured))
	for _, argv := range configured {
		if len(argv) > 0 {
			checks = append(checks, Check{Name: strings.Join(argv, " "), Args: argv})
		}
	}
	if len(checks) == 0 {
		checks = DetectChecks(repoPath)
	}
	return &Preflight{repoPath: repoPath, checks: checks, timeout: timeout, run: execRun}
}

// WithRunner replaces how checks are executed.
func (p *Preflight) WithRunner(run RunFunc) *Preflight {
	p.run = run
	return p
}

// Checks returns the checks that Run will execute.
func (p *Preflight) Checks() []Check {
	return append([]Check{}, p.checks...)
}

// Run executes every check and returns one warning per failed check.
func (p *Preflight) Run(ctx context.Context) []string {
	var warnings []string
	for _, c := range p.checks {
		if ctx.Err() != nil {
			warnings = append(warnings, fmt.Sprintf("pre-flight %q skipped: %v", c.Name, ctx.Err()))
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		out, err := p.run(checkCtx, p.repoPath, c.Args)
		timedOut := checkCtx.Err() == context.DeadlineExceeded
		cancel()

		switch {
		case timedOut:
			warnings = append(warnings, fmt.Sprintf("pre-flight %q timed out after %s", c.Name, p.timeout))
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("pre-flight %q failed: %v%s", c.Name, err, lastLine(out)))
		}
	}
	return warnings
}

// DetectChecks derives checks from package.json scripts, go.mod and a Makefile lint target.
func DetectChecks(repoPath string) []Check {
	var checks []Check

	if data, err := os.ReadFile(filepath.Join(repoPath, "package.json")); err == nil {
		var pkg struct {
			Scripts map[string]string `json:"scripts"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			for _, script := range []string{"lint", "type-check", "test"} {
				if _, ok := pkg.Scripts[script]; ok {
					checks = append(checks, Check{Name: "npm run " + script, Args: []string{"npm", "run", script, "--silent"}})
				}
			}
		}
		checks = append(checks, Check{Name: "npm audit", Args: []string{"npm", "audit", "--audit-level=high"}})
	}

	if _, err := os.Stat(filepath.Join(repoPath, "go.mod")); err == nil {
		checks = append(checks, Check{Name: "go vet", Args: []string{"go", "vet", "./..."}})
	}

	if hasMakeTarget(filepath.Join(repoPath, "Makefile"), "lint") {
		checks = append(checks, Check{Name: "make lint", Args: []string{"make", "lint"}})
	}
	return checks
}

func hasMakeTarget(makefile, target string) bool {
	f, err := os.Open(makefile)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), target+":") {
			return true
		}
	}
	return false
}

func execRun(ctx context.Context, dir string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return ": " + out
}
