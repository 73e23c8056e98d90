// Package terraform drives the declarative-infrastructure engine as a black
// box. The orchestrator only issues commands and interprets output text; it
// never reaches into the engine's resource schema or plan algorithm.
package terraform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/envforge-io/envforge/internal/logging"
)

// Result is the outcome of one engine invocation. Output is kept verbatim:
// the error text is the only observable signal the conflict resolver has.
type Result struct {
	Success bool
	Output  string

	Added     int
	Changed   int
	Destroyed int
}

// Engine is the surface the orchestrator consumes. A timed-out call means
// "outcome unknown", not "failed": the remote operation may complete after
// the client gave up waiting.
type Engine interface {
	Init(ctx context.Context, backendConfig map[string]string) error
	Apply(ctx context.Context, targets []string) (*Result, error)
	Destroy(ctx context.Context) (*Result, error)
	Import(ctx context.Context, address, remoteID string) error
	StateRemove(ctx context.Context, address string) error
	StateList(ctx context.Context) ([]string, error)
	ForceUnlock(ctx context.Context, lockID string) error
}

// CLI runs the terraform binary in a working directory.
type CLI struct {
	Binary  string
	Dir     string
	Vars    map[string]string
	VarFile string
}

// NewCLI returns an engine rooted at dir.
func NewCLI(dir string) *CLI {
	return &CLI{Binary: "terraform", Dir: dir}
}

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "terraform"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1")

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	logging.Debug("engine invocation", "args", strings.Join(args, " "), "dir", c.Dir)
	err := cmd.Run()
	return buf.String(), err
}

func (c *CLI) varArgs() []string {
	var args []string
	if c.VarFile != "" {
		args = append(args, "-var-file="+c.VarFile)
	}
	for k, v := range c.Vars {
		args = append(args, fmt.Sprintf("-var=%s=%s", k, v))
	}
	return args
}

// Init configures the state backend and downloads providers.
func (c *CLI) Init(ctx context.Context, backendConfig map[string]string) error {
	args := []string{"init", "-input=false", "-no-color", "-reconfigure"}
	for k, v := range backendConfig {
		args = append(args, fmt.Sprintf("-backend-config=%s=%s", k, v))
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("engine init failed: %w\n%s", err, out)
	}
	return nil
}

// Apply runs a targeted or full apply. The Result is returned even on
// failure so callers can classify the output.
func (c *CLI) Apply(ctx context.Context, targets []string) (*Result, error) {
	args := []string{"apply", "-auto-approve", "-input=false", "-no-color"}
	args = append(args, c.varArgs()...)
	for _, t := range targets {
		args = append(args, "-target="+t)
	}
	out, err := c.run(ctx, args...)
	res := parseResult(out)
	if err != nil {
		res.Success = false
		return res, fmt.Errorf("engine apply failed: %w", err)
	}
	res.Success = true
	return res, nil
}

// Destroy tears down everything the engine still tracks. Invoked only after
// the dependency-ordered teardown has released real-world dependencies.
func (c *CLI) Destroy(ctx context.Context) (*Result, error) {
	args := []string{"destroy", "-auto-approve", "-input=false", "-no-color"}
	args = append(args, c.varArgs()...)
	out, err := c.run(ctx, args...)
	res := parseResult(out)
	if err != nil {
		res.Success = false
		return res, fmt.Errorf("engine destroy failed: %w", err)
	}
	res.Success = true
	return res, nil
}

// Import adopts a live remote resource into the state store at address.
func (c *CLI) Import(ctx context.Context, address, remoteID string) error {
	args := []string{"import", "-input=false", "-no-color"}
	args = append(args, c.varArgs()...)
	args = append(args, address, remoteID)
	out, err := c.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("engine import of %s failed: %w\n%s", address, err, out)
	}
	return nil
}

// StateRemove drops a dangling reference from the state store. This removes
// only the record; deleting the actual resource is a separate step and the
// two must never be conflated.
func (c *CLI) StateRemove(ctx context.Context, address string) error {
	out, err := c.run(ctx, "state", "rm", address)
	if err != nil {
		return fmt.Errorf("engine state rm %s failed: %w\n%s", address, err, out)
	}
	return nil
}

// StateList returns the addresses currently tracked in the state store.
func (c *CLI) StateList(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "state", "list")
	if err != nil {
		// An empty state is not an error for our purposes.
		if strings.Contains(out, "No state file was found") {
			return nil, nil
		}
		return nil, fmt.Errorf("engine state list failed: %w\n%s", err, out)
	}
	var addrs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			addrs = append(addrs, line)
		}
	}
	return addrs, nil
}

// ForceUnlock clears a stale state lock. Callers must verify staleness via
// the store's own primitive first.
func (c *CLI) ForceUnlock(ctx context.Context, lockID string) error {
	out, err := c.run(ctx, "force-unlock", "-force", lockID)
	if err != nil {
		return fmt.Errorf("engine force-unlock failed: %w\n%s", err, out)
	}
	return nil
}

var (
	applySummaryRe   = regexp.MustCompile(`(?m)^Apply complete! Resources: (\d+) added, (\d+) changed, (\d+) destroyed\.`)
	destroySummaryRe = regexp.MustCompile(`(?m)^Destroy complete! Resources: (\d+) destroyed\.`)
)

func parseResult(out string) *Result {
	res := &Result{Output: out}
	if m := applySummaryRe.FindStringSubmatch(out); m != nil {
		res.Added, _ = strconv.Atoi(m[1])
		res.Changed, _ = strconv.Atoi(m[2])
		res.Destroyed, _ = strconv.Atoi(m[3])
		return res
	}
	if m := destroySummaryRe.FindStringSubmatch(out); m != nil {
		res.Destroyed, _ = strconv.Atoi(m[1])
	}
	return res
}
