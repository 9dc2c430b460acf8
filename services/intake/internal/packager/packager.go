// Package packager turns the output of the external point-cloud conversion
// step into a single broker message: it collects the generated files from the
// watched directory, bundles them into one tar.zst archive, base64-encodes
// the archive and publishes it with the originating task id. Failures are
// announced on the broker too, so downstream consumers see a failed task
// instead of a silently stalled one.
package packager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"plyline/pkg/bus"
	"plyline/services/intake/internal/metrics"
)

// Outcome summarizes one packaging pass.
type Outcome string

const (
	// OutcomeDelivered means an artifact message was published.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeNoArtifacts means the pass found nothing to deliver. This is a
	// normal result, not an error.
	OutcomeNoArtifacts Outcome = "no-artifacts"
)

// Converter exit codes. The conversion step is an opaque subprocess; only
// these documented codes are part of its contract. Codes 2 and 3 are handled
// identically for now pending clarification from the converter's owners.
const (
	converterOK       = 1
	converterNoInput  = 2
	converterNoOutput = 3
)

// Publisher is the broker-facing surface the packager needs.
type Publisher interface {
	Publish(subject string, msg bus.Message) error
}

// Config controls where artifacts come from and where they are announced.
type Config struct {
	Subject      string
	Extension    string   // artifact filename extension, e.g. ".ply"
	ConverterCmd []string // command plus args; empty skips the conversion step
	TempDir      string   // archive scratch space; empty means os.TempDir
}

// Packager packages and emits artifacts for completed tasks.
type Packager struct {
	cfg    Config
	pub    Publisher
	logger *log.Logger
}

// New creates a packager publishing to pub.
func New(cfg Config, pub Publisher, logger *log.Logger) *Packager {
	if cfg.Extension == "" {
		cfg.Extension = ".ply"
	}
	// filepath.Ext always yields a dot-prefixed string, so a bare "ply"
	// would never match during the scan.
	if !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Packager{cfg: cfg, pub: pub, logger: logger}
}

// PackageAndEmit runs the conversion step, archives whatever it produced in
// watchDir, and publishes exactly one message for the task: artifact,
// no-artifacts, or error. The temporary archive is removed whether or not
// the publish succeeds.
func (p *Packager) PackageAndEmit(ctx context.Context, taskID, watchDir, projectName string) (Outcome, error) {
	outcome, err := p.run(ctx, taskID, watchDir, projectName)
	if err != nil {
		metrics.PackagesTotal.WithLabelValues("error").Inc()
		p.announceError(taskID, projectName, err)
		return "", err
	}
	metrics.PackagesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (p *Packager) run(ctx context.Context, taskID, watchDir, projectName string) (Outcome, error) {
	if len(p.cfg.ConverterCmd) > 0 {
		code, err := p.runConverter(ctx, watchDir)
		if err != nil {
			return "", fmt.Errorf("run converter: %w", err)
		}
		switch code {
		case converterOK:
		case converterNoInput, converterNoOutput:
			p.logger.Printf("INFO converter reported nothing usable for task %s (code %d)", taskID, code)
			return OutcomeNoArtifacts, p.announceEmpty(taskID, projectName)
		default:
			return "", fmt.Errorf("converter exited with unexpected code %d", code)
		}
	}

	files, err := p.scan(watchDir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		p.logger.Printf("INFO no %s files in %s for task %s", p.cfg.Extension, watchDir, taskID)
		return OutcomeNoArtifacts, p.announceEmpty(taskID, projectName)
	}

	archive, err := buildArchive(p.cfg.TempDir, files)
	if err != nil {
		return "", fmt.Errorf("build archive: %w", err)
	}
	// Cleanup is unconditional; the archive never outlives the pass.
	defer os.Remove(archive)

	data, err := os.ReadFile(archive)
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}

	msg := bus.NewMessage(bus.MessageArtifact, taskID)
	msg.Project = projectName
	msg.FileName = taskID + ".tar.zst"
	msg.Data = base64.StdEncoding.EncodeToString(data)

	if err := p.pub.Publish(p.cfg.Subject, msg); err != nil {
		return "", fmt.Errorf("publish artifact for task %s: %w", taskID, err)
	}

	p.logger.Printf("INFO delivered %d artifacts (%d bytes archived) for task %s", len(files), len(data), taskID)
	return OutcomeDelivered, nil
}

// runConverter executes the external conversion step and returns its exit
// code. A nonzero exit is part of the contract, not an execution failure.
func (p *Packager) runConverter(ctx context.Context, watchDir string) (int, error) {
	args := p.cfg.ConverterCmd
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = watchDir

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// scan lists the artifact files in watchDir, sorted for a stable archive order.
func (p *Packager) scan(watchDir string) ([]string, error) {
	entries, err := os.ReadDir(watchDir)
	if err != nil {
		return nil, fmt.Errorf("read watch dir %q: %w", watchDir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), p.cfg.Extension) {
			continue
		}
		files = append(files, filepath.Join(watchDir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (p *Packager) announceEmpty(taskID, projectName string) error {
	msg := bus.NewMessage(bus.MessageNoArtifacts, taskID)
	msg.Project = projectName
	msg.Text = "no artifacts produced"
	return p.pub.Publish(p.cfg.Subject, msg)
}

func (p *Packager) announceError(taskID, projectName string, cause error) {
	msg := bus.NewMessage(bus.MessageError, taskID)
	msg.Project = projectName
	msg.Text = cause.Error()
	if err := p.pub.Publish(p.cfg.Subject, msg); err != nil {
		p.logger.Printf("ERROR announce failure for task %s: %v", taskID, err)
	}
}
