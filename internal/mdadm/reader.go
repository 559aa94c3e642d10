package mdadm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nugget/check-raid/internal/config"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
)

// DiagnosticToolError is returned when mdadm exits non-zero. It aborts
// the poll cycle in which it occurs.
type DiagnosticToolError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *DiagnosticToolError) Error() string {
	msg := fmt.Sprintf("error executing %d: %s", e.ExitCode, strings.Join(e.Args, " "))
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying exec error.
func (e *DiagnosticToolError) Unwrap() error {
	return e.Err
}

// FilesystemQueryError is returned when a mount point cannot be queried.
type FilesystemQueryError struct {
	MountPoint string
	Err        error
}

// Error implements the error interface.
func (e *FilesystemQueryError) Error() string {
	return "query filesystem usage of " + e.MountPoint + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *FilesystemQueryError) Unwrap() error {
	return e.Err
}

// Result is the captured outcome of one command invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes external commands. A non-zero exit is reported via
// Result.ExitCode together with a non-nil error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements [Runner].
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		res.ExitCode = -1
	}
	return res, err
}

// UsageFunc queries filesystem usage for a mount point.
type UsageFunc func(ctx context.Context, path string) (CapacitySample, error)

// DiskUsage is the [UsageFunc] backed by gopsutil.
func DiskUsage(ctx context.Context, path string) (CapacitySample, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return CapacitySample{}, err
	}
	return CapacitySample{
		Total:       u.Total,
		Used:        u.Used,
		Free:        u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

// ReaderConfig configures a [Reader].
type ReaderConfig struct {
	// MdadmBin is the path to the mdadm executable.
	MdadmBin string
	// Sudo, if non-empty, is the sudo executable mdadm is run through.
	Sudo string
	// BlkidBin defaults to "blkid".
	BlkidBin string

	// Runner defaults to [ExecRunner].
	Runner Runner
	// Usage defaults to [DiskUsage].
	Usage UsageFunc

	Logger *slog.Logger
}

// Reader is the device status reader. It is safe for sequential use
// from a single polling loop.
type Reader struct {
	cfg ReaderConfig
}

// NewReader creates a Reader, filling in defaults.
func NewReader(cfg ReaderConfig) *Reader {
	if cfg.BlkidBin == "" {
		cfg.BlkidBin = "blkid"
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Usage == nil {
		cfg.Usage = DiskUsage
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{cfg: cfg}
}

// command returns the argv for an mdadm invocation.
func (r *Reader) command(args ...string) []string {
	argv := []string{r.cfg.MdadmBin}
	if r.cfg.Sudo != "" {
		argv = append([]string{r.cfg.Sudo}, argv...)
	}
	return append(argv, args...)
}

// Status runs `mdadm --misc --detail` once for device and parses it.
func (r *Reader) Status(ctx context.Context, device string) (RaidStatus, error) {
	argv := r.command("--misc", "--detail", device)
	res, err := r.cfg.Runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil || res.ExitCode != 0 {
		return RaidStatus{}, &DiagnosticToolError{
			Args:     argv,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
			Err:      err,
		}
	}

	r.cfg.Logger.Log(ctx, config.LevelTrace, "mdadm detail", "device", device, "output", string(res.Stdout))

	st := ParseDetail(string(res.Stdout))
	r.cfg.Logger.Debug("raid status read",
		"device", device,
		"level", st.Level,
		"state", st.State,
		"healthy", st.Healthy(),
	)
	return st, nil
}

// Capacity queries filesystem usage of mountPoint.
func (r *Reader) Capacity(ctx context.Context, mountPoint string) (CapacitySample, error) {
	c, err := r.cfg.Usage(ctx, mountPoint)
	if err != nil {
		return CapacitySample{}, &FilesystemQueryError{MountPoint: mountPoint, Err: err}
	}
	r.cfg.Logger.Debug("capacity read",
		"mount_point", mountPoint,
		"total", humanize.IBytes(c.Total),
		"used", humanize.IBytes(c.Used),
		"free", humanize.IBytes(c.Free),
	)
	return c, nil
}

// Identity returns the raw `blkid -o value` output for device. The
// bytes are hashed into a stable per-array id; a failed lookup yields
// empty output rather than an error, matching blkid's silence on
// unknown devices.
func (r *Reader) Identity(ctx context.Context, device string) []byte {
	res, err := r.cfg.Runner.Run(ctx, r.cfg.BlkidBin, "-o", "value", device)
	if err != nil {
		r.cfg.Logger.Warn("blkid lookup failed", "device", device, "error", err)
	}
	return res.Stdout
}

// Version returns the mdadm version string. mdadm -V writes to stderr.
func (r *Reader) Version(ctx context.Context) string {
	argv := r.command("-V")
	res, err := r.cfg.Runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		r.cfg.Logger.Warn("mdadm version lookup failed", "error", err)
	}
	v := strings.TrimSpace(string(res.Stderr))
	if v == "" {
		v = strings.TrimSpace(string(res.Stdout))
	}
	return v
}

// HostDescription describes the operating system as
// "<os> <kernel version> <arch>", e.g. "linux 6.1.0-18-amd64 x86_64".
func HostDescription(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(info.OS+" "+info.KernelVersion+" "+info.KernelArch), " ")
}
