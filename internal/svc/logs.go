package svc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
)

// LogOptions selects which service log lines to show.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ServiceLogPath returns the file the daemon logs to when it runs under
// the service manager. The daemon opens this path itself in service
// mode, so `service logs` reads the same lines on every platform.
func ServiceLogPath(serviceName string) string {
	return serviceLogPathFor(runtime.GOOS, serviceName)
}

func serviceLogPathFor(goos, serviceName string) string {
	if serviceName == "" {
		serviceName = DefaultServiceName()
	}
	if goos == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "DriveSync", serviceName+"-service.log")
	}
	return "/var/log/" + serviceName + "-service.log"
}

// ViewLogs shows the daemon's service log. When the log file is missing
// the daemon fell back to stderr, which systemd captures in the
// journal; other platforms have nothing to read in that case.
func ViewLogs(opts LogOptions) error {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName()
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	path := ServiceLogPath(opts.ServiceName)
	if fileReadable(path) {
		name, args := tailCommandFor(runtime.GOOS, path, opts)
		return runPassthrough(name, args)
	}
	if runtime.GOOS == "linux" {
		name, args := journalCommand(opts)
		return runPassthrough(name, args)
	}
	return fmt.Errorf("no service log at %s; has the service been started?", path)
}

// tailCommandFor builds the platform invocation that prints the tail of
// the service log file.
func tailCommandFor(goos, path string, opts LogOptions) (string, []string) {
	if goos == "windows" {
		script := fmt.Sprintf("Get-Content -Path '%s' -Tail %d", path, opts.Lines)
		if opts.Follow {
			script += " -Wait"
		}
		return "powershell", []string{"-NoProfile", "-Command", script}
	}
	args := []string{"-n", strconv.Itoa(opts.Lines)}
	if opts.Follow {
		args = append(args, "-f")
	}
	return "tail", append(args, path)
}

// journalCommand reads the systemd journal for installs where the
// daemon could not open its log file and logged to stderr instead.
func journalCommand(opts LogOptions) (string, []string) {
	args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}
	return "journalctl", args
}

func runPassthrough(name string, args []string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

func fileReadable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
