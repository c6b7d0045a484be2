package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/buildkite/thingy/logger"
	"github.com/buildkite/thingy/process"
)

// buildWorker runs one build script subprocess, streaming its output into
// log.txt, and reports the terminal status back to its parent branch
// worker. It owns exactly one subprocess handle; there are no further
// messages to it beyond the implicit Abort (§4.4), which is just a call to
// Terminate the underlying process.
type buildWorker struct {
	buildNum int64
	done     chan struct{}

	mu   sync.Mutex
	proc *process.Process
}

// startBuildWorker tokenizes buildScript by whitespace, resolves the first
// token against checkoutDir, and spawns it with working directory
// checkoutDir and PYTHONUNBUFFERED=1 injected. stdout and stderr are each
// piped to their own handle on logPath, prefixed with "[out] "/"[err] ".
// When the subprocess (and both streams) finish, BuildStopped is posted to
// parent.
func startBuildWorker(parent *branchWorker, buildNum int64, buildScript, checkoutDir, logPath string, log logger.Logger) *buildWorker {
	bw := &buildWorker{buildNum: buildNum, done: make(chan struct{})}
	go bw.run(parent, buildScript, checkoutDir, logPath, log)
	return bw
}

func (bw *buildWorker) run(parent *branchWorker, buildScript, checkoutDir, logPath string, log logger.Logger) {
	status := StatusError
	defer func() {
		close(bw.done)
		parent.buildStopped(bw.buildNum, status)
	}()

	fields := strings.Fields(buildScript)
	if len(fields) == 0 {
		log.Error("[Build %d] empty build script", bw.buildNum)
		return
	}

	outFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error("[Build %d] opening log file for stdout: %v", bw.buildNum, err)
		return
	}
	defer outFile.Close()

	errFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error("[Build %d] opening log file for stderr: %v", bw.buildNum, err)
		return
	}
	defer errFile.Close()

	proc := process.New(log, process.Config{
		Path:   filepath.Join(checkoutDir, fields[0]),
		Args:   fields[1:],
		Dir:    checkoutDir,
		Env:    []string{"PYTHONUNBUFFERED=1"},
		Stdout: process.NewPrefixer(outFile, constPrefix("[out] ")),
		Stderr: process.NewPrefixer(errFile, constPrefix("[err] ")),
	})
	bw.mu.Lock()
	bw.proc = proc
	bw.mu.Unlock()

	if err := proc.Run(context.Background()); err != nil {
		log.Error("[Build %d] running build script: %v", bw.buildNum, err)
		return
	}

	ws := proc.WaitStatus()
	if !ws.Signaled() && ws.ExitStatus() == 0 {
		status = StatusFinished
	}
}

// abort terminates the subprocess if it is still running, causing run() to
// unblock from Wait() and proceed through its normal teardown.
func (bw *buildWorker) abort() error {
	bw.mu.Lock()
	proc := bw.proc
	bw.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Terminate()
}

func constPrefix(s string) func() string {
	return func() string { return s }
}
