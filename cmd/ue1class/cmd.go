package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ue1live/internal/config"
	"ue1live/internal/remote"
	"ue1live/pkg/interfaces"
)

const defaultServer = "http://localhost:8080"

var errHelp = errors.New("help provided")

// store is a realtime store the command line owns and must close.
type store interface {
	interfaces.RealtimeStore
	io.Closer
}

type commandLine struct {
	in      io.Reader
	out     io.Writer
	connect func(serverURL string) (store, error) // mockable
	now     func() time.Time
}

func connectRemote(serverURL string) (store, error) {
	client, err := remote.New(serverURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  teacher -lesson ID [-resume SESSION_ID] - create or resume a session and present it")
	fmt.Fprintln(cli.out, "  student -code CODE [-name NAME] [-id IDENTIFIER] - join a session")
	fmt.Fprintln(cli.out, "Common flags: -server URL, -lessons DIR, -config FILE")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "teacher":
		return cli.teacher(args[2:])
	case "student":
		return cli.student(args[2:])
	default:
		cli.printUsage()
		return errHelp
	}
}

// settings returns the coordinator tunables from the service configuration
// sources, so both sides of a deployment agree on them.
func settings(configFile string) (*config.SessionConfig, error) {
	cfg, err := config.Load(configFile, ".env")
	if err != nil {
		return nil, err
	}
	return cfg.Session, nil
}

// repl feeds input lines to handle until it asks to quit or input ends.
// Command errors are printed and do not stop the loop.
func (cli *commandLine) repl(handle func(cmd string, args []string) (quit bool, err error)) error {
	scanner := bufio.NewScanner(cli.in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		quit, err := handle(strings.ToLower(fields[0]), fields[1:])
		if err != nil {
			fmt.Fprintf(cli.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

// syncWriter serialises writes from the input loop and coordinator listeners.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSyncWriter(w io.Writer) *syncWriter {
	return &syncWriter{w: w}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
