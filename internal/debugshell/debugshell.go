// Package debugshell implements the optional interactive REPL described in
// SPEC_FULL.md's expanded component spec: a -debug-flag-gated, readline
// backed shell that drives internal/command's request/reply primitives
// directly, for manual register reads/writes during commissioning.
// Adapted from the teacher's debug_worker.go topic-watch REPL, swapping a
// live MQTT sensor table for synchronous holding-register commands.
package debugshell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/lxp-bridge/bridge/internal/command"
	"github.com/lxp-bridge/bridge/internal/config"
)

// StatsSnapshot renders a human-readable summary of the coordinator's
// counters. *coordinator.Stats satisfies it.
type StatsSnapshot interface {
	String() string
}

// Shell is the debug REPL. Every command it runs goes through
// internal/command, the same path the MQTT gateway and scheduler use —
// never a protocol shortcut.
type Shell struct {
	Store    *config.Store
	Channels command.Channels
	Stats    StatsSnapshot
	Log      zerolog.Logger
}

// New builds a Shell ready for Run.
func New(store *config.Store, channels command.Channels, stats StatsSnapshot, log zerolog.Logger) *Shell {
	return &Shell{Store: store, Channels: channels, Stats: stats, Log: log}
}

func historyFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "lxp-bridge")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "debug_history")
}

// Run starts the interactive REPL and blocks until ctx is cancelled or the
// operator exits (Ctrl+D or Ctrl+C, which also cancels cancel).
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "lxp-bridge> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		return fmt.Errorf("debug shell: readline init failed: %w", err)
	}
	defer rl.Close()

	commands := make(chan string, 10)
	go s.readLoop(ctx, cancel, rl, commands)

	for {
		select {
		case line := <-commands:
			s.dispatch(ctx, rl, line)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Shell) readLoop(ctx context.Context, cancel context.CancelFunc, rl *readline.Instance, commands chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel()
			return
		}
		if err != nil {
			cancel() // EOF or closed terminal: shut the whole process down
			return
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commands <- line
		}
	}
}

func (s *Shell) dispatch(ctx context.Context, rl *readline.Instance, line string) {
	if out := s.eval(ctx, line); out != "" {
		s.println(rl, out)
	}
}

// eval runs one command line and returns the text to print, with no
// dependency on a live terminal — the part of the shell exercised by tests.
func (s *Shell) eval(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "read":
		return s.evalRead(ctx, fields[1:])
	case "set":
		return s.evalSet(ctx, fields[1:])
	case "stats":
		return s.statsString()
	case "help":
		return helpText
	default:
		return fmt.Sprintf("unknown command: %s (try 'help')", fields[0])
	}
}

func (s *Shell) statsString() string {
	if s.Stats == nil {
		return "no stats available"
	}
	return s.Stats.String()
}

const helpText = `commands:
  read hold <datalog> <register> <count>  - read holding registers
  set hold <datalog> <register> <value>   - write one holding register
  stats                                    - print packet/error counters
  help                                     - show this help`

func (s *Shell) println(rl *readline.Instance, line string) {
	rl.Clean()
	fmt.Println(line)
	rl.Refresh()
}

func (s *Shell) findInverter(datalog string) (config.Inverter, error) {
	inv, ok := s.Store.Snapshot().InverterByDatalog(datalog)
	if !ok {
		return config.Inverter{}, fmt.Errorf("unknown or disabled datalog: %s", datalog)
	}
	return inv, nil
}

func (s *Shell) evalRead(ctx context.Context, args []string) string {
	if len(args) != 4 || args[0] != "hold" {
		return "usage: read hold <datalog> <register> <count>"
	}
	inv, err := s.findInverter(args[1])
	if err != nil {
		return err.Error()
	}
	register, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return "register must be a number"
	}
	count, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil || count == 0 {
		return "count must be a positive number"
	}

	reply, err := command.ReadHold(ctx, s.Channels, inv, uint16(register), uint16(count))
	if err != nil {
		return fmt.Sprintf("read failed: %v", err)
	}
	return fmt.Sprintf("%v", reply.TranslatedData.Pairs())
}

func (s *Shell) evalSet(ctx context.Context, args []string) string {
	if len(args) != 4 || args[0] != "hold" {
		return "usage: set hold <datalog> <register> <value>"
	}
	inv, err := s.findInverter(args[1])
	if err != nil {
		return err.Error()
	}
	register, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return "register must be a number"
	}
	value, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil {
		return "value must be a number"
	}

	reply, err := command.SetHold(ctx, s.Channels, inv, uint16(register), uint16(value))
	if err != nil {
		return fmt.Sprintf("set failed: %v", err)
	}
	return fmt.Sprintf("register %d now %d", register, reply.Value())
}
