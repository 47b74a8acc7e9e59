// Package shell implements the interactive command loop: audit, walk
// free, walk allocated, malloc, free, help, quit. Input is read with
// github.com/peterh/liner for prompt rendering, line history, and
// Ctrl-D/Ctrl-C handling, rather than a bare bufio.Scanner loop.
package shell

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/cznic/wfmalloc/chunkmgr"
	"github.com/cznic/wfmalloc/inspector"
)

const prompt = "> "

var commandList = []string{
	"audit - Audits the heap and displays it in diagram format",
	"walk free - Walks through the free list and prints out info",
	"walk allocated - Walks through the allocated chunks and prints out info",
	"malloc - Allocates a chunk of a user specified size",
	"free - Frees the allocated chunk at the index specified by the user",
	"help - Displays this list of commands",
	"quit - End the session",
}

// Shell is the interactive REPL over a single chunk manager.
type Shell struct {
	m   *chunkmgr.Manager
	ins *inspector.Inspector
	out io.Writer
	in  *liner.State
}

// New returns a Shell over m, writing all output to out.
func New(m *chunkmgr.Manager, out io.Writer) *Shell {
	return &Shell{
		m:   m,
		ins: inspector.New(m),
		out: out,
		in:  liner.NewLiner(),
	}
}

// Run starts the command loop. It returns when the user types "quit" or
// sends EOF (Ctrl-D); both are normal termination, never an error.
func (s *Shell) Run() error {
	defer s.in.Close()
	s.in.SetCtrlCAborts(true)

	s.printCommands()

	for {
		line, err := s.in.Prompt(prompt)
		if err == liner.ErrPromptAborted || err == io.EOF {
			fmt.Fprintln(s.out, "\nSession ended")
			return nil
		}
		if err != nil {
			return err
		}

		s.in.AppendHistory(line)
		if s.dispatch(strings.Fields(line)) {
			fmt.Fprintln(s.out, "\nSession ended")
			return nil
		}
	}
}

// dispatch executes one command line's worth of tokens and reports
// whether the shell should terminate.
func (s *Shell) dispatch(tokens []string) (quit bool) {
	if len(tokens) == 0 {
		return false
	}

	switch tokens[0] {
	case "audit":
		s.ins.Audit(s.out)
	case "walk":
		s.walk(tokens[1:])
	case "malloc":
		s.malloc()
	case "free":
		s.free()
	case "help":
		s.printCommands()
	case "quit":
		return true
	default:
		fmt.Fprintf(s.out, "Unrecognized command. Type 'help' to see the list of commands\n")
	}
	return false
}

func (s *Shell) walk(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "Invalid command for 'walk'. Type 'help' to see the list of commands")
		return
	}

	switch args[0] {
	case "free":
		for _, f := range s.ins.WalkFree() {
			fmt.Fprintf(s.out, "Free chunk at %d with size %d and next %d\n", f.Addr, f.Capacity, f.Next)
		}
	case "allocated":
		for _, a := range s.ins.WalkAllocated() {
			fmt.Fprintf(s.out, "Allocated chunk at %d with size %d and magic %d\n", a.Addr, a.PayloadSize, a.Magic)
		}
	default:
		fmt.Fprintln(s.out, "Invalid command for 'walk'. Type 'help' to see the list of commands")
	}
}

func (s *Shell) malloc() {
	line, err := s.in.Prompt("Size of chunk to allocate: ")
	if err != nil {
		fmt.Fprintln(s.out, "no size given")
		return
	}

	size, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		fmt.Fprintln(s.out, "not a valid size")
		return
	}

	fmt.Fprintf(s.out, "You requested to allocate a chunk of size %d\n", size)
	if p := s.m.Alloc(size); p == nil {
		fmt.Fprintln(s.out, "allocation failed")
	}
}

func (s *Shell) free() {
	line, err := s.in.Prompt("Index of allocated chunk to free (the first allocated chunk is index 1): ")
	if err != nil {
		fmt.Fprintln(s.out, "no index given")
		return
	}

	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		fmt.Fprintln(s.out, "not a valid index")
		return
	}

	fmt.Fprintf(s.out, "You requested to free allocated chunk at index %d\n", idx)
	s.ins.ReleaseNthAllocated(idx)
}

func (s *Shell) printCommands() {
	fmt.Fprintln(s.out)
	for _, c := range commandList {
		fmt.Fprintln(s.out, c)
	}
	fmt.Fprintln(s.out)
}
