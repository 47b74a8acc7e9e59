// Command wfmalloc is the worst-fit heap allocator's CLI: with no
// argument it starts the interactive shell; with a single decimal
// argument 0-7 it runs the correspondingly numbered test bundle (0 = all);
// any other argument prints usage and exits.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/cznic/wfmalloc/chunkmgr"
	"github.com/cznic/wfmalloc/region"
	"github.com/cznic/wfmalloc/scenarios"
	"github.com/cznic/wfmalloc/shell"
)

func main() {
	pflag.Usage = printUsage
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		runShell()
		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n > 7 {
		printUsage()
		return
	}

	if err := scenarios.RunNumber(os.Stdout, n); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(0)
	}
}

func runShell() {
	r, err := region.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to acquire heap region:", err)
		os.Exit(0)
	}

	m := chunkmgr.New(r)
	s := shell.New(m, os.Stdout)
	if err := s.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func printUsage() {
	fmt.Println("Unrecognized flag. Please consult the following usage.")
	fmt.Println("0 - run all tests in below order.")
	fmt.Println("1 - run free chunk reuse tests.")
	fmt.Println("2 - run sorted free list tests.")
	fmt.Println("3 - run splitting free chunks tests.")
	fmt.Println("4 - run coalescing tests.")
	fmt.Println("5 - run alternating sequence tests.")
	fmt.Println("6 - run worst fit tests.")
	fmt.Println("7 - run malloc bad value tests.")
	fmt.Println()
	fmt.Println("Or do not specify any flags and it will run an interactive shell.")
}
