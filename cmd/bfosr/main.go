//go:build linux && amd64

//go:debug asyncpreemptoff=1

// Command bfosr runs a brainfuck-like source file under the OSR runtime,
// continuously restaging recompilations of it with different output
// stylings while it executes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"bf.run/bfosr/runtime"
)

var colorCycle = []string{"red", "green", "yellow", "blue", "magenta", "cyan"}

func main() {
	optLevel := flag.Int("opt", 1, "optimization level used for OSR recompilations")
	interval := flag.Duration("interval", 900*time.Millisecond, "delay between OSR style changes")
	cycles := flag.Int("cycles", 0, "number of color cycles to run before leaving the program at its final style (0 = forever)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <source-file>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *optLevel, *interval, *cycles); err != nil {
		fmt.Fprintf(os.Stderr, "bfosr: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, optLevel int, interval time.Duration, cycles int) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// A ',' operator reads one byte per occurrence with no notion of
	// lines; in a real terminal that means raw mode, or every read blocks
	// until Enter. Piped/redirected stdin (not a TTY) is left alone.
	if stdinFd := int(os.Stdin.Fd()); term.IsTerminal(stdinFd) {
		prevState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("putting stdin into raw mode: %w", err)
		}
		defer term.Restore(stdinFd, prevState)
	}

	rt, err := runtime.New(string(source))
	if err != nil {
		return fmt.Errorf("compiling initial version: %w", err)
	}
	defer func() {
		rt.Close()
		fmt.Print("\x1b[0m")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return rt.Run()
	})
	g.Go(func() error {
		defer cancel()
		return mutate(ctx, rt, optLevel, interval, cycles)
	})

	return g.Wait()
}

// mutate cycles RequestOSR through colorCycle at the configured interval,
// stopping after cycles full passes (0 meaning run until ctx is canceled,
// i.e. until the executor finishes on its own).
func mutate(ctx context.Context, rt *runtime.Runtime, optLevel int, interval time.Duration, cycles int) error {
	time.Sleep(interval)

	for pass := 0; cycles == 0 || pass < cycles; pass++ {
		for _, style := range colorCycle {
			if ctx.Err() != nil {
				return nil
			}
			if err := rt.RequestOSR(optLevel, style); err != nil {
				return fmt.Errorf("requesting OSR to style %q: %w", style, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
	return nil
}
