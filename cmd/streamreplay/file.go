package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/msgstream/internal/stream"
)

func runFile(cmd *cobra.Command, path string, opts fileOptions) error {
	automaton, err := loadAutomaton(opts.tokensPath)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	asm := stream.NewAssembler(automaton, stream.Config{
		DefaultRole: opts.role,
		DefaultName: opts.name,
	})
	err = replayFragments(f, asm, func(frag stream.Fragment) {
		if opts.showLive {
			_ = enc.Encode(map[string]any{"live": frag})
		}
	})
	if err != nil {
		return err
	}
	if opts.showPending {
		if pending, ok := asm.Pending(); ok {
			_ = enc.Encode(map[string]any{"pending": pending, "scanner": asm.ScannerState()})
		}
	}

	res := asm.Flush()
	if opts.showLive && res.Unsent != nil {
		_ = enc.Encode(map[string]any{"live": *res.Unsent})
	}
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func loadAutomaton(path string) (*stream.Automaton, error) {
	if strings.TrimSpace(path) != "" {
		return stream.LoadTokens(path)
	}
	return stream.NewAutomaton(stream.DefaultTokens()...)
}

// readFragments decodes an NDJSON fragment log. Blank lines and lines
// starting with '#' are skipped.
func readFragments(r io.Reader) ([]stream.Fragment, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var out []stream.Fragment
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var f stream.Fragment
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// replayFragments feeds a fragment log through asm without flushing it.
func replayFragments(r io.Reader, asm *stream.Assembler, live func(stream.Fragment)) error {
	frags, err := readFragments(r)
	if err != nil {
		return err
	}
	for _, f := range frags {
		for _, out := range asm.Add(f) {
			if live != nil {
				live(out)
			}
		}
	}
	return nil
}
