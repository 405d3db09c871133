// Package prompt asks the operator yes/no questions on a terminal without
// blocking the rest of the process.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

type lineResult struct {
	line string
	err  error
}

// Console reads answers from in and writes questions to out. A single
// worker goroutine owns the reader; each read request is answered on its
// own one-shot channel, so a waiting caller only blocks itself.
type Console struct {
	out io.Writer

	sem      chan struct{} // one question at a time
	requests chan chan lineResult
	once     sync.Once
	in       *bufio.Reader
}

// NewConsole creates a Console. The reader goroutine starts on first use.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		out:      out,
		sem:      make(chan struct{}, 1),
		requests: make(chan chan lineResult),
		in:       bufio.NewReader(in),
	}
}

func (c *Console) worker() {
	for reply := range c.requests {
		line, err := c.in.ReadString('\n')
		if err != nil && line == "" {
			reply <- lineResult{err: err}
			continue
		}
		reply <- lineResult{line: strings.TrimSpace(line)}
	}
}

// readLine asks the worker for the next line. If ctx ends first the line,
// once read, is discarded.
func (c *Console) readLine(ctx context.Context) (string, error) {
	c.once.Do(func() { go c.worker() })

	reply := make(chan lineResult, 1)
	select {
	case c.requests <- reply:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Confirm prints question and waits for "y" or "n". Other input repeats
// the prompt.
func (c *Console) Confirm(ctx context.Context, question string) (bool, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-c.sem }()

	fmt.Fprintf(c.out, "%s (y/n)\n", question)
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return false, fmt.Errorf("prompt: read answer: %w", err)
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(c.out, "Please input either y/n")
	}
}
