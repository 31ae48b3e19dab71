package main

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"go.uber.org/zap"
)

const maxFeedLine = 1 << 20

// LineFeed reads one announcement (or gateway frame) per line.
type LineFeed struct {
	r   io.Reader
	log *zap.Logger
}

func NewLineFeed(r io.Reader, log *zap.Logger) *LineFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &LineFeed{r: r, log: log.Named("feed")}
}

// Run calls submit for every non-empty line until EOF or ctx ends.
func (f *LineFeed) Run(ctx context.Context, submit func([]byte)) error {
	scanner := bufio.NewScanner(f.r)
	scanner.Buffer(make([]byte, 64*1024), maxFeedLine)

	lines := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		// the scanner reuses its buffer
		submit(append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	f.log.Debug("feed exhausted", zap.Int("lines", lines))
	return nil
}
