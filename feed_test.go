package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLineFeed(t *testing.T) {
	input := "{\"id\":\"1\"}\n\n   \n{\"id\":\"2\"}  \n{\"id\":\"3\"}"
	feed := NewLineFeed(strings.NewReader(input), zaptest.NewLogger(t))

	var got []string
	var bufs [][]byte
	err := feed.Run(context.Background(), func(line []byte) {
		got = append(got, string(line))
		bufs = append(bufs, line)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":"1"}`, `{"id":"2"}`, `{"id":"3"}`}, got)
	// lines must not share the scanner buffer
	assert.Equal(t, `{"id":"1"}`, string(bufs[0]))
}

func TestLineFeedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := NewLineFeed(strings.NewReader("a\nb\nc\n"), nil)

	var got []string
	err := feed.Run(ctx, func(line []byte) {
		got = append(got, string(line))
		cancel()
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestLineFeedRejectsHugeLine(t *testing.T) {
	feed := NewLineFeed(strings.NewReader(strings.Repeat("x", maxFeedLine+1)), nil)
	err := feed.Run(context.Background(), func([]byte) {})
	assert.Error(t, err)
}
