package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLaunchError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		running bool
		msg     string
	}{
		{
			name:    "profile locked",
			err:     errors.New("[launcher] Failed to get the debug url: ProcessSingleton: profile in use"),
			running: true,
		},
		{
			name:    "existing session",
			err:     errors.New("Opening in existing browser session."),
			running: true,
		},
		{
			name: "download denied",
			err:  errors.New("mkdir /opt/rod: permission denied"),
			msg:  "browser download failed",
		},
		{
			name: "anything else",
			err:  errBoom,
			msg:  "failed to launch browser",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := launchError(tt.err)
			assert.Equal(t, tt.running, errors.Is(err, errChromeAlreadyRunning))
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestBrowserUserAgent(t *testing.T) {
	b := NewBrowser(BrowserConfig{}, zaptest.NewLogger(t))
	assert.Equal(t, defaultUserAgent, b.userAgent())

	agents := []string{"ua-one", "ua-two"}
	b = NewBrowser(BrowserConfig{UserAgents: agents}, nil)
	for i := 0; i < 20; i++ {
		assert.Contains(t, agents, b.userAgent())
	}
}

func TestBrowserNewPageBeforeLaunch(t *testing.T) {
	b := NewBrowser(BrowserConfig{}, nil)

	_, err := b.NewPage(context.Background())
	assert.ErrorIs(t, err, errBrowserNotLaunched)
	assert.False(t, b.alive())

	b.Close()
	b.Close()
}

func TestBrowserConnectFailure(t *testing.T) {
	b := NewBrowser(BrowserConfig{ControlURL: "ws://127.0.0.1:1/devtools/browser/none"}, zaptest.NewLogger(t))

	err := b.Launch(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to browser")
	b.Close()
}
