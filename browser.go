package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

var (
	errChromeAlreadyRunning = errors.New("chrome is already running with this profile")
	errBrowserNotLaunched   = errors.New("browser not launched")
)

// PageOpener hands out fresh tabs. Each caller owns the page it receives.
type PageOpener interface {
	NewPage(ctx context.Context) (Page, error)
}

// Browser is the Chrome process shared by every session. Sessions only
// open and close their own tabs on it.
type Browser struct {
	cfg BrowserConfig
	log *zap.Logger

	browser  *rod.Browser
	launcher *launcher.Launcher

	randMu sync.Mutex
	rand   *rand.Rand

	stopChan  chan struct{}
	closeOnce sync.Once
}

func NewBrowser(cfg BrowserConfig, log *zap.Logger) *Browser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Browser{
		cfg:      cfg,
		log:      log.Named("browser"),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopChan: make(chan struct{}),
	}
}

// Launch starts (or connects to) Chrome. onDeath is called once if the
// browser goes away while the bot is running.
func (b *Browser) Launch(ctx context.Context, onDeath func()) error {
	controlURL := b.cfg.ControlURL

	if controlURL == "" {
		// Leakless deadlocks on Windows: https://github.com/go-rod/rod/issues/853
		useLeakless := runtime.GOOS != "windows"

		b.launcher = launcher.New().
			Context(ctx).
			Leakless(useLeakless).
			Headless(b.cfg.Headless)

		// UserDataDir must be set before Bin.
		if b.cfg.ProfilePath != "" {
			b.launcher = b.launcher.UserDataDir(b.cfg.ProfilePath)
			b.log.Debug("browser profile", zap.String("path", b.cfg.ProfilePath))
		}

		if chromePath, ok := launcher.LookPath(); ok {
			b.launcher = b.launcher.Bin(chromePath)
			b.log.Info("using system chrome", zap.String("path", chromePath))
		} else {
			b.log.Info("system chrome not found, downloading chromium")
		}

		u, err := b.launcher.Launch()
		if err != nil {
			return launchError(err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	b.browser = browser

	go b.watch(onDeath)
	b.log.Info("browser ready", zap.Bool("headless", b.cfg.Headless))
	return nil
}

// launchError turns the launcher's raw failures into actionable messages.
func launchError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Opening in existing browser session"),
		strings.Contains(msg, "ProcessSingleton"),
		strings.Contains(msg, "SingletonLock"):
		return fmt.Errorf("%w: close every chrome window or point browser.profile_path elsewhere", errChromeAlreadyRunning)
	case strings.Contains(msg, "Access is denied"), strings.Contains(msg, "permission denied"):
		return fmt.Errorf("browser download failed, check permissions on the rod cache or install chrome: %w", err)
	}
	return fmt.Errorf("failed to launch browser: %w", err)
}

// NewPage opens a stealth tab with a user agent picked from the config.
func (b *Browser) NewPage(ctx context.Context) (Page, error) {
	if b.browser == nil {
		return nil, errBrowserNotLaunched
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := stealth.Page(b.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	ua := b.userAgent()
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
		b.log.Debug("set user agent failed", zap.Error(err))
	}

	return newRodPage(page), nil
}

func (b *Browser) userAgent() string {
	if len(b.cfg.UserAgents) == 0 {
		return defaultUserAgent
	}
	b.randMu.Lock()
	defer b.randMu.Unlock()
	return b.cfg.UserAgents[b.rand.Intn(len(b.cfg.UserAgents))]
}

func (b *Browser) alive() bool {
	if b.browser == nil {
		return false
	}
	if _, err := b.browser.Version(); err != nil {
		b.log.Debug("browser version check failed", zap.Error(err))
		return false
	}
	return true
}

func (b *Browser) watch(onDeath func()) {
	interval := b.cfg.WatchInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if !b.alive() {
				b.log.Warn("browser closed, shutting down")
				if onDeath != nil {
					onDeath()
				}
				return
			}
		}
	}
}

// Close stops the watcher and tears down the browser and launcher.
func (b *Browser) Close() {
	b.closeOnce.Do(func() {
		close(b.stopChan)

		if b.browser != nil {
			if err := b.browser.Close(); err != nil {
				b.log.Debug("browser close", zap.Error(err))
			}
		}
		if b.launcher != nil {
			b.launcher.Cleanup()
		}
		b.log.Info("browser destroyed")
	})
}
