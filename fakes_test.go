package main

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"
)

// fakePage is an in-memory Page. Elements listed in appear show up after
// their delay; anything else never appears.
type fakePage struct {
	mu sync.Mutex

	navErr     error
	appear     map[string]time.Duration
	texts      map[string]string
	clickErr   map[string]error
	clickDelay time.Duration
	panicOn    string // Has and WaitElement panic for this selector

	url       string
	links     []Link
	linkURL   string // page URL after following a link
	linkDelay time.Duration

	calls  []string
	clicks []string
	closed int
}

func newFakePage() *fakePage {
	return &fakePage{
		appear:   map[string]time.Duration{},
		texts:    map[string]string{},
		clickErr: map[string]error{},
		url:      "about:blank",
	}
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.record("navigate " + url)
	if p.navErr != nil {
		return p.navErr
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return ctx.Err()
}

func (p *fakePage) WaitElement(ctx context.Context, selector string) error {
	p.record("wait " + selector)
	if p.panicOn != "" && selector == p.panicOn {
		panic("page crashed")
	}

	p.mu.Lock()
	delay, ok := p.appear[selector]
	p.mu.Unlock()
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePage) Has(_ context.Context, selector string) (bool, error) {
	p.record("has " + selector)
	if p.panicOn != "" && selector == p.panicOn {
		panic("page crashed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delay, ok := p.appear[selector]
	return ok && delay == 0, nil
}

func (p *fakePage) Text(_ context.Context, selector string) (string, error) {
	p.record("text " + selector)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texts[selector], nil
}

func (p *fakePage) ClickAndWait(ctx context.Context, selector string) error {
	p.record("click " + selector)
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	err := p.clickErr[selector]
	p.mu.Unlock()

	if p.clickDelay > 0 {
		select {
		case <-time.After(p.clickDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *fakePage) FindLink(ctx context.Context, pattern string) (Link, error) {
	p.record("findlink " + pattern)
	re := regexp.MustCompile("(?i)" + pattern)
	for _, l := range p.links {
		if re.MatchString(l.Text) {
			return l, nil
		}
	}
	<-ctx.Done()
	return Link{}, ctx.Err()
}

func (p *fakePage) ClickLink(_ context.Context, link Link) error {
	p.record("clicklink " + link.Text)
	go func() {
		time.Sleep(p.linkDelay)
		p.mu.Lock()
		if p.linkURL != "" {
			p.url = p.linkURL
		}
		p.mu.Unlock()
	}()
	return nil
}

func (p *fakePage) URL(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePage) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePage) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// fakeOpener hands out pages from a factory and remembers them.
type fakeOpener struct {
	mu      sync.Mutex
	factory func(n int) *fakePage
	pages   []*fakePage
	err     error
}

func (o *fakeOpener) NewPage(context.Context) (Page, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	p := o.factory(len(o.pages))
	o.pages = append(o.pages, p)
	return p, nil
}

func (o *fakeOpener) opened() []*fakePage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakePage(nil), o.pages...)
}

// recordingSink collects events synchronously.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) states() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.State)
	}
	return out
}

func (s *recordingSink) statesFor(productID string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for _, ev := range s.events {
		if ev.ProductID == productID {
			out = append(out, ev.State)
		}
	}
	return out
}

func fastTimeouts() Timeouts {
	return Timeouts{
		Navigation:   200 * time.Millisecond,
		Consent:      50 * time.Millisecond,
		Status:       200 * time.Millisecond,
		Click:        200 * time.Millisecond,
		Confirmation: 200 * time.Millisecond,
	}
}

var errBoom = errors.New("boom")

func testVendorSpec() VendorSpec {
	return VendorSpec{
		Selectors: Selectors{
			AddCart:     "#add",
			Unavailable: "#oos",
			Captcha:     "#captcha",
			Success:     "#ok",
		},
		SuccessPattern: "ajouté au panier",
	}
}

func testVendorConfig(t interface{ Fatalf(string, ...any) }) VendorConfig {
	cfg, err := ResolveVendorConfig("ldlc", testVendorSpec())
	if err != nil {
		t.Fatalf("resolve vendor: %v", err)
	}
	return cfg
}

func testRecord() ProductRecord {
	return ProductRecord{
		ID:       "1",
		Price:    "499",
		URL:      "https://ldlc.example/x",
		Vendor:   "ldlc",
		ColorTag: colorTag("1"),
	}
}
