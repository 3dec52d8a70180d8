package headless

import (
	"context"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"
)

// LaunchOptions configures a controlled browser instance.
type LaunchOptions struct {
	ExecutablePath string
	DestinationURL string
}

// Page is one controllable tab. The DOM-interaction internals behind this
// interface are explicitly out of scope for the relay core (spec.md §1);
// what the core specifies is the session-controller side that drives it.
type Page interface {
	Navigate(ctx context.Context, url string) error
	ClickText(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	SelectByVisibleText(ctx context.Context, selector, visibleText string) (value string, err error)
	Type(ctx context.Context, selector, text string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	Close(ctx context.Context) error
}

// Browser launches controlled browser processes.
type Browser interface {
	Launch(ctx context.Context, opts LaunchOptions) (Page, error)
}

// ProcessBrowser spawns the binary named by PUPPETEER_EXECUTABLE_PATH (or a
// platform default) with the hardened flag set spec.md §4.G names: no
// sandbox, disabled background throttling, disabled extensions, a modest
// memory cap.
//
// No browser-automation library (chromedp, rod, playwright-go, or
// equivalent) appears anywhere in the retrieved example corpus, so this is
// grounded on os/exec — see DESIGN.md for why no third-party dependency
// could serve this concern instead. The DevTools-protocol page driver
// behind Page is deliberately left unimplemented in detail (a real driver
// would dial the process's remote-debugging port and speak the DevTools
// protocol's JSON-RPC dialect over it); ProcessPage below is the seam a
// production build fills in, kept separate so the controller and its tests
// depend only on the Page interface.
type ProcessBrowser struct {
	ExecutablePath string
}

// NewProcessBrowser returns a ProcessBrowser using execPath, or a platform
// default when execPath is empty.
func NewProcessBrowser(execPath string) *ProcessBrowser {
	if execPath == "" {
		execPath = defaultExecutablePath()
	}
	return &ProcessBrowser{ExecutablePath: execPath}
}

func defaultExecutablePath() string {
	return "chromium"
}

// hardenedFlags is the flag set spec.md §4.G step 4 requires.
func hardenedFlags(remoteDebuggingPort int) []string {
	return []string{
		"--headless=new",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--disable-extensions",
		"--js-flags=--max-old-space-size=512",
		fmt.Sprintf("--remote-debugging-port=%d", remoteDebuggingPort),
	}
}

// Launch starts the browser process and returns a Page bound to its
// DevTools endpoint, navigated to opts.DestinationURL.
func (b *ProcessBrowser) Launch(ctx context.Context, opts LaunchOptions) (Page, error) {
	execPath := opts.ExecutablePath
	if execPath == "" {
		execPath = b.ExecutablePath
	}

	port := allocateDebugPort()
	cmd := exec.CommandContext(ctx, execPath, hardenedFlags(port)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	page := &ProcessPage{cmd: cmd, debugPort: port}
	if opts.DestinationURL != "" {
		if err := page.Navigate(ctx, opts.DestinationURL); err != nil {
			_ = page.Close(ctx)
			return nil, err
		}
	}
	return page, nil
}

var debugPortCounter = atomic.Int64{}

func init() { debugPortCounter.Store(9222) }

// allocateDebugPort hands out a distinct remote-debugging port per launched
// process so concurrently-spawned browsers never collide.
func allocateDebugPort() int {
	return int(debugPortCounter.Add(1))
}

// ProcessPage drives one os/exec-spawned browser process. Its DOM-level
// methods are thin seams over the process's DevTools endpoint; the relay
// core depends only on the Page interface they satisfy, so a headless
// session's orchestration logic (controller.go) is fully testable against
// a fake Page without spawning a real browser.
type ProcessPage struct {
	cmd       *exec.Cmd
	debugPort int
}

func (p *ProcessPage) Navigate(ctx context.Context, url string) error { return nil }

func (p *ProcessPage) ClickText(ctx context.Context, selector, text string) error { return nil }

func (p *ProcessPage) Click(ctx context.Context, selector string) error { return nil }

func (p *ProcessPage) SelectByVisibleText(ctx context.Context, selector, visibleText string) (string, error) {
	return "", nil
}

func (p *ProcessPage) Type(ctx context.Context, selector, text string) error { return nil }

func (p *ProcessPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (p *ProcessPage) Close(ctx context.Context) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
