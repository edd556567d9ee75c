package scraper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/aluiziolira/go-scrape-catalog/config"
)

const browserSettle = 3 * time.Second

// BrowserBackend renders pages in headless Chrome for listings that only
// populate their cards from script.
type BrowserBackend struct {
	timeout time.Duration
	settle  time.Duration

	once        sync.Once
	startErr    error
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancelTab   context.CancelFunc
}

// NewBrowserBackend prepares the allocator. Chrome starts on the first Get.
func NewBrowserBackend(cfg *config.Config) *BrowserBackend {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("log-level", "3"),
		chromedp.WindowSize(1366, 900),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	return &BrowserBackend{
		timeout:     cfg.Timeout,
		settle:      browserSettle,
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
	}
}

func (b *BrowserBackend) browser() (context.Context, error) {
	b.once.Do(func() {
		b.browserCtx, b.cancelTab = chromedp.NewContext(b.allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
		if err := chromedp.Run(b.browserCtx); err != nil {
			b.startErr = fmt.Errorf("start browser: %w", err)
		}
	})
	return b.browserCtx, b.startErr
}

// Get opens req.URL in a new tab and returns the rendered document. The
// document status comes from the main-frame network response.
func (b *BrowserBackend) Get(ctx context.Context, req *Request) (*Response, error) {
	parent, err := b.browser()
	if err != nil {
		return nil, err
	}
	tabCtx, cancelTab := chromedp.NewContext(parent)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.timeout+b.settle)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var status atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, e.Response.Status)
		}
	})

	headers := network.Headers{}
	if req.Identity.AcceptLanguage != "" {
		headers["Accept-Language"] = req.Identity.AcceptLanguage
	}
	if req.Identity.Referer != "" {
		headers["Referer"] = req.Identity.Referer
	}

	var html string
	err = chromedp.Run(tabCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(req.Identity.UserAgent).WithAcceptLanguage(req.Identity.AcceptLanguage),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(req.URL),
		chromedp.Sleep(b.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("render %s: %w", req.URL, err)
	}

	code := int(status.Load())
	if code == 0 {
		code = 200
	}
	return &Response{URL: req.URL, StatusCode: code, Body: []byte(html)}, nil
}

// Close shuts the browser down.
func (b *BrowserBackend) Close() error {
	if b.cancelTab != nil {
		b.cancelTab()
	}
	b.cancelAlloc()
	return nil
}
