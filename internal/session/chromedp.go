package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const actionTimeout = 30 * time.Second

type chromedpTab struct {
	allocCancel context.CancelFunc
	tabCtx      context.Context
}

// dialChromedp attaches to the first existing page of the remote browser and
// only opens a new one when there is none. Tabs are attached through the first
// chromedp context so cancelling it detaches without closing the page.
func dialChromedp(ctx context.Context, wsURL string) (tab, error) {
	pageID, err := firstPageTarget(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)

	var opts []chromedp.ContextOption
	if pageID != "" {
		opts = append(opts, chromedp.WithTargetID(pageID))
	}
	tabCtx, _ := chromedp.NewContext(allocCtx, opts...)

	// The first Run allocates the connection with the context it is given, so
	// it gets tabCtx itself and the deadline is enforced through allocCancel.
	release := guard(ctx, allocCancel, actionTimeout)
	err = chromedp.Run(tabCtx)
	release()
	if err != nil {
		allocCancel()
		return nil, fmt.Errorf("attach to page: %w", err)
	}

	return &chromedpTab{allocCancel: allocCancel, tabCtx: tabCtx}, nil
}

func firstPageTarget(ctx context.Context, wsURL string) (target.ID, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)
	defer allocCancel()

	probeCtx, _ := chromedp.NewContext(allocCtx)
	release := guard(ctx, allocCancel, actionTimeout)
	defer release()

	targets, err := chromedp.Targets(probeCtx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" {
			return t.TargetID, nil
		}
	}
	return "", nil
}

// guard runs cancel if the caller's ctx ends or timeout passes before the
// returned release func is called.
func guard(caller context.Context, cancel context.CancelFunc, timeout time.Duration) func() {
	timer := time.AfterFunc(timeout, cancel)
	stop := context.AfterFunc(caller, cancel)
	return func() {
		timer.Stop()
		stop()
	}
}

// withCaller derives a chromedp context bounded by timeout that also ends when
// the caller's ctx does.
func withCaller(caller, chromeCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(chromeCtx, timeout)
	stop := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (t *chromedpTab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := withCaller(ctx, t.tabCtx, actionTimeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (t *chromedpTab) Fill(ctx context.Context, selector, text string) error {
	return t.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (t *chromedpTab) Click(ctx context.Context, selector string) error {
	return t.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (t *chromedpTab) Exists(ctx context.Context, selector string) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}

	var ok bool
	err = t.run(ctx, chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s) !== null`, sel), &ok))
	return ok, err
}

type responseSnapshot struct {
	Count int    `json:"count"`
	Last  string `json:"last"`
}

func (t *chromedpTab) Responses(ctx context.Context, selector string) (int, string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return 0, "", err
	}

	var snap responseSnapshot
	script := fmt.Sprintf(`(() => {
  const nodes = document.querySelectorAll(%s);
  const last = nodes.length ? nodes[nodes.length - 1].innerText : "";
  return { count: nodes.length, last: last };
})()`, sel)
	if err := t.run(ctx, chromedp.Evaluate(script, &snap)); err != nil {
		return 0, "", err
	}
	return snap.Count, snap.Last, nil
}

func (t *chromedpTab) Links(ctx context.Context) ([]string, error) {
	var links []string
	err := t.run(ctx, chromedp.Evaluate(`Array.from(document.querySelectorAll("a[href]"), a => a.href)`, &links))
	return links, err
}

func (t *chromedpTab) Location(ctx context.Context) (string, error) {
	var loc string
	err := t.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (t *chromedpTab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (t *chromedpTab) Close() {
	if t.allocCancel != nil {
		t.allocCancel()
	}
}
