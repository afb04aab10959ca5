// File: internal/automation/chromedp.go
package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/taskfleet/agent/api/schemas"
	"github.com/taskfleet/agent/internal/config"
)

// bridgeBinding is the name of the function the page script environment calls
// to signal completion of one automation step.
const bridgeBinding = "taskfleetBridge"

// bindingPayload is the JSON body the page passes to the binding.
type bindingPayload struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ChromeSession is an AutomationSession backed by a dedicated headless Chrome
// tab. The tab's runtime binding feeds the correlation bridge, so an async
// script workflow on the page resolves exactly one outstanding step.
type ChromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	bridge      *Bridge
	logger      *zap.Logger
	closeOnce   sync.Once
}

var _ schemas.AutomationSession = (*ChromeSession)(nil)

// NewSessionFactory returns a SessionFactory producing chromedp-backed
// sessions with the given browser configuration.
func NewSessionFactory(cfg config.BrowserConfig, logger *zap.Logger) schemas.SessionFactory {
	return func(ctx context.Context) (schemas.AutomationSession, error) {
		return NewChromeSession(ctx, cfg, logger)
	}
}

// NewChromeSession launches a browser tab scoped to one job. The returned
// session must be closed on every exit path of that job.
func NewChromeSession(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*ChromeSession, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)

	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	tabCtx, cancel := chromedp.NewContext(allocCtx, ctxOpts...)

	s := &ChromeSession{
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		bridge:      NewBridge(),
		logger:      logger.Named("browser"),
	}
	chromedp.ListenTarget(tabCtx, s.onTargetEvent)

	// Start the browser process and install the callback binding before any
	// navigation so page scripts can always reach it.
	if err := chromedp.Run(tabCtx, runtime.AddBinding(bridgeBinding)); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browsing session: %w", err)
	}

	s.logger.Debug("browsing session started")
	return s, nil
}

// onTargetEvent routes binding calls from the page into the bridge.
func (s *ChromeSession) onTargetEvent(ev any) {
	bc, ok := ev.(*runtime.EventBindingCalled)
	if !ok || bc.Name != bridgeBinding {
		return
	}

	var p bindingPayload
	if err := codec.UnmarshalFromString(bc.Payload, &p); err != nil {
		s.logger.Warn("discarding malformed bridge callback", zap.Error(err))
		return
	}
	if !s.bridge.Resolve(p.ID, Reply{Success: p.Success, Message: p.Message}) {
		// Late callback for a request that already timed out.
		s.logger.Debug("dropping stale bridge callback", zap.String("request_id", p.ID))
	}
}

// Navigate loads the target URL in the session's tab.
func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	s.logger.Debug("navigating", zap.String("url", url))
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// WaitReady blocks until the document body is present or ctx expires.
func (s *ChromeSession) WaitReady(ctx context.Context) error {
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("page did not become ready: %w", err)
	}
	return nil
}

// PerformStep kicks off the asynchronous delist script for one item and
// awaits its single bridge completion. The caller bounds the wait via ctx; a
// late or absent callback is discarded here.
func (s *ChromeSession) PerformStep(ctx context.Context, itemID string) error {
	requestID, ch := s.bridge.Open()

	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()

	script, err := buildStepScript(requestID, itemID)
	if err != nil {
		s.bridge.Discard(requestID)
		return err
	}
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, nil)); err != nil {
		s.bridge.Discard(requestID)
		return fmt.Errorf("failed to start step for item %s: %w", itemID, err)
	}

	reply, err := s.bridge.Await(ctx, ch)
	if err != nil {
		s.bridge.Discard(requestID)
		return err
	}
	if !reply.Success {
		return fmt.Errorf("step rejected for item %s: %s", itemID, reply.Message)
	}
	return nil
}

// Close tears down the tab and the browser process. Idempotent.
func (s *ChromeSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil {
			s.logger.Debug("browser shutdown reported error", zap.Error(err))
		}
		s.cancel()
		s.allocCancel()
		s.logger.Debug("browsing session closed")
	})
	return nil
}

// buildStepScript renders the page-side workflow for one item. The script
// locates the item's management row, triggers its delist control, and reports
// the outcome through the bridge binding exactly once.
func buildStepScript(requestID, itemID string) (string, error) {
	quotedRequest, err := codec.MarshalToString(requestID)
	if err != nil {
		return "", fmt.Errorf("failed to encode request id: %w", err)
	}
	quotedItem, err := codec.MarshalToString(itemID)
	if err != nil {
		return "", fmt.Errorf("failed to encode item id: %w", err)
	}

	return fmt.Sprintf(`(function () {
	var requestId = %s;
	var itemId = %s;
	var settled = false;
	var done = function (success, message) {
		if (settled) { return; }
		settled = true;
		window.%s(JSON.stringify({ id: requestId, success: success, message: message }));
	};
	try {
		var row = document.querySelector('[data-item-id=' + JSON.stringify(itemId) + ']');
		if (!row) {
			done(false, 'item not found on page: ' + itemId);
			return;
		}
		var control = row.querySelector('[data-action="delist"], .delist-btn');
		if (!control) {
			done(false, 'delist control not found for item: ' + itemId);
			return;
		}
		control.click();
		var confirmBtn = document.querySelector('.dialog-confirm, [data-action="confirm"]');
		if (confirmBtn) { confirmBtn.click(); }
		var waited = 0;
		var poll = setInterval(function () {
			waited += 250;
			if (!document.querySelector('[data-item-id=' + JSON.stringify(itemId) + ']')) {
				clearInterval(poll);
				done(true, 'item delisted: ' + itemId);
			} else if (waited >= 8000) {
				clearInterval(poll);
				done(false, 'item still listed after confirmation: ' + itemId);
			}
		}, 250);
	} catch (e) {
		done(false, 'delist script error: ' + e.message);
	}
})();`, quotedRequest, quotedItem, bridgeBinding), nil
}

// combineContext derives a context from the session lifetime that is also
// cancelled when the per-operation context expires.
func combineContext(sessionCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(sessionCtx)

	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
