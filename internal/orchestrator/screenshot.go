package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/aristath/refineloop/internal/domain"
)

// layoutStabilityWait is imposed after the page has loaded and <body> is
// ready, before capture.
const layoutStabilityWait = 500 * time.Millisecond

// CapturedScreenshot is one breakpoint's successful capture.
type CapturedScreenshot struct {
	BreakpointID string
	Path         string
	SizeBytes    int64
}

// CaptureScreenshots opens a fresh browser context per breakpoint,
// navigates to previewURL+route, waits for the page load and for <body>
// to be ready, waits for layout stability, and saves a PNG under
// outDir/<breakpointID>.png. It does not wait for network idleness.
// Per-breakpoint failures are collected but non-fatal; the step as a
// whole fails only if every breakpoint failed.
func CaptureScreenshots(ctx context.Context, allocatorCtx context.Context, previewURL, route string, breakpoints []domain.Breakpoint, outDir string) ([]CapturedScreenshot, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot output dir: %w", err)
	}

	var captured []CapturedScreenshot
	var firstErr error
	for _, bp := range breakpoints {
		shot, err := captureOne(ctx, allocatorCtx, previewURL+route, bp, outDir)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		captured = append(captured, shot)
	}

	if len(captured) == 0 {
		return nil, fmt.Errorf("every breakpoint capture failed: %w", firstErr)
	}
	return captured, nil
}

func captureOne(ctx context.Context, allocatorCtx context.Context, url string, bp domain.Breakpoint, outDir string) (CapturedScreenshot, error) {
	tabCtx, cancel := chromedp.NewContext(allocatorCtx)
	defer cancel()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancelTimeout()

	dsf := bp.DeviceScaleFactor
	if dsf <= 0 {
		dsf = 1
	}

	var buf []byte
	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(bp.Width), int64(bp.Height), chromedp.EmulateScale(dsf)),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(layoutStabilityWait),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return CapturedScreenshot{}, fmt.Errorf("capture breakpoint %s: %w", bp.BreakpointID, err)
	}

	path := filepath.Join(outDir, bp.BreakpointID+".png")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return CapturedScreenshot{}, fmt.Errorf("write screenshot %s: %w", bp.BreakpointID, err)
	}

	return CapturedScreenshot{BreakpointID: bp.BreakpointID, Path: path, SizeBytes: int64(len(buf))}, nil
}
