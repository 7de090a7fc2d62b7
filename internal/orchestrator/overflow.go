package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/aristath/refineloop/internal/domain"
)

// overflowScanScript enumerates every element under #app (or <body> if
// no #app root exists) and reports any whose scrollWidth exceeds its
// clientWidth by more than 2px while overflow-x is "visible" — i.e. it
// ignores elements that scroll on their own (auto/scroll/hidden).
const overflowScanScript = `
(() => {
  const root = document.getElementById('app') || document.body;
  const offenders = [];
  const all = root.querySelectorAll('*');
  for (const el of all) {
    const overflowPx = el.scrollWidth - el.clientWidth;
    const style = window.getComputedStyle(el);
    if (overflowPx > 2 && style.overflowX === 'visible') {
      let selector = el.tagName.toLowerCase();
      if (el.id) selector += '#' + el.id;
      else if (el.className && typeof el.className === 'string') selector += '.' + el.className.trim().split(/\s+/).join('.');
      offenders.push({
        selector: selector,
        tag: el.tagName.toLowerCase(),
        scrollWidth: el.scrollWidth,
        clientWidth: el.clientWidth,
        overflowPixels: overflowPx,
        figmaNodeId: el.getAttribute('data-figma-node-id') || ''
      });
    }
  }
  return JSON.stringify(offenders);
})()
`

// InspectOverflow opens one browser context at the primary breakpoint
// and runs the overflow scan, returning the top maxOffenders ranked by
// overflow pixel count descending, and writes the full report as JSON
// to reportPath. Failure of this step is the caller's responsibility to
// log and swallow rather than fail the iteration.
func InspectOverflow(allocatorCtx context.Context, previewURL, route string, primary domain.Breakpoint, reportPath string, maxOffenders int) (domain.OverflowReport, error) {
	tabCtx, cancel := chromedp.NewContext(allocatorCtx)
	defer cancel()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancelTimeout()

	dsf := primary.DeviceScaleFactor
	if dsf <= 0 {
		dsf = 1
	}

	var raw string
	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(primary.Width), int64(primary.Height), chromedp.EmulateScale(dsf)),
		chromedp.Navigate(previewURL+route),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(overflowScanScript, &raw),
	)
	if err != nil {
		return domain.OverflowReport{}, fmt.Errorf("overflow scan: %w", err)
	}

	type rawOffender struct {
		Selector       string  `json:"selector"`
		Tag            string  `json:"tag"`
		ScrollWidth    float64 `json:"scrollWidth"`
		ClientWidth    float64 `json:"clientWidth"`
		OverflowPixels float64 `json:"overflowPixels"`
		FigmaNodeID    string  `json:"figmaNodeId"`
	}
	var parsed []rawOffender
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return domain.OverflowReport{}, fmt.Errorf("parse overflow scan result: %w", err)
	}

	// Sort offenders by overflow pixel count descending.
	for i := 0; i < len(parsed); i++ {
		for j := i + 1; j < len(parsed); j++ {
			if parsed[j].OverflowPixels > parsed[i].OverflowPixels {
				parsed[i], parsed[j] = parsed[j], parsed[i]
			}
		}
	}

	report := domain.OverflowReport{BreakpointID: primary.BreakpointID}
	for _, o := range parsed {
		report.Offenders = append(report.Offenders, domain.OverflowOffender{
			Selector:       o.Selector,
			Tag:            o.Tag,
			ScrollWidth:    o.ScrollWidth,
			ClientWidth:    o.ClientWidth,
			OverflowPixels: o.OverflowPixels,
			FigmaNodeID:    o.FigmaNodeID,
		})
	}

	if reportPath != "" {
		if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
			return report, fmt.Errorf("create overflow report dir: %w", err)
		}
		data, _ := json.Marshal(report)
		if err := os.WriteFile(reportPath, data, 0o644); err != nil {
			return report, fmt.Errorf("write overflow report: %w", err)
		}
	}

	// The full report is on disk; only the top N are returned.
	if maxOffenders > 0 && len(report.Offenders) > maxOffenders {
		report.Offenders = report.Offenders[:maxOffenders]
	}
	return report, nil
}
