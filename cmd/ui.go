package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/liuxd6825/cdpcore/common"
)

// eventPrinter writes one line per frame or network event to stdout.
type eventPrinter struct {
	gs *globalState

	// maxWidth truncates lines on a terminal; zero keeps them whole.
	maxWidth int

	frameColor     *color.Color
	requestColor   *color.Color
	okColor        *color.Color
	failureColor   *color.Color
	lifecycleColor *color.Color
}

func newEventPrinter(gs *globalState) *eventPrinter {
	p := &eventPrinter{
		gs:             gs,
		frameColor:     color.New(color.FgCyan),
		requestColor:   color.New(color.FgBlue),
		okColor:        color.New(color.FgGreen),
		failureColor:   color.New(color.FgRed),
		lifecycleColor: color.New(color.Faint),
	}
	if gs.flags.noColor || !gs.stdOut.IsTTY {
		for _, c := range []*color.Color{p.frameColor, p.requestColor, p.okColor, p.failureColor, p.lifecycleColor} {
			c.DisableColor()
		}
	}
	if gs.stdOut.IsTTY {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			p.maxWidth = w
		}
	}
	return p
}

func (p *eventPrinter) printf(c *color.Color, kind string, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	line = truncate(line, p.maxWidth-17)
	printToStdout(p.gs, c.Sprintf("%-16s ", kind)+line+"\n")
}

// truncate cuts s to width runes, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}
	return string(r[:width-1]) + "…"
}

func (p *eventPrinter) onFrameEvent(ev common.Event[common.EventKind]) {
	switch ev.Kind {
	case common.EventFrameLifecycle:
		le, ok := ev.Data.(*common.FrameLifecycleEvent)
		if !ok {
			return
		}
		p.printf(p.lifecycleColor, string(ev.Kind), "%s %s", le.Frame.ID(), le.Name)
	case common.EventFrameDetached:
		f, ok := ev.Data.(*common.Frame)
		if !ok {
			return
		}
		p.printf(p.failureColor, string(ev.Kind), "%s", f.ID())
	default:
		f, ok := ev.Data.(*common.Frame)
		if !ok {
			return
		}
		parent := "-"
		if pf := f.ParentFrame(); pf != nil {
			parent = string(pf.ID())
		}
		p.printf(p.frameColor, string(ev.Kind), "%s parent:%s url:%s", f.ID(), parent, f.URL())
	}
}

func (p *eventPrinter) onNetworkEvent(ev common.Event[common.EventKind]) {
	switch ev.Kind {
	case common.EventResponse:
		resp, ok := ev.Data.(*common.Response)
		if !ok {
			return
		}
		c := p.okColor
		if !resp.Ok() {
			c = p.failureColor
		}
		p.printf(c, string(ev.Kind), "%d %s", resp.Status(), resp.URL())
	case common.EventRequestFailed:
		req, ok := ev.Data.(*common.Request)
		if !ok {
			return
		}
		p.printf(p.failureColor, string(ev.Kind), "%s %s: %s", req.Method(), req.URL(), req.Failure())
	default:
		req, ok := ev.Data.(*common.Request)
		if !ok {
			return
		}
		p.printf(p.requestColor, string(ev.Kind), "%s %s (%s)", req.Method(), req.URL(), req.ResourceType())
	}
}
