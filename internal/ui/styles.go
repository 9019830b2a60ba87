package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorMuted  = 245 // medium gray
	colorOK     = 71  // green
	colorWarn   = 179 // amber
	colorError  = 167 // red
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color. Used for task IDs.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderOK marks a successful outcome, such as a fired task.
func RenderOK(s string) string { return render(colorOK, s) }

// RenderWarn marks a skipped task or a low gas balance.
func RenderWarn(s string) string { return render(colorWarn, s) }

// RenderError marks a failed call.
func RenderError(s string) string { return render(colorError, s) }

// RenderOutcome labels an execute result.
func RenderOutcome(fired bool) string {
	if fired {
		return RenderOK("fired")
	}
	return RenderWarn("skipped")
}

// RenderGas colors a gas balance by how close it is to the warning threshold.
func RenderGas(balance, warnBelow int64) string {
	s := fmt.Sprintf("%d", balance)
	switch {
	case balance <= 0:
		return RenderError(s)
	case balance < warnBelow:
		return RenderWarn(s)
	default:
		return s
	}
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// Setup disables color unless stdout should be colored. disable forces it
// off, for a --no-color flag.
func Setup(disable bool) {
	if disable || !ShouldUseColor() {
		ForceNoColor()
	}
}
