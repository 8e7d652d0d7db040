package ui

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"

	"monthlyload/pkg/errors"
)

var (
	// Output receives everything the package prints.
	Output io.Writer = os.Stdout

	supportsColor = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	ColorSuccess  = colorFunc(ansi.Green)
	ColorError    = colorFunc(ansi.Red)
	ColorWarning  = colorFunc(ansi.Yellow)
	ColorInfo     = colorFunc(ansi.Cyan)
	ColorProgress = colorFunc(ansi.Blue)
	ColorBold     = colorFunc("default+b")
	ColorDim      = colorFunc("default+h")
)

// colorFunc returns a function that colors text if supported
func colorFunc(color string) func(string) string {
	return func(text string) string {
		if supportsColor {
			return ansi.Color(text, color)
		}
		return text
	}
}

// ColorEnabled reports whether output is colored.
func ColorEnabled() bool {
	return supportsColor
}

// SetColor forces colored output on or off, e.g. for --no-color.
func SetColor(enabled bool) {
	supportsColor = enabled
}

// ShowHeader displays a formatted header
func ShowHeader(title string) {
	width := 50
	if len(title)+4 > width {
		width = len(title) + 4
	}
	padding := (width - len(title) - 2) / 2

	fmt.Fprintln(Output, "\n+"+strings.Repeat("-", width-2)+"+")
	fmt.Fprintf(Output, "|%s%s%s|\n",
		strings.Repeat(" ", padding),
		ColorBold(title),
		strings.Repeat(" ", width-2-padding-len(title)),
	)
	fmt.Fprintln(Output, "+"+strings.Repeat("-", width-2)+"+")
}

// ShowError prints err. Structured errors get their code, context and
// suggestions on separate lines.
func ShowError(err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		fmt.Fprintf(Output, "\n%s %s\n", ColorError("ERROR:"), err.Error())
		if suggestion := getSuggestion(err.Error()); suggestion != "" {
			fmt.Fprintf(Output, "\n  %s %s\n", ColorInfo("TIP:"), suggestion)
		}
		return
	}

	fmt.Fprintf(Output, "\n%s [%s] %s\n", ColorError("ERROR:"), appErr.Code, appErr.Message)
	if appErr.Cause != nil {
		cause, _, _ := strings.Cut(rootCause(appErr).Error(), "\n")
		fmt.Fprintf(Output, "  %s\n", ColorDim("cause: "+cause))
	}
	for _, key := range []string{"task", "logical_date", "milestone", "query_id", "field", "credential", "lock_file"} {
		if v, ok := appErr.Context[key]; ok {
			fmt.Fprintf(Output, "  %s\n", ColorDim(fmt.Sprintf("%s: %v", key, v)))
		}
	}

	suggestions := appErr.Suggestions
	if len(suggestions) == 0 {
		if s := getSuggestion(err.Error()); s != "" {
			suggestions = []string{s}
		}
	}
	for _, s := range suggestions {
		fmt.Fprintf(Output, "  %s %s\n", ColorInfo("TIP:"), s)
	}
}

// ShowSuccess displays a success message
func ShowSuccess(message string) {
	fmt.Fprintf(Output, "%s %s\n", ColorSuccess("SUCCESS:"), message)
}

// ShowWarning displays a warning message
func ShowWarning(message string) {
	fmt.Fprintf(Output, "%s %s\n", ColorWarning("WARNING:"), ColorWarning(message))
}

// ShowInfo displays an info message
func ShowInfo(message string) {
	fmt.Fprintf(Output, "%s %s\n", ColorInfo("INFO:"), message)
}

// ShowKeyValue prints an aligned "key: value" line.
func ShowKeyValue(key string, value interface{}) {
	fmt.Fprintf(Output, "  %-14s %v\n", ColorBold(key+":"), value)
}

func rootCause(err error) error {
	for {
		next := stderrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// getSuggestion returns a hint for plain driver errors.
func getSuggestion(message string) string {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "incorrect username or password"):
		return "Check snowflake.username and run 'monthlyload credentials set'"
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"):
		return "Verify snowflake.account and network connectivity"
	case strings.Contains(lower, "does not exist or not authorized"):
		return "Run 'monthlyload schema init' or check the table names in the configuration"
	case strings.Contains(lower, "insufficient privileges"):
		return "Ensure snowflake.role may read staging and write the star schema"
	default:
		return ""
	}
}
