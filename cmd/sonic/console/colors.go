package console

import "github.com/fatih/color"

var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
)

// Connection renders the connection state of a sensor port.
func Connection(connected bool) string {
	if connected {
		return Green("connected")
	}
	return Red("absent")
}
