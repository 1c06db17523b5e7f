package freshness

import (
	"fmt"
	"strings"
)

// WindowClass separates closed reporting periods from ones still accumulating data
type WindowClass int

const (
	ClassUnknown WindowClass = iota
	ClassHistorical
	ClassCurrent
)

func (c WindowClass) String() string {
	switch c {
	case ClassHistorical:
		return "historical"
	case ClassCurrent:
		return "current"
	default:
		return "unknown"
	}
}

// ParseWindowClass is the inverse of String
func ParseWindowClass(s string) (WindowClass, error) {
	switch strings.ToLower(s) {
	case "historical":
		return ClassHistorical, nil
	case "current":
		return ClassCurrent, nil
	case "unknown", "":
		return ClassUnknown, nil
	}
	return ClassUnknown, fmt.Errorf("unknown window class %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (c WindowClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *WindowClass) UnmarshalText(b []byte) error {
	v, err := ParseWindowClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Window is a reporting period together with its class
type Window struct {
	Name  string      `json:"name"`
	Class WindowClass `json:"class"`
}

// Named reporting windows
var (
	LastMonth      = Window{Name: "last_month", Class: ClassHistorical}
	LastQuarter    = Window{Name: "last_quarter", Class: ClassHistorical}
	LastYear       = Window{Name: "last_year", Class: ClassHistorical}
	AllTime        = Window{Name: "all_time", Class: ClassHistorical}
	CurrentMonth   = Window{Name: "current_month", Class: ClassCurrent}
	CurrentQuarter = Window{Name: "current_quarter", Class: ClassCurrent}
	CurrentYear    = Window{Name: "current_year", Class: ClassCurrent}
)

var knownWindows = map[string]Window{}

func init() {
	for _, w := range Windows() {
		knownWindows[w.Name] = w
	}
}

// Windows returns every named window, historical first
func Windows() []Window {
	return []Window{LastMonth, LastQuarter, LastYear, AllTime, CurrentMonth, CurrentQuarter, CurrentYear}
}

// LookupWindow resolves a window by exact name. Unrecognised names come back
// with ClassUnknown.
func LookupWindow(name string) Window {
	if w, ok := knownWindows[name]; ok {
		return w
	}
	return Window{Name: name, Class: ClassUnknown}
}
