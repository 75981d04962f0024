package circuitbreaker

import (
	"fmt"

	"github.com/angeloszaimis/payment-router/internal/healthcheck"
	"github.com/angeloszaimis/payment-router/internal/processor"
)

type Color int

const (
	Green  Color = iota // route to default
	Yellow              // route to fallback
	Red                 // route to neither
)

func (c Color) String() string {
	switch c {
	case Green:
		return "GREEN"
	case Yellow:
		return "YELLOW"
	case Red:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Color) UnmarshalText(text []byte) error {
	parsed, err := ParseColor(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseColor maps the stored representation back to a Color.
func ParseColor(s string) (Color, error) {
	switch s {
	case "GREEN":
		return Green, nil
	case "YELLOW":
		return Yellow, nil
	case "RED":
		return Red, nil
	default:
		return Red, fmt.Errorf("circuitbreaker: unknown color %q", s)
	}
}

// Target returns the processor a color routes to. ok is false for RED.
func (c Color) Target() (target processor.Processor, ok bool) {
	switch c {
	case Green:
		return processor.Default, true
	case Yellow:
		return processor.Fallback, true
	default:
		return 0, false
	}
}

// DefineColor derives the routing color from one health sample of each
// processor. Latencies are compared in milliseconds.
func DefineColor(defaultHealth, fallbackHealth healthcheck.Health, latencyThreshold int) Color {
	switch {
	case defaultHealth.Failing && fallbackHealth.Failing:
		return Red
	case defaultHealth.Failing:
		return Yellow
	case fallbackHealth.Failing:
		return Green
	case defaultHealth.MinResponseTime-fallbackHealth.MinResponseTime >= latencyThreshold:
		return Yellow
	default:
		return Green
	}
}
