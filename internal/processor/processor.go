package processor

import "fmt"

// Processor identifies one of the two downstream payment processors.
type Processor int

const (
	Default Processor = iota
	Fallback
)

// All lists the processors in routing preference order.
var All = [...]Processor{Default, Fallback}

func (p Processor) String() string {
	switch p {
	case Default:
		return "default"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Other returns the peer processor.
func (p Processor) Other() Processor {
	switch p {
	case Default:
		return Fallback
	case Fallback:
		return Default
	default:
		panic(fmt.Sprintf("processor: unknown processor %d", int(p)))
	}
}

// Parse maps a processor name back to its identifier.
func Parse(name string) (Processor, error) {
	switch name {
	case "default":
		return Default, nil
	case "fallback":
		return Fallback, nil
	default:
		return 0, fmt.Errorf("processor: unknown name %q", name)
	}
}
