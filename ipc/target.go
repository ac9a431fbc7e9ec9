package ipc

import (
	"fmt"
	"strings"
)

// TargetKind selects the delivery semantics of an entry point
type TargetKind int

const (
	// TargetReceiver is a fire-and-forget notification entry point
	TargetReceiver TargetKind = iota
	// TargetService is a persistent background entry point
	TargetService
	// TargetActivity is a foreground-activating entry point
	TargetActivity
)

func (k TargetKind) String() string {
	switch k {
	case TargetReceiver:
		return "receiver"
	case TargetService:
		return "service"
	case TargetActivity:
		return "activity"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseTargetKind parses "receiver", "service" or "activity"
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "receiver", "broadcast":
		return TargetReceiver, nil
	case "service":
		return TargetService, nil
	case "activity":
		return TargetActivity, nil
	default:
		return 0, newError(KindArgument, fmt.Sprintf("unknown target kind %q", s))
	}
}

// Target is an addressable endpoint. It is a value type and never mutated.
type Target struct {
	Kind      TargetKind
	Package   string
	Component string
	// Address is where the entry point listens (socket path or mem name)
	Address string
	// Foreground requests foreground semantics for service targets
	Foreground bool
}

// NewTarget creates a Target
func NewTarget(kind TargetKind, pkg, component, address string) Target {
	return Target{Kind: kind, Package: pkg, Component: component, Address: address}
}

// Name returns "package/component", or the address when neither is set
func (t Target) Name() string {
	switch {
	case t.Package != "" && t.Component != "":
		return t.Package + "/" + t.Component
	case t.Component != "":
		return t.Component
	case t.Package != "":
		return t.Package
	default:
		return t.Address
	}
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Name())
}

func (t Target) validate() error {
	if t.Address == "" {
		return newError(KindArgument, fmt.Sprintf("target %s has no address", t))
	}
	if t.Kind < TargetReceiver || t.Kind > TargetActivity {
		return newError(KindArgument, fmt.Sprintf("target %s has unknown kind", t))
	}
	return nil
}
