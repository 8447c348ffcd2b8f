// Package upstream holds the currently-active upstream proxy
// descriptor (C9) and dials through it or directly (C8).
package upstream

import "fmt"

// Scheme identifies how to reach an upstream proxy.
type Scheme string

const (
	Direct Scheme = ""
	SOCKS5 Scheme = "socks5"
	HTTP   Scheme = "http"
	HTTPS  Scheme = "https"
)

// Descriptor names an upstream proxy, or "direct" when Scheme is empty
// (§3). It is immutable once published — callers must build a new
// Descriptor to change anything.
type Descriptor struct {
	Scheme Scheme
	Host   string
	Port   int
}

// IsDirect reports whether this descriptor means "no upstream, dial
// the target directly."
func (d Descriptor) IsDirect() bool {
	return d.Scheme == Direct
}

// Address returns "host:port" for a non-direct descriptor.
func (d Descriptor) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// String renders the descriptor for logging.
func (d Descriptor) String() string {
	if d.IsDirect() {
		return "direct"
	}
	return fmt.Sprintf("%s://%s", d.Scheme, d.Address())
}
