//go:build !linux

package enforcement

import (
	"context"
	"fmt"
)

// Blackhole routes need netlink, which only exists on Linux
type Blackhole struct{}

func NewBlackhole() *Blackhole { return &Blackhole{} }

func (b *Blackhole) Name() string { return "blackhole" }

func (b *Blackhole) Apply(context.Context, string) error {
	return fmt.Errorf("%w: blackhole routes require linux", ErrUnavailable)
}

func (b *Blackhole) Remove(context.Context, string) error {
	return fmt.Errorf("%w: blackhole routes require linux", ErrUnavailable)
}
