package collective

import (
	"time"

	"github.com/pkg/errors"
)

// Hints carries communication tuning for collective calls. Pure
// configuration; the zero value means no packing and no timeout.
type Hints struct {
	// BytesPerPack breaks a large all-reduce into packs of roughly this many
	// bytes, each reduced under its own instance key. Zero disables packing.
	BytesPerPack uint32
	// Timeout bounds each blocking collective call. Zero waits forever.
	Timeout time.Duration
}

// Validate rejects hints with a negative timeout.
func (h Hints) Validate() error {
	if h.Timeout < 0 {
		return errors.Errorf("hints: negative timeout %v", h.Timeout)
	}
	return nil
}
