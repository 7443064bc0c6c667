//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// chipLine owns the chip handle alongside the requested line.
type chipLine struct {
	chip *gpiocdev.Chip
	*gpiocdev.Line
}

// ChipOpener returns an OpenFunc requesting offset on the named chip.
func ChipOpener(chipName string, offset int) OpenFunc {
	return func(initial int) (Line, error) {
		chip, err := gpiocdev.NewChip(chipName)
		if err != nil {
			return nil, fmt.Errorf("open gpio chip: %w", err)
		}

		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(initial), gpiocdev.WithConsumer("busylight"))
		if err != nil {
			chip.Close()
			return nil, fmt.Errorf("request line %d: %w", offset, err)
		}
		return &chipLine{chip: chip, Line: line}, nil
	}
}

// Close returns the line to input with pull-down (the Pi boot default)
// before releasing it, so the relay is not left driven across reboots.
func (c *chipLine) Close() error {
	var errs []error

	if err := c.Line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure line: %w", err))
	}
	if err := c.Line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close line: %w", err))
	}
	if err := c.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
