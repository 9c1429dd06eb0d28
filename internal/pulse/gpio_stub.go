//go:build !linux

package pulse

import (
	"context"
	"errors"
)

// GPIOSource is only available on Linux, where the GPIO character device
// exists.
type GPIOSource struct{}

// NewGPIOSource fails on non-Linux platforms.
func NewGPIOSource(cfg GPIOConfig, counter *Counter) (*GPIOSource, error) {
	return nil, errors.New("pulse: gpio source requires linux")
}

func (s *GPIOSource) Monitor(ctx context.Context) error {
	return errors.New("pulse: gpio source requires linux")
}

func (s *GPIOSource) RunoutTriggered() (bool, error) {
	return false, nil
}

func (s *GPIOSource) Close() error {
	return nil
}
