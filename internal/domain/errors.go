package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCallNotFound   = errors.New("call not found")
	ErrCallTerminated = errors.New("call terminated")
)

type InvalidNumberError struct {
	Number string
	Reason string
}

func (e *InvalidNumberError) Error() string {
	return fmt.Sprintf("invalid number %q: %s", e.Number, e.Reason)
}

// ConfigurationMissing reports a flow version that could not be found.
type ConfigurationMissing struct {
	TenantID string
	Version  int
}

func (e *ConfigurationMissing) Error() string {
	return fmt.Sprintf("call flow missing tenant=%s version=%d", e.TenantID, e.Version)
}

type UnsupportedCapabilityError struct {
	Provider   string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Capability)
}
