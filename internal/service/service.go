// Package service installs the agent as a per-user login item so it is
// available whenever an eID deep link arrives.
package service

import "errors"

var (
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
)

// Service manages the platform autostart registration.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}
