package autoauth

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidDeviceType = errors.New("deviceType must be one of: teacher, student, classroom, parent")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrNotOwner          = errors.New("device is not bound to this account")
	ErrRuleNotFound      = errors.New("auto-auth config not found")
	ErrRuleForeign       = errors.New("auto-auth config belongs to another device")
	ErrDuplicatePassword = errors.New("an auto-auth config with this password already exists")
	ErrNamespaceTaken    = errors.New("namespace is used by another device")
	ErrAppNotFound       = errors.New("app not found")
	ErrNoMatch           = errors.New("no auto-auth config matches")
)
