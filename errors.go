package plugrun

import (
	"errors"
)

// Runtime errors. Callers should match with errors.Is; most are wrapped
// with additional context at the point of failure.
var (
	// Manifest structural errors
	ErrManifestNil          = errors.New("manifest is nil")
	ErrManifestFieldMissing = errors.New("manifest is missing required field")
	ErrInvalidModuleID      = errors.New("module id must match ^[a-z0-9-]+$")
	ErrInvalidVersion       = errors.New("module version must start with major.minor.patch")
	ErrInvalidCategory      = errors.New("unknown module category")
	ErrRuntimeLoad          = errors.New("module entry point failed")
	ErrEntryPointNil        = errors.New("module reference has no entry point")

	// Validation errors
	ErrIncompatibleCoreVersion = errors.New("host version does not satisfy module compatibility range")
	ErrInvalidVersionRange     = errors.New("invalid core version range expression")
	ErrConfigValidationFailed  = errors.New("merged configuration does not satisfy module schema")
	ErrInvalidSchema           = errors.New("module configuration schema is invalid")
	ErrUnnamespacedEvent       = errors.New("declared event name is missing namespace separator")
	ErrValidationFailed        = errors.New("module validation failed")

	// Dependency resolution errors
	ErrCircularDependency = errors.New("circular dependency detected")
	ErrMissingDependency  = errors.New("module depends on non-existent module")

	// Registry errors
	ErrDuplicateModule   = errors.New("module id already registered")
	ErrModuleNotFound    = errors.New("module not found")
	ErrInvalidTransition = errors.New("invalid module status transition")

	// Config manager errors
	ErrConfigNotLoaded  = errors.New("no configuration loaded for module")
	ErrConfigPathExists = errors.New("config path traverses a non-object value")

	// Localization errors
	ErrBundleNotLoaded = errors.New("translation bundle not loaded")

	// Event bus errors
	ErrWaitTimeout = errors.New("timed out waiting for event")

	// Manager errors
	ErrNotInitialized  = errors.New("runtime not initialized")
	ErrAlreadyDisabled = errors.New("module already disabled")

	// Host configuration errors
	ErrHostConfigNil        = errors.New("host configuration is nil")
	ErrUnsupportedFormat    = errors.New("unsupported host config file format")
	ErrUnboundReference     = errors.New("module entry has no bound entry point")
	ErrWatcherAlreadyActive = errors.New("config watcher already started")
)
