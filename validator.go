package plugrun

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationResult carries the outcome of manifest validation.
// Warnings are advisory; any entry in Errors makes the result invalid and
// aborts the module's registration.
type ValidationResult struct {
	Valid    bool
	Errors   []error
	Warnings []string
}

// Err folds the collected errors into a single error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(msgs, "; "))
}

// Validator checks a manifest against the host runtime version and the
// module's own declarations.
type Validator struct {
	coreVersion *semver.Version
	logger      Logger
}

// NewValidator creates a validator for a host running the given core
// version, which must itself be a valid semantic version.
func NewValidator(coreVersion string, logger Logger) (*Validator, error) {
	v, err := semver.NewVersion(coreVersion)
	if err != nil {
		return nil, fmt.Errorf("parsing host core version %q: %w", coreVersion, err)
	}
	return &Validator{coreVersion: v, logger: logger}, nil
}

// Validate runs all checks against the manifest and its host entry.
// Check order: host-version compatibility, structure, merged config vs
// schema, declared event names. Each is fatal; everything else only adds
// warnings.
func (v *Validator) Validate(m *Manifest, entry ModuleEntry) *ValidationResult {
	result := &ValidationResult{Valid: true}
	fail := func(err error) {
		result.Valid = false
		result.Errors = append(result.Errors, err)
	}

	if m == nil {
		fail(ErrManifestNil)
		return result
	}

	if err := v.checkCompatibility(m); err != nil {
		fail(err)
	}

	if err := validateManifestStructure(m); err != nil {
		fail(err)
	}

	if m.Config != nil && m.Config.Schema != nil {
		merged := DeepMerge(m.Config.Defaults, entry.Config)
		if err := validateConfigSchema(m.Config.Schema, merged); err != nil {
			fail(fmt.Errorf("module %s: %w", m.ID, err))
		}
	}

	if m.Events != nil {
		for _, name := range m.Events.Emits {
			if !strings.Contains(name, ":") {
				fail(fmt.Errorf("%w: %q (expected module-id:event-name)", ErrUnnamespacedEvent, name))
			}
		}
	}

	v.collectWarnings(m, result)

	if !result.Valid {
		v.logger.Debug("Module failed validation", "module", m.ID, "errors", len(result.Errors))
	}
	return result
}

// checkCompatibility verifies the host version satisfies the manifest's
// declared range. An empty range is treated as compatible with any host.
func (v *Validator) checkCompatibility(m *Manifest) error {
	if m.CoreVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(m.CoreVersion)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidVersionRange, m.CoreVersion, err)
	}
	if !constraint.Check(v.coreVersion) {
		return fmt.Errorf("%w: host %s, module %s requires %s",
			ErrIncompatibleCoreVersion, v.coreVersion, m.ID, m.CoreVersion)
	}
	return nil
}

func (v *Validator) collectWarnings(m *Manifest, result *ValidationResult) {
	warn := func(msg string) {
		result.Warnings = append(result.Warnings, msg)
		v.logger.Warn(msg, "module", m.ID)
	}

	if m.Homepage == "" {
		warn("manifest has no homepage")
	}
	if m.License == "" {
		warn("manifest has no license")
	}
	if len(m.Dependencies) > 0 {
		warn(fmt.Sprintf("module depends on %d other module(s); verify they are configured", len(m.Dependencies)))
	}
	if m.Lifecycle == nil || m.Lifecycle.OnEnable == nil {
		warn("module declares no OnEnable lifecycle hook")
	}
	if m.Permissions != nil {
		warn("module declares permissions; audit them against host roles")
	}
	for pkg, rng := range m.Packages {
		v.logger.Debug("Module declares external package requirement", "module", m.ID, "package", pkg, "range", rng)
	}
}

// validateConfigSchema validates a configuration tree against a JSON
// Schema document. The value is round-tripped through JSON first so
// numeric types match what the schema engine expects.
func validateConfigSchema(schema map[string]any, cfg map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", normalizeJSONValue(schema)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	compiled, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := compiled.Validate(normalizeJSONValue(cfg)); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigValidationFailed, err)
	}
	return nil
}

// normalizeJSONValue round-trips a value through JSON so that maps and
// numbers take the shapes the schema engine validates against.
func normalizeJSONValue(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return value
	}
	return decoded
}
