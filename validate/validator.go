// Package validate is the pre-flight gate every attempt passes before
// anything mutates. all probes are read-only; a validation failure leaves
// the environment byte-for-byte untouched. checks run in a fixed order and
// the first failure wins, so operators always see the most fundamental
// problem first (a bad environment name before a missing repository).
package validate

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/infra"
	"github.com/arena-platform/arena-deploy/registry"
)

// STSAPI is the credential probe surface.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Validator holds the read-only probes. every field is an interface or a
// function so tests can run the full ordering without any live dependency.
type Validator struct {
	cfg      *config.Config
	daemon   registry.Daemon
	registry registry.Registry
	sts      STSAPI
	lookPath func(file string) (string, error)
	logger   *zap.Logger
}

// NewValidator wires a Validator against live dependencies.
func NewValidator(cfg *config.Config, daemon registry.Daemon, reg registry.Registry, stsAPI STSAPI, logger *zap.Logger) *Validator {
	return &Validator{
		cfg:      cfg,
		daemon:   daemon,
		registry: reg,
		sts:      stsAPI,
		lookPath: exec.LookPath,
		logger:   logger,
	}
}

// Validate runs the ordered pre-flight battery. versionTag is empty for the
// operator rollback command, which ships no new release and therefore skips
// the tag checks. every failure carries the validation bucket.
func (validator *Validator) Validate(ctx context.Context, versionTag string) error {
	steps := []struct {
		name  string
		probe func(ctx context.Context) error
	}{
		{"environment allow-list", validator.checkEnvironment},
		{"version tag", func(ctx context.Context) error { return validator.checkVersionTag(versionTag) }},
		{"container daemon", validator.checkDaemon},
		{"provisioning tool", validator.checkProvisioningTool},
		{"cloud credentials", validator.checkCredentials},
		{"registry repositories", validator.checkRepositories},
	}

	for _, step := range steps {
		if err := step.probe(ctx); err != nil {
			return errdefs.WrapValidation(fmt.Errorf("%s: %w", step.name, err))
		}
		validator.logger.Debug("pre-flight check passed", zap.String("check", step.name))
	}
	return nil
}

// checkEnvironment re-asserts the allow-list even though config loading
// already enforced it. the validator is the contract the rest of the
// pipeline relies on, so it does not assume anything about its callers.
func (validator *Validator) checkEnvironment(context.Context) error {
	for _, name := range config.AllowedEnvironments {
		if validator.cfg.Environment == name {
			return nil
		}
	}
	return fmt.Errorf("environment %q is not in the allow-list %v", validator.cfg.Environment, config.AllowedEnvironments)
}

func (validator *Validator) checkVersionTag(versionTag string) error {
	if versionTag == "" {
		return nil
	}
	pattern, err := regexp.Compile(validator.cfg.VersionTagPattern)
	if err != nil {
		return fmt.Errorf("configured version_tag_pattern %q is invalid: %w", validator.cfg.VersionTagPattern, err)
	}
	if !pattern.MatchString(versionTag) {
		return fmt.Errorf("version tag %q does not match %q", versionTag, validator.cfg.VersionTagPattern)
	}
	return nil
}

func (validator *Validator) checkDaemon(ctx context.Context) error {
	return validator.daemon.Ping(ctx)
}

func (validator *Validator) checkProvisioningTool(context.Context) error {
	if _, err := validator.lookPath(infra.TerraformBinary); err != nil {
		return fmt.Errorf("%q not found on PATH: %w", infra.TerraformBinary, err)
	}
	return nil
}

// checkCredentials asks the identity service who we are. the cheapest
// possible call that proves the credentials resolve and are not expired.
func (validator *Validator) checkCredentials(ctx context.Context) error {
	if _, err := validator.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("cloud credentials did not resolve: %w", err)
	}
	return nil
}

func (validator *Validator) checkRepositories(ctx context.Context) error {
	for _, component := range validator.cfg.Components {
		exists, err := validator.registry.RepositoryExists(ctx, component.Repository)
		if err != nil {
			return fmt.Errorf("repository %q: %w", component.Repository, err)
		}
		if !exists {
			return fmt.Errorf("repository %q does not exist in the registry", component.Repository)
		}
	}
	return nil
}
