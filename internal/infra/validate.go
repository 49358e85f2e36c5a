package infra

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

var (
	packagePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)
	permissionPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)+$`)
)

// validate is shared; building a validator is expensive.
var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("android_package", func(fl validator.FieldLevel) bool {
		return packagePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("android_permission", func(fl validator.FieldLevel) bool {
		return permissionPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validator implements domain.ArgumentValidator with go-playground/validator.
type Validator struct{}

// NewValidator returns the shared validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePackage checks pkg looks like a dotted package identifier.
func (Validator) ValidatePackage(pkg string) error {
	if err := validate.Var(pkg, "required,android_package"); err != nil {
		return fmt.Errorf("invalid package id %q", pkg)
	}
	return nil
}

// ValidateStruct validates v against its validate tags.
func (Validator) ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Ensure Validator implements domain.ArgumentValidator.
var _ domain.ArgumentValidator = Validator{}
