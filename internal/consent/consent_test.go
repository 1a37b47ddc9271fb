package consent

import (
	"testing"

	"github.com/episteme-ai/episteme/internal/types"
)

func TestValidateResource(t *testing.T) {
	valid := []string{
		"profile",
		"tables",
		"tables/*",
		"tables/meals",
		"vectors",
		"vectors/*",
		"vectors/journal",
		"graph",
		"memory",
	}
	for _, r := range valid {
		if err := ValidateResource(r); err != nil {
			t.Errorf("ValidateResource(%q) = %v, want nil", r, err)
		}
	}

	invalid := []string{
		"",
		"everything",
		"tables/",
		"tables/meals/rows",
		"tables/9lives",
		"tables/drop",
		"profile/*/*",
		"Tables",
	}
	for _, r := range invalid {
		err := ValidateResource(r)
		if err == nil {
			t.Errorf("ValidateResource(%q) = nil, want error", r)
			continue
		}
		if !types.IsKind(err, types.KindValidation) {
			t.Errorf("ValidateResource(%q) kind = %v, want VALIDATION", r, types.KindOf(err))
		}
	}
}

func TestPermissionCovers(t *testing.T) {
	tests := []struct {
		held     types.Permission
		required types.Permission
		want     bool
	}{
		{types.PermissionWrite, types.PermissionRead, true},
		{types.PermissionWrite, types.PermissionWrite, true},
		{types.PermissionRead, types.PermissionRead, true},
		{types.PermissionRead, types.PermissionWrite, false},
		{types.PermissionNone, types.PermissionRead, false},
		{types.PermissionNone, types.PermissionNone, true},
	}
	for _, tt := range tests {
		if got := tt.held.Covers(tt.required); got != tt.want {
			t.Errorf("%s.Covers(%s) = %v, want %v", tt.held, tt.required, got, tt.want)
		}
	}
}
