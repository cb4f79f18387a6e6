package appversion_test

import (
	"strings"
	"testing"

	"hive/internal/appversion"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	if appversion.String() == "" {
		t.Fatal("appversion.String() must not be empty")
	}
}

func TestRevisionFormat(t *testing.T) {
	t.Parallel()

	rev := strings.TrimSuffix(appversion.Revision(), "+dirty")
	if len(rev) > 12 {
		t.Fatalf("revision %q longer than 12 characters", rev)
	}
}
