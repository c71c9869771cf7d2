package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"plain", "report.csv", nil},
		{"spaces and unicode", "résumé final.pdf", nil},
		{"hidden file", ".bashrc", nil},
		{"double dots inside", "archive..tar", nil},
		{"empty", "", ErrMissingName},
		{"dot", ".", ErrUnsafeName},
		{"dot dot", "..", ErrUnsafeName},
		{"traversal", "../../etc/passwd", ErrUnsafeName},
		{"nested", "dir/file.txt", ErrUnsafeName},
		{"absolute", "/etc/passwd", ErrUnsafeName},
		{"windows traversal", `..\..\boot.ini`, ErrUnsafeName},
		{"nul byte", "a\x00b", ErrUnsafeName},
		{"temp prefix", TempPrefix + "abc.part", ErrUnsafeName},
		{"too long", strings.Repeat("x", 256), ErrInvalidName},
		{"bad utf8", "bad\xffname", ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPathStaysUnderRoot(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	assert.NoError(t, err)

	path, err := store.Path("report.csv")
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, store.Root()+"/"))

	_, err = store.Path("../outside")
	assert.Error(t, err)
}
