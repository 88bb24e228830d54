package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/recasthq/recast/errdefs"
)

func TestHashAndCompare(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("Str0ng!pass")
	require.NoError(t, err)
	assert.NotEqual(t, "Str0ng!pass", hash)

	assert.NoError(t, hasher.Compare("Str0ng!pass", hash))
	assert.Error(t, hasher.Compare("wrong", hash))
}

func TestHashEmptyPassword(t *testing.T) {
	hasher := NewHasher(bcrypt.MinCost)

	_, err := hasher.Hash("")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestNeedsRehashOnCostChange(t *testing.T) {
	old := NewHasher(bcrypt.MinCost)
	hash, err := old.Hash("Str0ng!pass")
	require.NoError(t, err)

	assert.False(t, old.NeedsRehash(hash))

	upgraded := NewHasher(bcrypt.MinCost + 1)
	assert.True(t, upgraded.NeedsRehash(hash))
	assert.True(t, upgraded.NeedsRehash("not-a-bcrypt-hash"))
}

func TestNewHasherClampsCost(t *testing.T) {
	hasher := NewHasher(100)
	assert.Equal(t, DefaultBcryptCost, hasher.cost)

	hasher = NewHasher(-1)
	assert.Equal(t, DefaultBcryptCost, hasher.cost)
}

func TestCheckPasswordStrength(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Str0ng!pass", false},
		{"empty", "", true},
		{"too short", "S1!a", true},
		{"no upper", "str0ng!pass", true},
		{"no lower", "STR0NG!PASS", true},
		{"no digit", "Strong!pass", true},
		{"no special", "Str0ngpass", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPasswordStrength(tt.password)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalidInput(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("user@example.com"))
	assert.NoError(t, ValidateEmail("first.last+tag@sub.example.org"))
	assert.Error(t, ValidateEmail(""))
	assert.Error(t, ValidateEmail("not-an-email"))
	assert.Error(t, ValidateEmail("missing@tld"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM "))
}
