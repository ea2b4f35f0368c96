package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func TestValidate(t *testing.T) {
	assert := require.New(t)
	v := New()

	assert.NoError(v.Validate(loginRequest{
		Email:    "admin@example.com",
		Password: "correct-horse",
	}))

	err := v.Validate(loginRequest{})
	assert.Error(err)
	assert.Contains(err.Error(), "email is required")
	assert.Contains(err.Error(), "password is required")

	err = v.Validate(loginRequest{Email: "not-an-email", Password: "short"})
	assert.Error(err)
	assert.Contains(err.Error(), "email must be a valid email address")
	assert.Contains(err.Error(), "password must be at least 8 characters")
}

func TestValidateUsesJSONFieldNames(t *testing.T) {
	v := New()

	type req struct {
		DevEUI string `json:"devEUI" validate:"required,len=16,hexadecimal"`
	}

	err := v.Validate(req{DevEUI: "zz"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "devEUI")
}
