package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStaticTokens(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", input: "", want: map[string]string{}},
		{name: "single", input: "dev=alice", want: map[string]string{"dev": "alice"}},
		{name: "spaces and trailing comma", input: " dev = alice , qa=bob,", want: map[string]string{"dev": "alice", "qa": "bob"}},
		{name: "missing uid", input: "dev=", wantErr: true},
		{name: "missing separator", input: "dev", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStaticTokens(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticAuthProvider_VerifyToken(t *testing.T) {
	tokens := map[string]string{"dev": "alice"}
	p := NewStaticAuthProvider(tokens)
	tokens["late"] = "mallory"

	claims, err := p.VerifyToken(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UID)

	_, err = p.VerifyToken(context.Background(), "late")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = p.VerifyToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewFirebaseAuthProvider_RequiresCredentials(t *testing.T) {
	_, err := NewFirebaseAuthProvider(context.Background(), FirebaseOptions{})
	assert.Error(t, err)

	_, err = NewFirebaseAuthProvider(context.Background(), FirebaseOptions{ProjectID: "plaza"})
	assert.Error(t, err)
}
