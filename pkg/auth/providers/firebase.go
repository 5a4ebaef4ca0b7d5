package providers

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/auth"
	"google.golang.org/api/option"
)

var _ AuthProvider = &FirebaseAuthProvider{}

type FirebaseAuthProvider struct {
	// app is the Firebase app
	app *firebase.App
	// auth is the Firebase Auth client
	auth *auth.Client
}

// FirebaseOptions selects how the Firebase app authenticates. A credentials
// file takes precedence over an API key.
type FirebaseOptions struct {
	ProjectID       string
	APIKey          string
	CredentialsFile string
}

// NewFirebaseAuthProvider creates a new FirebaseAuthProvider
func NewFirebaseAuthProvider(ctx context.Context, opts FirebaseOptions) (*FirebaseAuthProvider, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}

	var opt option.ClientOption
	switch {
	case opts.CredentialsFile != "":
		opt = option.WithCredentialsFile(opts.CredentialsFile)
	case opts.APIKey != "":
		opt = option.WithAPIKey(opts.APIKey)
	default:
		return nil, fmt.Errorf("firebase api key or credentials file is required")
	}

	cfg := &firebase.Config{
		ProjectID: opts.ProjectID,
	}
	app, err := firebase.NewApp(ctx, cfg, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing app: %v", err)
	}

	auth, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting Auth client: %v", err)
	}

	return &FirebaseAuthProvider{
		app:  app,
		auth: auth,
	}, nil
}

// VerifyToken verifies a Firebase ID token
func (p *FirebaseAuthProvider) VerifyToken(ctx context.Context, idToken string) (*TokenClaims, error) {
	token, err := p.auth.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &TokenClaims{
		UID: token.UID,
	}, nil
}
