package providers

import (
	"context"
	"fmt"
	"strings"
)

var _ AuthProvider = &StaticAuthProvider{}

// StaticAuthProvider accepts a fixed set of tokens, each mapped to a uid.
// It is meant for local runs and tests.
type StaticAuthProvider struct {
	tokens map[string]string
}

func NewStaticAuthProvider(tokens map[string]string) *StaticAuthProvider {
	copied := make(map[string]string, len(tokens))
	for token, uid := range tokens {
		copied[token] = uid
	}
	return &StaticAuthProvider{tokens: copied}
}

// ParseStaticTokens parses a comma separated list of token=uid pairs,
// e.g. "dev-token=alice,other-token=bob".
func ParseStaticTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, uid, ok := strings.Cut(pair, "=")
		token, uid = strings.TrimSpace(token), strings.TrimSpace(uid)
		if !ok || token == "" || uid == "" {
			return nil, fmt.Errorf("invalid static token %q, expected token=uid", pair)
		}
		tokens[token] = uid
	}
	return tokens, nil
}

func (p *StaticAuthProvider) VerifyToken(_ context.Context, idToken string) (*TokenClaims, error) {
	uid, ok := p.tokens[idToken]
	if !ok {
		return nil, ErrInvalidToken
	}
	return &TokenClaims{UID: uid}, nil
}
