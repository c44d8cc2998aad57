package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowdesk/auth"
	"escrowdesk/escrowapi"
)

// tokenExpiry reads the exp claim without verifying the signature. The
// server verifies every request; the CLI only needs to know when to stop.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry")
	}
	return exp.Time, nil
}

// connect returns an authenticated client and the session the server
// associates with its token.
func connect(ctx context.Context, flags *globalFlags) (*escrowapi.Client, auth.Session, error) {
	if flags.token == "" {
		return nil, auth.Session{}, fmt.Errorf("not logged in: run `escrowctl login` and export ESCROWDESK_TOKEN")
	}
	expiresAt, err := tokenExpiry(flags.token)
	if err != nil {
		return nil, auth.Session{}, err
	}

	client := escrowapi.NewClient(flags.server, nil).WithToken(flags.token)
	user, err := client.Profile(ctx)
	if err != nil {
		return nil, auth.Session{}, fmt.Errorf("load profile: %w", err)
	}
	return client, user.Session(expiresAt), nil
}
