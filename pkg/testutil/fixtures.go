// Package testutil holds small fixtures shared by the hub's tests.
package testutil

import (
	"context"
	"strings"

	"github.com/R3E-Network/fabblink/internal/app/auth"
	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
)

// GAS parses a decimal amount of the accounting token, e.g. GAS("1.5").
// It panics on malformed input.
func GAS(amount string) asset.Asset { return asset.MustParse(amount + " GAS") }

// As returns a context authenticated as subject.
func As(subject string, roles ...string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: subject, Roles: roles})
}

// Fingerprint builds a 64 hex digit design fingerprint from a repeated byte
// pair such as "c0".
func Fingerprint(pair string) string { return strings.Repeat(pair, 32) }
