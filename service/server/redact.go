package server

import (
	"encoding/json"
	"errors"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
)

const redacted = "[REDACTED]"

// redactor scrubs every textual form of the operator key from strings that
// leave the process.
type redactor struct {
	secrets []string
}

func newRedactor(key solanago.PrivateKey) *redactor {
	if len(key) == 0 {
		return &redactor{}
	}
	r := &redactor{secrets: []string{key.String()}}

	// The JSON byte array form, both compact and with spaces.
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	if compact, err := json.Marshal(ints); err == nil {
		r.secrets = append(r.secrets, string(compact))
		r.secrets = append(r.secrets, strings.ReplaceAll(string(compact), ",", ", "))
	}
	return r
}

func (r *redactor) redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

// errorChain renders err and everything it wraps, one cause per line.
func errorChain(err error) string {
	var b strings.Builder
	var walk func(e error, depth int)
	walk = func(e error, depth int) {
		if e == nil || depth > 32 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(e.Error())

		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner, depth+1)
			}
		default:
			walk(errors.Unwrap(e), depth+1)
		}
	}
	walk(err, 0)
	return b.String()
}
