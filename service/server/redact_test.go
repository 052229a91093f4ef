package server

import (
	"errors"
	"fmt"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
)

func TestRedactor(t *testing.T) {
	key := solanago.NewWallet().PrivateKey
	r := newRedactor(key)

	assert.Equal(t, "key=[REDACTED]", r.redact("key="+key.String()))
	assert.Equal(t, "public "+key.PublicKey().String(), r.redact("public "+key.PublicKey().String()))

	empty := newRedactor(nil)
	assert.Equal(t, "unchanged", empty.redact("unchanged"))
}

func TestErrorChain(t *testing.T) {
	base := errors.New("base")
	err := fmt.Errorf("outer: %w", fmt.Errorf("mid: %w", base))

	assert.Equal(t, "outer: mid: base\n  mid: base\n    base", errorChain(err))
	assert.Equal(t, "", errorChain(nil))

	sentinel := errors.New("sentinel")
	joined := fmt.Errorf("%w: %w", sentinel, base)
	assert.Equal(t, "sentinel: base\n  sentinel\n  base", errorChain(joined))
}
