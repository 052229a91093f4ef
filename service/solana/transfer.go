package solana

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ErrOffCurve is returned for addresses that are not ed25519 public keys.
// Such addresses (program derived addresses) cannot own an associated token account.
var ErrOffCurve = errors.New("address is not on the ed25519 curve")

// ParseWallet parses a base58 wallet address and checks that it is a point on
// the ed25519 curve.
func ParseWallet(address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid public key: %w", err)
	}
	if _, err := new(edwards25519.Point).SetBytes(pk[:]); err != nil {
		return solana.PublicKey{}, ErrOffCurve
	}
	return pk, nil
}

// AssociatedTokenAddress derives owner's associated token account for mint.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}
	return ata, nil
}

// TransferParams describes one signed token transfer from the operator.
type TransferParams struct {
	Operator solana.PrivateKey
	Mint     solana.PublicKey
	Buyer    solana.PublicKey
	Amount   uint64 // base units

	// CreateBuyerAccount prepends creation of the buyer's associated token
	// account, paid for by the operator.
	CreateBuyerAccount bool

	ComputeUnits  uint32
	MicroLamports uint64
	Blockhash     solana.Hash
}

// SignedTransfer is a transfer ready for raw submission.
type SignedTransfer struct {
	Signature solana.Signature
	Raw       []byte
}

// BuildTransfer assembles, signs and serializes the transfer. The operator is
// the fee payer and the sole signer.
func BuildTransfer(p TransferParams) (*SignedTransfer, error) {
	if len(p.Operator) != 64 {
		return nil, errors.New("operator key is not set")
	}
	operator := p.Operator.PublicKey()

	sourceATA, err := AssociatedTokenAddress(operator, p.Mint)
	if err != nil {
		return nil, err
	}
	buyerATA, err := AssociatedTokenAddress(p.Buyer, p.Mint)
	if err != nil {
		return nil, err
	}

	instructions := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(p.ComputeUnits).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(p.MicroLamports).Build(),
	}
	if p.CreateBuyerAccount {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(operator, p.Buyer, p.Mint).Build(),
		)
	}
	instructions = append(instructions,
		token.NewTransferInstruction(p.Amount, sourceATA, buyerATA, operator, nil).Build(),
	)

	tx, err := solana.NewTransaction(instructions, p.Blockhash, solana.TransactionPayer(operator))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(operator) {
			return &p.Operator
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	return &SignedTransfer{Signature: tx.Signatures[0], Raw: raw}, nil
}
