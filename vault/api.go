package vault

import (
	"github.com/ceyhunalp/lotterypot/utils"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Instruction builders shared by the pot client, the admin CLI and the
// tests. Ledger-level signing (SignerCounter + FillSignersAndSignWith) is
// left to the caller.

// SpawnInstruction builds the instruction creating a new account. A nil
// owner creates an ownerless account.
func SpawnInstruction(gDarc darc.ID, unit string, owner kyber.Point, signerCtr uint64) (byzcoin.Instruction, error) {
	args := byzcoin.Arguments{{Name: "unit", Value: []byte(unit)}}
	if owner != nil {
		buf, err := owner.MarshalBinary()
		if err != nil {
			return byzcoin.Instruction{}, xerrors.Errorf("couldn't marshal owner key: %v", err)
		}
		args = append(args, byzcoin.Argument{Name: "owner", Value: buf})
	}
	return byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(gDarc),
		Spawn: &byzcoin.Spawn{
			ContractID: ContractCoinID,
			Args:       args,
		},
		SignerCounter: []uint64{signerCtr},
	}, nil
}

// MintInstruction builds the darc-gated funding instruction.
func MintInstruction(account byzcoin.InstanceID, amount uint64, signerCtr uint64) byzcoin.Instruction {
	return byzcoin.Instruction{
		InstanceID: account,
		Invoke: &byzcoin.Invoke{
			ContractID: ContractCoinID,
			Command:    "mint",
			Args: byzcoin.Arguments{
				{Name: "amount", Value: utils.Uint64Bytes(amount)},
			},
		},
		SignerCounter: []uint64{signerCtr},
	}
}

// TransferInstruction builds a debit authorized by the account owner. The
// counter must be the account's current Counter as stored on the ledger.
func TransferInstruction(src byzcoin.InstanceID, dst byzcoin.InstanceID, amount uint64, counter uint64, owner darc.Signer, signerCtr uint64) (byzcoin.Instruction, error) {
	digest := TransferDigest(src, dst, amount, counter+1)
	sig, err := owner.Ed25519.Sign(digest)
	if err != nil {
		return byzcoin.Instruction{}, xerrors.Errorf("couldn't sign transfer: %v", err)
	}
	return byzcoin.Instruction{
		InstanceID: src,
		Invoke: &byzcoin.Invoke{
			ContractID: ContractCoinID,
			Command:    "transfer",
			Args: byzcoin.Arguments{
				{Name: "amount", Value: utils.Uint64Bytes(amount)},
				{Name: "destination", Value: dst.Slice()},
				{Name: "sig", Value: sig},
			},
		},
		SignerCounter: []uint64{signerCtr},
	}, nil
}
