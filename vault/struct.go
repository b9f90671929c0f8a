package vault

import (
	"github.com/ceyhunalp/lotterypot/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// CoinStorage is the persistent state of one potCoin account. Owner holds
// the marshaled ed25519 point of the account holder; an account without an
// owner key can never be debited by a transfer instruction, which is how
// pot vaults stay under exclusive program custody.
type CoinStorage struct {
	Unit    string
	Balance uint64
	Owner   []byte
	Counter uint64
}

// OwnerPoint unmarshals the owner key. Returns nil for ownerless accounts.
func (cs *CoinStorage) OwnerPoint() (kyber.Point, error) {
	if len(cs.Owner) == 0 {
		return nil, nil
	}
	p := cothority.Suite.Point()
	err := p.UnmarshalBinary(cs.Owner)
	if err != nil {
		return nil, xerrors.Errorf("couldn't unmarshal owner key: %v", err)
	}
	return p, nil
}

// TransferDigest is the message an account owner signs to authorize one
// debit. Binding the account's counter makes a captured signature
// single-use.
func TransferDigest(src byzcoin.InstanceID, dst byzcoin.InstanceID, amount uint64, counter uint64) []byte {
	return utils.Digest([]byte("potCoin_transfer"), src.Slice(), dst.Slice(),
		utils.Uint64Bytes(amount), utils.Uint64Bytes(counter))
}
