package vault

import (
	"bytes"

	"github.com/ceyhunalp/lotterypot/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ContractCoinID identifies the value-unit account contract.
const ContractCoinID = "potCoin"

var (
	ErrInsufficientBalance = xerrors.New("insufficient balance")
	ErrUnitMismatch        = xerrors.New("value unit mismatch")
	ErrNoOwner             = xerrors.New("account has no owner key")
	ErrBadSignature        = xerrors.New("invalid owner signature")
)

type contractCoin struct {
	byzcoin.BasicContract
	CoinStorage
}

func contractCoinFromBytes(in []byte) (byzcoin.Contract, error) {
	cc := &contractCoin{}
	err := protobuf.Decode(in, &cc.CoinStorage)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return nil, err
	}
	return cc, nil
}

// Spawn creates an account for a value unit with zero balance. The "owner"
// argument carries the holder's marshaled public key; leaving it out creates
// an account no transfer instruction can ever debit.
func (c *contractCoin) Spawn(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	unit := inst.Spawn.Args.Search("unit")
	if len(unit) == 0 {
		err = xerrors.New("missing argument: unit")
		return
	}
	cs := &CoinStorage{
		Unit:  string(unit),
		Owner: inst.Spawn.Args.Search("owner"),
	}
	if len(cs.Owner) != 0 {
		// Fail early on garbage keys instead of at transfer time.
		if _, err = cs.OwnerPoint(); err != nil {
			return
		}
	}
	var buf []byte
	buf, err = protobuf.Encode(cs)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Create, inst.DeriveID(""), ContractCoinID, buf, darcID),
	}
	return
}

func (c *contractCoin) Invoke(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	switch inst.Invoke.Command {
	case "mint":
		return c.mint(inst, darcID)
	case "transfer":
		return c.transfer(rst, inst, darcID)
	default:
		return nil, nil, xerrors.Errorf("invalid invoke command: %s", inst.Invoke.Command)
	}
}

// mint credits the account. Access is darc-gated; it exists for environment
// setup, the lottery program itself never mints.
func (c *contractCoin) mint(inst byzcoin.Instruction, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	var amount uint64
	amount, err = utils.Uint64FromBytes(inst.Invoke.Args.Search("amount"))
	if err != nil {
		return
	}
	cs := &c.CoinStorage
	cs.Balance, err = utils.SafeAdd(cs.Balance, amount)
	if err != nil {
		return
	}
	var buf []byte
	buf, err = protobuf.Encode(cs)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractCoinID, buf, darcID),
	}
	return
}

// transfer debits this account and credits the destination. The debit must
// carry a schnorr signature by the account owner over the transfer digest,
// which includes the account's running counter.
func (c *contractCoin) transfer(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	var amount uint64
	amount, err = utils.Uint64FromBytes(inst.Invoke.Args.Search("amount"))
	if err != nil {
		return
	}
	dstBuf := inst.Invoke.Args.Search("destination")
	if len(dstBuf) != 32 {
		err = xerrors.New("missing or malformed argument: destination")
		return
	}
	dst := byzcoin.NewInstanceID(dstBuf)
	if bytes.Equal(dst.Slice(), inst.InstanceID.Slice()) {
		err = xerrors.New("cannot transfer to self")
		return
	}

	cs := &c.CoinStorage
	owner, err := cs.OwnerPoint()
	if err != nil {
		return
	}
	if owner == nil {
		err = ErrNoOwner
		return
	}
	digest := TransferDigest(inst.InstanceID, dst, amount, cs.Counter+1)
	err = schnorr.Verify(cothority.Suite, owner, digest, inst.Invoke.Args.Search("sig"))
	if err != nil {
		log.Errorf("Cannot verify transfer signature: %v", err)
		err = ErrBadSignature
		return
	}

	dstVal, _, dstCID, dstDarcID, err := rst.GetValues(dst.Slice())
	if err != nil {
		log.Errorf("GetValues on destination failed: %v", err)
		return
	}
	if dstCID != ContractCoinID {
		err = xerrors.Errorf("destination is a %s instance, not %s", dstCID, ContractCoinID)
		return
	}
	dstStorage := &CoinStorage{}
	err = protobuf.Decode(dstVal, dstStorage)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return
	}
	if dstStorage.Unit != cs.Unit {
		err = ErrUnitMismatch
		return
	}

	cs.Balance, err = utils.SafeSub(cs.Balance, amount)
	if err != nil {
		err = ErrInsufficientBalance
		return
	}
	cs.Counter++
	dstStorage.Balance, err = utils.SafeAdd(dstStorage.Balance, amount)
	if err != nil {
		return
	}

	srcBuf, err := protobuf.Encode(cs)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	dstEncoded, err := protobuf.Encode(dstStorage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractCoinID, srcBuf, darcID),
		byzcoin.NewStateChange(byzcoin.Update, dst, ContractCoinID, dstEncoded, dstDarcID),
	}
	return
}

func (c *contractCoin) Delete(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	if c.CoinStorage.Balance != 0 {
		err = xerrors.New("cannot delete an account holding value")
		return
	}
	sc = byzcoin.StateChanges{byzcoin.NewStateChange(byzcoin.Remove, inst.InstanceID, ContractCoinID, nil, darcID)}
	return
}
