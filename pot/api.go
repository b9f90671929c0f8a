package pot

import (
	"time"

	"github.com/ceyhunalp/lotterypot/utils"
	"github.com/ceyhunalp/lotterypot/vault"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

type AdminClient struct {
	Cl   *Client
	GMsg *byzcoin.CreateGenesisBlock
}

// Client submits pot and account transactions to ByzCoin and talks to the
// pot service for the settlement archive. It signs every transaction with
// one ledger signer; operation-level authorization travels inside the
// instruction arguments.
type Client struct {
	bcClient *byzcoin.Client
	c        *onet.Client
	signer   darc.Signer
	ctr      uint64
}

func NewAdminClient(byzcoin *byzcoin.Client, signer darc.Signer,
	gMsg *byzcoin.CreateGenesisBlock) *AdminClient {
	return &AdminClient{Cl: &Client{bcClient: byzcoin,
		c: onet.NewClient(cothority.Suite, ServiceName), signer: signer,
		ctr: uint64(1)}, GMsg: gMsg}
}

func NewClient(byzcoin *byzcoin.Client, signer darc.Signer) *Client {
	return &Client{bcClient: byzcoin, c: onet.NewClient(cothority.Suite,
		ServiceName), signer: signer, ctr: uint64(1)}
}

// SetupByzcoin creates a new ledger whose genesis darc can drive both the
// lotteryPot and the potCoin contracts.
func SetupByzcoin(r *onet.Roster, blockTime time.Duration) (*AdminClient, skipchain.SkipBlockID, error) {
	signer := darc.NewSignerEd25519(nil, nil)
	gMsg, err := byzcoin.DefaultGenesisMsg(byzcoin.CurrentVersion, r, []string{
		"spawn:" + ContractPotID,
		"invoke:" + ContractPotID + ".buy_ticket",
		"invoke:" + ContractPotID + ".request_randomness",
		"invoke:" + ContractPotID + ".accept_fulfillment",
		"invoke:" + ContractPotID + ".fulfill_and_payout",
		"invoke:" + ContractPotID + ".cancel",
		"delete:" + ContractPotID,
		"spawn:" + vault.ContractCoinID,
		"invoke:" + vault.ContractCoinID + ".mint",
		"invoke:" + vault.ContractCoinID + ".transfer",
		"delete:" + vault.ContractCoinID,
	}, signer.Identity())
	if err != nil {
		return nil, nil, err
	}
	gMsg.BlockInterval = blockTime * time.Second
	c, _, err := byzcoin.NewLedger(gMsg, false)
	if err != nil {
		return nil, nil, err
	}
	cl := NewAdminClient(c, signer, gMsg)
	return cl, c.ID, nil
}

// InitUnit opens the settlement archive on every conode.
func (c *Client) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	reply := &InitUnitReply{}
	for _, node := range c.bcClient.Roster.List {
		err := c.c.SendProtobuf(node, req, reply)
		if err != nil {
			return nil, xerrors.Errorf("send InitUnit message: %v", err)
		}
	}
	return reply, nil
}

// SpawnAccount creates a potCoin account. A nil owner creates an ownerless
// account that can only be credited.
func (c *Client) SpawnAccount(gDarc darc.ID, unit string, owner kyber.Point, wait int) (byzcoin.InstanceID, error) {
	instr, err := vault.SpawnInstruction(gDarc, unit, owner, c.ctr)
	if err != nil {
		return byzcoin.InstanceID{}, err
	}
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion, instr)
	err = ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return byzcoin.InstanceID{}, xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return byzcoin.InstanceID{}, xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return ctx.Instructions[0].DeriveID(""), nil
}

// Mint credits an account. Gated by the genesis darc, so only the ledger
// admin can create value.
func (c *Client) Mint(account byzcoin.InstanceID, amount uint64, wait int) error {
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion,
		vault.MintInstruction(account, amount, c.ctr))
	err := ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return nil
}

// Transfer moves value between potCoin accounts, authorized by the source
// account's owner.
func (c *Client) Transfer(src byzcoin.InstanceID, dst byzcoin.InstanceID, amount uint64, owner darc.Signer, wait int) error {
	srcStorage, err := c.GetAccount(src)
	if err != nil {
		return err
	}
	instr, err := vault.TransferInstruction(src, dst, amount, srcStorage.Counter, owner, c.ctr)
	if err != nil {
		return err
	}
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion, instr)
	err = ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return nil
}

// CreatePot spawns a pot and its vault. The authority signs the encoded
// creation parameters so nobody can spawn pots in its name.
func (c *Client) CreatePot(gDarc darc.ID, data *PotSpawnData, authority darc.Signer, wait int) (byzcoin.InstanceID, byzcoin.InstanceID, error) {
	dataBuf, err := protobuf.Encode(data)
	if err != nil {
		return byzcoin.InstanceID{}, byzcoin.InstanceID{}, xerrors.Errorf("encoding pot data: %v", err)
	}
	sig, err := authority.Ed25519.Sign(SpawnDigest(dataBuf))
	if err != nil {
		return byzcoin.InstanceID{}, byzcoin.InstanceID{}, xerrors.Errorf("signing pot data: %v", err)
	}
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion,
		byzcoin.Instruction{
			InstanceID: byzcoin.NewInstanceID(gDarc),
			Spawn: &byzcoin.Spawn{
				ContractID: ContractPotID,
				Args: byzcoin.Arguments{
					{Name: "pot", Value: dataBuf},
					{Name: "sig", Value: sig},
				},
			},
			SignerCounter: []uint64{c.ctr},
		})
	err = ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return byzcoin.InstanceID{}, byzcoin.InstanceID{}, xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return byzcoin.InstanceID{}, byzcoin.InstanceID{}, xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	potID := ctx.Instructions[0].DeriveID("")
	vaultID := ctx.Instructions[0].DeriveID("vault")
	return potID, vaultID, nil
}

// BuyTicket escrows one ticket price from the buyer's account into the
// pot's vault and registers the ticket, atomically in one transaction.
func (c *Client) BuyTicket(potID byzcoin.InstanceID, buyer darc.Signer, account byzcoin.InstanceID, wait int) error {
	storage, err := c.GetPot(potID)
	if err != nil {
		return err
	}
	accStorage, err := c.GetAccount(account)
	if err != nil {
		return err
	}
	transfer, err := vault.TransferInstruction(account, storage.Pot.Vault,
		storage.Pot.TicketPrice, accStorage.Counter, buyer, c.ctr)
	if err != nil {
		return err
	}
	keyBuf, err := buyer.Ed25519.Point.MarshalBinary()
	if err != nil {
		return xerrors.Errorf("marshaling buyer key: %v", err)
	}
	ticketSig, err := buyer.Ed25519.Sign(TicketDigest(potID, keyBuf, account))
	if err != nil {
		return xerrors.Errorf("signing ticket: %v", err)
	}
	ticketBuf, err := protobuf.Encode(&Ticket{
		Key:     keyBuf,
		Account: account,
		Sig:     ticketSig,
	})
	if err != nil {
		return xerrors.Errorf("encoding ticket: %v", err)
	}
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion, transfer,
		byzcoin.Instruction{
			InstanceID: potID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractPotID,
				Command:    "buy_ticket",
				Args:       byzcoin.Arguments{{Name: "ticket", Value: ticketBuf}},
			},
			SignerCounter: []uint64{c.ctr + 1},
		})
	err = ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr += 2
	return nil
}

// RequestRandomness closes the sale and records the beacon seed. Returns
// the seed the beacon has to sign.
func (c *Client) RequestRandomness(potID byzcoin.InstanceID, authority darc.Signer, wait int) ([]byte, error) {
	storage, err := c.GetPot(potID)
	if err != nil {
		return nil, err
	}
	sig, err := authority.Ed25519.Sign(RequestDigest(potID, storage.Pot.TicketsSold))
	if err != nil {
		return nil, xerrors.Errorf("signing request: %v", err)
	}
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion,
		byzcoin.Instruction{
			InstanceID: potID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractPotID,
				Command:    "request_randomness",
				Args:       byzcoin.Arguments{{Name: "sig", Value: sig}},
			},
			SignerCounter: []uint64{c.ctr},
		})
	err = ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return nil, xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return nil, xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return NewSeed(potID, storage.Pot.TicketsSold), nil
}

// AcceptFulfillment relays a beacon signature to the pot. Anyone holding a
// valid fulfillment can call this.
func (c *Client) AcceptFulfillment(potID byzcoin.InstanceID, seed []byte, value []byte, wait int) error {
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion,
		byzcoin.Instruction{
			InstanceID: potID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractPotID,
				Command:    "accept_fulfillment",
				Args: byzcoin.Arguments{
					{Name: "seed", Value: seed},
					{Name: "randomness", Value: value},
				},
			},
			SignerCounter: []uint64{c.ctr},
		})
	err := ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return nil
}

// FulfillAndPayout settles the pot. A non-nil claimed account is passed
// along for the contract to cross-check against the recomputed winner.
func (c *Client) FulfillAndPayout(potID byzcoin.InstanceID, authority darc.Signer, claimed *byzcoin.InstanceID, wait int) error {
	storage, err := c.GetPot(potID)
	if err != nil {
		return err
	}
	if storage.Request == nil {
		return ErrNoRandomness
	}
	sig, err := authority.Ed25519.Sign(PayoutDigest(potID, storage.Request.Seed))
	if err != nil {
		return xerrors.Errorf("signing payout: %v", err)
	}
	args := byzcoin.Arguments{{Name: "sig", Value: sig}}
	if claimed != nil {
		args = append(args, byzcoin.Argument{Name: "winner", Value: claimed.Slice()})
	}
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion,
		byzcoin.Instruction{
			InstanceID: potID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractPotID,
				Command:    "fulfill_and_payout",
				Args:       args,
			},
			SignerCounter: []uint64{c.ctr},
		})
	err = ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return nil
}

// Cancel closes a pot that sold no tickets.
func (c *Client) Cancel(potID byzcoin.InstanceID, authority darc.Signer, wait int) error {
	sig, err := authority.Ed25519.Sign(CancelDigest(potID))
	if err != nil {
		return xerrors.Errorf("signing cancel: %v", err)
	}
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion,
		byzcoin.Instruction{
			InstanceID: potID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractPotID,
				Command:    "cancel",
				Args:       byzcoin.Arguments{{Name: "sig", Value: sig}},
			},
			SignerCounter: []uint64{c.ctr},
		})
	err = ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return nil
}

// DeletePot removes a terminal pot and its vault from the trie.
func (c *Client) DeletePot(potID byzcoin.InstanceID, wait int) error {
	ctx := byzcoin.NewClientTransaction(byzcoin.CurrentVersion,
		byzcoin.Instruction{
			InstanceID: potID,
			Delete: &byzcoin.Delete{
				ContractID: ContractPotID,
			},
			SignerCounter: []uint64{c.ctr},
		})
	err := ctx.FillSignersAndSignWith(c.signer)
	if err != nil {
		return xerrors.Errorf("signing transaction: %v", err)
	}
	_, err = c.bcClient.AddTransactionAndWait(ctx, wait)
	if err != nil {
		return xerrors.Errorf("adding transaction: %v", err)
	}
	c.ctr++
	return nil
}

// GetPot reads and decodes a pot instance from the ledger.
func (c *Client) GetPot(potID byzcoin.InstanceID) (*PotStorage, error) {
	reply, err := c.bcClient.GetProof(potID.Slice())
	if err != nil {
		return nil, xerrors.Errorf("getting proof: %v", err)
	}
	pr := reply.Proof
	if !pr.InclusionProof.Match(potID.Slice()) {
		return nil, xerrors.New("no such pot")
	}
	val, cid, _, err := pr.Get(potID.Slice())
	if err != nil {
		return nil, xerrors.Errorf("reading proof: %v", err)
	}
	if cid != ContractPotID {
		return nil, xerrors.Errorf("instance is a %s, not %s", cid, ContractPotID)
	}
	storage := &PotStorage{}
	err = protobuf.Decode(val, storage)
	if err != nil {
		return nil, xerrors.Errorf("decoding pot: %v", err)
	}
	return storage, nil
}

// GetAccount reads and decodes a potCoin account from the ledger.
func (c *Client) GetAccount(id byzcoin.InstanceID) (*vault.CoinStorage, error) {
	reply, err := c.bcClient.GetProof(id.Slice())
	if err != nil {
		return nil, xerrors.Errorf("getting proof: %v", err)
	}
	pr := reply.Proof
	if !pr.InclusionProof.Match(id.Slice()) {
		return nil, xerrors.New("no such account")
	}
	val, cid, _, err := pr.Get(id.Slice())
	if err != nil {
		return nil, xerrors.Errorf("reading proof: %v", err)
	}
	if cid != vault.ContractCoinID {
		return nil, xerrors.Errorf("instance is a %s, not %s", cid, vault.ContractCoinID)
	}
	storage := &vault.CoinStorage{}
	err = protobuf.Decode(val, storage)
	if err != nil {
		return nil, xerrors.Errorf("decoding account: %v", err)
	}
	return storage, nil
}

// ArchivePot stores the settlement record of a terminal pot in the
// service archive.
func (c *Client) ArchivePot(potID byzcoin.InstanceID) (*ArchivePotReply, error) {
	storage, err := c.GetPot(potID)
	if err != nil {
		return nil, err
	}
	if storage.Pot.Status != StatusSettled && storage.Pot.Status != StatusCancelled {
		return nil, ErrWrongState
	}
	record := &PotRecord{
		PotID:  potID,
		Status: storage.Pot.Status,
	}
	if storage.Request != nil {
		record.Seed = storage.Request.Seed
		record.Randomness = storage.Request.Value
	}
	if storage.Winner != nil {
		record.Winner = storage.Winner
		record.Payout = storage.Winner.Amount
		total, err := utils.SafeMul(storage.Pot.TicketPrice, storage.Pot.TicketsSold)
		if err != nil {
			return nil, err
		}
		record.Fee, err = utils.SafeSub(total, storage.Winner.Amount)
		if err != nil {
			return nil, err
		}
	}
	req := &ArchivePotRequest{Record: *record}
	reply := &ArchivePotReply{}
	err = c.c.SendProtobuf(c.bcClient.Roster.List[0], req, reply)
	if err != nil {
		return nil, xerrors.Errorf("send ArchivePot message: %v", err)
	}
	return reply, nil
}

// GetArchivedPot fetches a previously archived settlement record.
func (c *Client) GetArchivedPot(potID byzcoin.InstanceID) (*GetArchivedPotReply, error) {
	req := &GetArchivedPotRequest{PotID: potID}
	reply := &GetArchivedPotReply{}
	err := c.c.SendProtobuf(c.bcClient.Roster.List[0], req, reply)
	if err != nil {
		return nil, xerrors.Errorf("send GetArchivedPot message: %v", err)
	}
	return reply, nil
}
