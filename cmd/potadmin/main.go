package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/ceyhunalp/lotterypot/pot"
	"github.com/ceyhunalp/lotterypot/randbeacon"
	"github.com/ceyhunalp/lotterypot/utils"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3/log"
	cli "gopkg.in/urfave/cli.v1"
)

// potadmin drives a complete lottery round against a running conode roster:
// ledger setup, beacon DKG, pot creation, ticket sales, randomness
// fulfillment and payout.

func run(c *cli.Context) error {
	rosterPath := c.String("roster")
	roster, err := utils.ReadRoster(&rosterPath)
	if err != nil {
		return err
	}
	price := c.Uint64("price")
	capacity := c.Uint64("capacity")
	feeBps := uint32(c.Uint("fee"))
	numBuyers := c.Int("buyers")
	if uint64(numBuyers) > capacity {
		return fmt.Errorf("%d buyers do not fit a capacity of %d", numBuyers, capacity)
	}

	admin, byzID, err := pot.SetupByzcoin(roster, time.Duration(c.Int64("blocktime")))
	if err != nil {
		return err
	}
	cl := admin.Cl
	gDarc := admin.GMsg.GenesisDarc.GetBaseID()
	fmt.Println("ByzCoin ID:", hex.EncodeToString(byzID))

	beacon := randbeacon.NewClient(roster)
	dkgReply, err := beacon.InitDKG(byzID)
	if err != nil {
		return err
	}
	fmt.Println("Beacon key:", dkgReply.Public.String())

	authority := darc.NewSignerEd25519(nil, nil)
	dev := darc.NewSignerEd25519(nil, nil)
	devID, err := cl.SpawnAccount(gDarc, c.String("unit"), dev.Ed25519.Point, 4)
	if err != nil {
		return err
	}

	data, err := pot.NewPotSpawnData(authority.Ed25519.Point, dkgReply.Public,
		c.String("unit"), devID, feeBps, price, capacity)
	if err != nil {
		return err
	}
	potID, vaultID, err := cl.CreatePot(gDarc, data, authority, 4)
	if err != nil {
		return err
	}
	fmt.Println("Pot:", hex.EncodeToString(potID.Slice()))
	fmt.Println("Vault:", hex.EncodeToString(vaultID.Slice()))

	accounts := make([]byzcoin.InstanceID, numBuyers)
	for i := 0; i < numBuyers; i++ {
		buyer := darc.NewSignerEd25519(nil, nil)
		accounts[i], err = cl.SpawnAccount(gDarc, c.String("unit"), buyer.Ed25519.Point, 4)
		if err != nil {
			return err
		}
		if err = cl.Mint(accounts[i], price, 4); err != nil {
			return err
		}
		if err = cl.BuyTicket(potID, buyer, accounts[i], 4); err != nil {
			return err
		}
		fmt.Printf("Ticket %d: %s\n", i, hex.EncodeToString(accounts[i].Slice()))
	}

	seed, err := cl.RequestRandomness(potID, authority, 4)
	if err != nil {
		return err
	}
	fmt.Println("Seed:", hex.EncodeToString(seed))

	signed, err := beacon.SignSeed(potID, seed)
	if err != nil {
		return err
	}
	if err = cl.AcceptFulfillment(potID, seed, signed.Fulfillment.Value, 4); err != nil {
		return err
	}
	if err = cl.FulfillAndPayout(potID, authority, nil, 4); err != nil {
		return err
	}

	storage, err := cl.GetPot(potID)
	if err != nil {
		return err
	}
	fmt.Println("Status:", storage.Pot.Status)
	fmt.Printf("Winner: ticket %d, account %s, prize %d\n", storage.Winner.Index,
		hex.EncodeToString(storage.Winner.Account.Slice()), storage.Winner.Amount)
	devCS, err := cl.GetAccount(devID)
	if err != nil {
		return err
	}
	fmt.Println("Developer fee:", devCS.Balance)

	if _, err = cl.InitUnit(&pot.InitUnitRequest{ArchivePath: c.String("archive")}); err != nil {
		return err
	}
	if _, err = cl.ArchivePot(potID); err != nil {
		return err
	}
	fmt.Println("Archived:", hex.EncodeToString(potID.Slice()))
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "potadmin"
	app.Usage = "operate a pooled-ticket lottery on a conode roster"
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run one full lottery round",
			Action: run,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "roster, r", Usage: "group definition file"},
				cli.StringFlag{Name: "unit, u", Value: "token", Usage: "value unit"},
				cli.Uint64Flag{Name: "price, p", Value: 100, Usage: "ticket price"},
				cli.Uint64Flag{Name: "capacity, c", Value: 10, Usage: "ticket capacity"},
				cli.UintFlag{Name: "fee, f", Value: 500, Usage: "fee in basis points"},
				cli.IntFlag{Name: "buyers, b", Value: 5, Usage: "number of buyers"},
				cli.Int64Flag{Name: "blocktime", Value: 1, Usage: "block interval in seconds"},
				cli.StringFlag{Name: "archive", Usage: "settlement archive path"},
			},
		},
	}
	err := app.Run(os.Args)
	log.ErrFatal(err)
}
