package vault

import (
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
)

// This service exists so that the potCoin contract gets registered with the
// ByzCoin service on every conode that imports this package.

// ServiceName is the name of the value-unit account service.
var ServiceName = "PotCoinService"

var coinID onet.ServiceID

// Service only carries the contract registration.
type Service struct {
	*onet.ServiceProcessor
}

func init() {
	var err error
	coinID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
	}
	err := byzcoin.RegisterContract(c, ContractCoinID, contractCoinFromBytes)
	if err != nil {
		return nil, err
	}
	return s, nil
}
