package model

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaslessbase/gasless-relay/core/chainio/aa"
)

// User pairs an owner key address with its derived smart account.
type User struct {
	Address             common.Address
	SmartAccountAddress *common.Address
}

// LoadDefaultSmartWallet derives the salt-0 smart account address. Pure
// derivation, no network access.
func (u *User) LoadDefaultSmartWallet() error {
	smartAccountAddress, err := aa.GetSenderAddress(u.Address, big.NewInt(0))
	if err != nil {
		return fmt.Errorf("failed to derive smart wallet address for owner %s: %w", u.Address.Hex(), err)
	}
	u.SmartAccountAddress = &smartAccountAddress
	return nil
}

func (u *User) ToSmartWallet() *SmartWallet {
	return &SmartWallet{
		Owner:   &u.Address,
		Address: u.SmartAccountAddress,
	}
}

type SmartWallet struct {
	Owner   *common.Address `json:"owner"`
	Address *common.Address `json:"address"`
	Factory *common.Address `json:"factory,omitempty"`
	Salt    *big.Int        `json:"salt"`
}

func (w *SmartWallet) ToJSON() ([]byte, error) {
	return json.Marshal(w)
}

func (w *SmartWallet) FromStorageData(body []byte) error {
	return json.Unmarshal(body, w)
}
