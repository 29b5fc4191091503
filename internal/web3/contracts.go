package web3

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abis/presale.json
var presaleABIJSON string

//go:embed abis/erc20.json
var erc20ABIJSON string

var (
	presaleABI = mustParseABI("presale", presaleABIJSON)
	erc20ABI   = mustParseABI("erc20", erc20ABIJSON)
)

// PresaleABI returns the statically known presale contract interface.
func PresaleABI() abi.ABI { return presaleABI }

// ERC20ABI returns the standard token interface used by the approval flow.
func ERC20ABI() abi.ABI { return erc20ABI }

// ParseABI parses a contract ABI supplied as JSON text.
func ParseABI(raw string) (abi.ABI, error) {
	if strings.TrimSpace(raw) == "" {
		return abi.ABI{}, fmt.Errorf("abi is empty")
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := ParseABI(raw)
	if err != nil {
		panic(fmt.Sprintf("embedded %s abi: %v", name, err))
	}
	return parsed
}
