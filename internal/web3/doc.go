// Package web3 houses chain connectivity shared by the contract session,
// the function invoker and the ERC-20 approval flow: chain definitions,
// the embedded presale and ERC-20 ABIs, and exact decimal unit conversion.
package web3
