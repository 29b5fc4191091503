package invoke

import (
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind tells whether a method is read-only or needs a signed transaction.
type Kind string

const (
	KindView Kind = "view"
	KindGas  Kind = "gas"
)

// Contract is the subset of bind.BoundContract the invoker dispatches to.
type Contract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error)
}

type entry struct {
	key    string
	method abi.Method
	kind   Kind
}

// Binding is a contract handle plus the dispatch table derived from its ABI.
// The table is fixed once the binding is built.
type Binding struct {
	Address  common.Address
	ABI      abi.ABI
	contract Contract
	table    map[string]entry
}

// NewBinding binds address to the node behind backend.
func NewBinding(address common.Address, parsed abi.ABI, backend bind.ContractBackend) *Binding {
	return NewBindingWith(address, parsed, bind.NewBoundContract(address, parsed, backend, backend, backend))
}

// NewBindingWith builds a binding around an existing contract handle.
func NewBindingWith(address common.Address, parsed abi.ABI, contract Contract) *Binding {
	table := make(map[string]entry, 2*len(parsed.Methods))
	for key, m := range parsed.Methods {
		kind := KindGas
		if m.IsConstant() {
			kind = KindView
		}
		e := entry{key: key, method: m, kind: kind}
		table[key] = e
		// Overloads are also reachable through their full signature.
		table[m.Sig] = e
	}
	return &Binding{Address: address, ABI: parsed, contract: contract, table: table}
}

func (b *Binding) lookup(name string) (entry, bool) {
	if b == nil {
		return entry{}, false
	}
	e, ok := b.table[name]
	return e, ok
}

// Kind reports the dispatch kind of a callable member.
func (b *Binding) Kind(name string) (Kind, bool) {
	e, ok := b.lookup(name)
	return e.kind, ok
}

// Functions lists callable member names in sorted order.
func (b *Binding) Functions() []string {
	names := make([]string, 0, len(b.ABI.Methods))
	for key := range b.ABI.Methods {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}
