package invoke

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HumanAmount lets callers express integers as token amounts, e.g.
// {"amount": "12.5", "decimals": 6}.
type HumanAmount struct {
	Amount   json.Number `json:"amount"`
	Decimals int         `json:"decimals"`
}

func invalidParam(method abi.Method, name string, format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("%s: parameter %s: %s", method.Name, name, fmt.Sprintf(format, args...)))
}

// coerceArgs converts JSON parameters into the Go values go-ethereum packs
// for method. Parameters may be a positional array, an object keyed by input
// name, or a single scalar for one-input methods.
func coerceArgs(method abi.Method, raw json.RawMessage) ([]any, error) {
	raw = bytes.TrimSpace(raw)
	inputs := method.Inputs
	if len(raw) == 0 || string(raw) == "null" {
		if len(inputs) == 0 {
			return nil, nil
		}
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s expects %d parameters", method.Name, len(inputs)))
	}

	var values []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parameters must be a JSON array or object")
		}
		if len(values) != len(inputs) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("%s expects %d parameters, got %d", method.Name, len(inputs), len(values)))
		}
	case '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(raw, &named); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parameters must be a JSON array or object")
		}
		if len(inputs) == 1 && isHumanAmount(named) {
			values = []json.RawMessage{raw}
			break
		}
		values = make([]json.RawMessage, len(inputs))
		for i, in := range inputs {
			v, ok := named[in.Name]
			if !ok {
				return nil, invalidParam(method, displayName(in, i), "missing")
			}
			values[i] = v
		}
	default:
		if len(inputs) != 1 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("%s expects %d parameters", method.Name, len(inputs)))
		}
		values = []json.RawMessage{raw}
	}

	args := make([]any, len(inputs))
	for i, in := range inputs {
		v, err := coerceValue(in.Type, values[i])
		if err != nil {
			return nil, invalidParam(method, displayName(in, i), "%v", err)
		}
		args[i] = v
	}
	return args, nil
}

func displayName(arg abi.Argument, i int) string {
	if arg.Name != "" {
		return arg.Name
	}
	return fmt.Sprintf("#%d", i)
}

func isHumanAmount(obj map[string]json.RawMessage) bool {
	_, a := obj["amount"]
	_, d := obj["decimals"]
	return a && d && len(obj) == 2
}

func coerceValue(t abi.Type, raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	switch t.T {
	case abi.AddressTy:
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("%q is not a hex address", s)
		}
		return common.HexToAddress(s), nil

	case abi.BoolTy:
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b, nil
		}
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a bool", s)

	case abi.StringTy:
		return asString(raw)

	case abi.IntTy, abi.UintTy:
		n, err := asBigInt(raw)
		if err != nil {
			return nil, err
		}
		return fitInteger(t, n)

	case abi.BytesTy:
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("bytes must be 0x-prefixed hex: %w", err)
		}
		return b, nil

	case abi.FixedBytesTy:
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("bytes%d must be 0x-prefixed hex: %w", t.Size, err)
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("bytes%d needs %d bytes, got %d", t.Size, t.Size, len(b))
		}
		out := reflect.New(t.GetType()).Elem()
		reflect.Copy(out, reflect.ValueOf(b))
		return out.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("expected a JSON array: %w", err)
		}
		var out reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return nil, fmt.Errorf("expected %d elements, got %d", t.Size, len(items))
			}
			out = reflect.New(t.GetType()).Elem()
		} else {
			out = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, item := range items {
			v, err := coerceValue(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(v))
		}
		return out.Interface(), nil

	case abi.TupleTy:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("expected a JSON object for tuple: %w", err)
		}
		out := reflect.New(t.GetType()).Elem()
		for i, name := range t.TupleRawNames {
			fv, ok := fields[name]
			if !ok {
				return nil, fmt.Errorf("tuple field %s missing", name)
			}
			v, err := coerceValue(*t.TupleElems[i], fv)
			if err != nil {
				return nil, fmt.Errorf("tuple field %s: %w", name, err)
			}
			out.Field(i).Set(reflect.ValueOf(v))
		}
		return out.Interface(), nil
	}
	return nil, fmt.Errorf("unsupported abi type %s", t.String())
}

func asString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected a string, got %s", string(raw))
	}
	return strings.TrimSpace(s), nil
}

// asBigInt accepts JSON integers, decimal or 0x strings, and HumanAmount
// objects. Fractions are only valid inside a HumanAmount.
func asBigInt(raw json.RawMessage) (*big.Int, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '{':
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		dec.DisallowUnknownFields()
		var h HumanAmount
		if err := dec.Decode(&h); err != nil {
			return nil, fmt.Errorf("expected {amount, decimals}: %w", err)
		}
		return web3.ParseUnits(h.Amount.String(), h.Decimals)
	case '"':
		s, err := asString(raw)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, err := hexutil.DecodeBig(s)
			if err != nil {
				return nil, fmt.Errorf("invalid hex integer %q", s)
			}
			return n, nil
		}
		return parseInteger(s)
	default:
		return parseInteger(string(raw))
	}
}

func parseInteger(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", s)
	}
	return n, nil
}

// fitInteger range-checks n against t and converts it to the Go type the
// abi packer expects for that width.
func fitInteger(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return nil, fmt.Errorf("uint%d cannot be negative", t.Size)
		}
		if n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s overflows uint%d", n, t.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		minimum := new(big.Int).Neg(limit)
		if n.Cmp(minimum) < 0 || n.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("%s overflows int%d", n, t.Size)
		}
	}

	goType := t.GetType()
	switch goType.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return reflect.ValueOf(n.Int64()).Convert(goType).Interface(), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return reflect.ValueOf(n.Uint64()).Convert(goType).Interface(), nil
	}
	return new(big.Int).Set(n), nil
}

// ParseValue converts a human ETH amount for payable calls.
func ParseValue(human string) (*big.Int, error) {
	if strings.TrimSpace(human) == "" {
		return nil, nil
	}
	v, err := web3.ParseUnits(human, web3.EtherDecimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid value")
	}
	if v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "value cannot be negative")
	}
	return v, nil
}

// normalizeOutputs renders decoded outputs as JSON friendly values.
func normalizeOutputs(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = normalizeOutput(v)
	}
	return out
}

func normalizeOutput(v any) any {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case nil, bool, string:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = normalizeOutput(rv.Index(i).Interface())
		}
		return items
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%d", rv.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%d", rv.Uint())
	case reflect.Struct:
		fields := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			fields[rv.Type().Field(i).Name] = normalizeOutput(rv.Field(i).Interface())
		}
		return fields
	}
	return fmt.Sprint(v)
}
