// Package codec encodes contract calls and decodes return data and logs against a
// contract's published interface. It is stateless.
package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"vaultrails/internal/chain"
)

var (
	errUnknownMethod = errors.New("method not in interface")
	errArgCount      = errors.New("argument count mismatch")
	errOutOfRange    = errors.New("value out of range")
	errBadAddress    = errors.New("malformed address")
	errNotInteger    = errors.New("not an integer")
)

// Encode packs the selector and arguments for method. Arguments are normalized to the
// Go types go-ethereum expects and range checked against the declared bit widths.
func Encode(ref chain.ContractRef, method string, args ...any) ([]byte, error) {
	m, ok := ref.ABI().Methods[method]
	if !ok {
		return nil, &chain.EncodingError{Method: method, Err: errUnknownMethod}
	}
	if len(args) != len(m.Inputs) {
		return nil, &chain.EncodingError{
			Method: method,
			Err:    fmt.Errorf("%w: want %d, got %d", errArgCount, len(m.Inputs), len(args)),
		}
	}
	normalized := make([]any, len(args))
	for i, input := range m.Inputs {
		v, err := normalize(input.Type, args[i])
		if err != nil {
			return nil, &chain.EncodingError{Method: method, Arg: argName(input, i), Err: err}
		}
		normalized[i] = v
	}
	data, err := ref.ABI().Pack(method, normalized...)
	if err != nil {
		return nil, &chain.EncodingError{Method: method, Err: err}
	}
	return data, nil
}

// Decode unpacks the return data of method.
func Decode(ref chain.ContractRef, method string, data []byte) ([]any, error) {
	if _, ok := ref.ABI().Methods[method]; !ok {
		return nil, &chain.EncodingError{Method: method, Err: errUnknownMethod}
	}
	out, err := ref.ABI().Unpack(method, data)
	if err != nil {
		return nil, &chain.EncodingError{Method: method, Err: fmt.Errorf("decode return: %w", err)}
	}
	return out, nil
}

// DecodeAmount decodes a method whose first return value is an unsigned integer.
func DecodeAmount(ref chain.ContractRef, method string, data []byte) (chain.Amount, error) {
	out, err := Decode(ref, method, data)
	if err != nil {
		return chain.Amount{}, err
	}
	if len(out) == 0 {
		return chain.Amount{}, &chain.EncodingError{Method: method, Err: errors.New("empty return")}
	}
	return toAmount(method, out[0], ref.Decimals)
}

// DecodeEvents decodes the logs ref emitted in receipt. Logs from other contracts and
// events missing from the interface are skipped.
func DecodeEvents(ref chain.ContractRef, receipt *chain.Receipt) ([]chain.Event, error) {
	var events []chain.Event
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != ref.Address || len(lg.Topics) == 0 {
			continue
		}
		ev, err := ref.ABI().EventByID(lg.Topics[0])
		if err != nil {
			continue
		}
		fields := make(map[string]any, len(ev.Inputs))
		if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
			return nil, &chain.EncodingError{Method: ev.Name, Err: fmt.Errorf("decode event data: %w", err)}
		}
		var indexed abi.Arguments
		for _, input := range ev.Inputs {
			if input.Indexed {
				indexed = append(indexed, input)
			}
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			return nil, &chain.EncodingError{Method: ev.Name, Err: fmt.Errorf("decode event topics: %w", err)}
		}
		events = append(events, chain.Event{
			Name:     ev.Name,
			Contract: lg.Address,
			Fields:   fields,
		})
	}
	return events, nil
}

// EventAmount reads an unsigned integer field from a decoded event.
func EventAmount(ev chain.Event, field string, decimals uint8) (chain.Amount, error) {
	v, ok := ev.Fields[field]
	if !ok {
		return chain.Amount{}, &chain.EncodingError{Method: ev.Name, Arg: field, Err: errors.New("field missing")}
	}
	return toAmount(ev.Name, v, decimals)
}

func toAmount(method string, v any, decimals uint8) (chain.Amount, error) {
	var b *big.Int
	switch x := v.(type) {
	case *big.Int:
		b = x
	case uint8:
		b = new(big.Int).SetUint64(uint64(x))
	case uint64:
		b = new(big.Int).SetUint64(x)
	default:
		return chain.Amount{}, &chain.EncodingError{Method: method, Err: fmt.Errorf("%w: %T", errNotInteger, v)}
	}
	amt, err := chain.AmountFromBig(b, decimals)
	if err != nil {
		return chain.Amount{}, &chain.EncodingError{Method: method, Err: err}
	}
	return amt, nil
}

func argName(input abi.Argument, i int) string {
	if input.Name != "" {
		return input.Name
	}
	return fmt.Sprintf("arg%d", i)
}

func normalize(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return toAddress(v)
	case abi.UintTy:
		b, err := toBig(v)
		if err != nil {
			return nil, err
		}
		if b.Sign() < 0 || b.BitLen() > t.Size {
			return nil, fmt.Errorf("%w for uint%d: %s", errOutOfRange, t.Size, b)
		}
		switch t.Size {
		case 8:
			return uint8(b.Uint64()), nil
		case 16:
			return uint16(b.Uint64()), nil
		case 32:
			return uint32(b.Uint64()), nil
		case 64:
			return b.Uint64(), nil
		}
		return b, nil
	case abi.IntTy:
		b, err := toBig(v)
		if err != nil {
			return nil, err
		}
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		minVal := new(big.Int).Neg(limit)
		if b.Cmp(minVal) < 0 || b.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("%w for int%d: %s", errOutOfRange, t.Size, b)
		}
		switch t.Size {
		case 8:
			return int8(b.Int64()), nil
		case 16:
			return int16(b.Int64()), nil
		case 32:
			return int32(b.Int64()), nil
		case 64:
			return b.Int64(), nil
		}
		return b, nil
	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		return b, nil
	default:
		return v, nil
	}
}

func toAddress(v any) (common.Address, error) {
	switch x := v.(type) {
	case common.Address:
		return x, nil
	case *common.Address:
		if x == nil {
			return common.Address{}, errBadAddress
		}
		return *x, nil
	case string:
		if !common.IsHexAddress(x) {
			return common.Address{}, fmt.Errorf("%w: %q", errBadAddress, x)
		}
		return common.HexToAddress(x), nil
	case []byte:
		if len(x) != common.AddressLength {
			return common.Address{}, fmt.Errorf("%w: %d bytes", errBadAddress, len(x))
		}
		return common.BytesToAddress(x), nil
	default:
		return common.Address{}, fmt.Errorf("%w: unsupported type %T", errBadAddress, v)
	}
}

func toBig(v any) (*big.Int, error) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, errNotInteger
		}
		return new(big.Int).Set(x), nil
	case chain.Amount:
		return x.Big(), nil
	case *uint256.Int:
		if x == nil {
			return nil, errNotInteger
		}
		return x.ToBig(), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint:
		return new(big.Int).SetUint64(uint64(x)), nil
	case int:
		return big.NewInt(int64(x)), nil
	case int64:
		return big.NewInt(x), nil
	case float64:
		return nil, fmt.Errorf("%w: floating point value %v", errNotInteger, x)
	default:
		return nil, fmt.Errorf("%w: %T", errNotInteger, v)
	}
}
