package tftp

import (
	"strconv"
	"strings"
	"time"
)

// Option names recognised during negotiation (RFC 2347 and friends).
// Comparison is case-insensitive.
const (
	// OptBlockSize negotiates the DATA payload size (RFC 2348)
	OptBlockSize = "blksize"

	// OptTimeout negotiates the per-packet retransmission timer (RFC 2349)
	OptTimeout = "timeout"

	// OptTransferSize announces or requests the transfer size (RFC 2349)
	OptTransferSize = "tsize"
)

// Options holds the effective parameters of one transfer. The zero
// value is not useful; start from DefaultOptions.
type Options struct {
	// BlockSize is the negotiated DATA payload size.
	BlockSize int

	// Timeout is the per-packet retransmission timer.
	Timeout time.Duration

	// TransferSize is the announced transfer size, or -1 when unknown.
	TransferSize int64
}

// DefaultOptions returns the parameters of an unnegotiated transfer.
func DefaultOptions() Options {
	return Options{
		BlockSize:    DefaultBlockSize,
		Timeout:      DefaultPacketTimeout,
		TransferSize: -1,
	}
}

// Negotiate is the server half of RFC 2347: it walks client-proposed
// options in their sent order, applies every recognised in-range value
// to o, and returns the accepted list in the same order. Unknown names
// and out-of-range values are silently omitted, never errored. An empty
// result means no OACK is sent and the exchange runs on defaults.
func (o *Options) Negotiate(proposed []OptionPair) []OptionPair {
	var accepted []OptionPair
	for _, opt := range proposed {
		name := strings.ToLower(opt.Name)
		switch name {
		case OptBlockSize:
			v, err := strconv.Atoi(opt.Value)
			if err != nil || v < MinBlockSize || v > MaxBlockSize {
				continue
			}
			o.BlockSize = v
			accepted = append(accepted, OptionPair{name, strconv.Itoa(v)})
		case OptTimeout:
			v, err := strconv.Atoi(opt.Value)
			if err != nil || v < 1 || v > 255 {
				continue
			}
			o.Timeout = time.Duration(v) * time.Second
			accepted = append(accepted, OptionPair{name, strconv.Itoa(v)})
		case OptTransferSize:
			v, err := strconv.ParseInt(opt.Value, 10, 64)
			if err != nil || v < 0 {
				continue
			}
			o.TransferSize = v
			accepted = append(accepted, OptionPair{name, opt.Value})
		}
	}
	return accepted
}

// AcceptOACK is the client half of RFC 2347: it validates the server's
// accepted list against what the client proposed and applies it to o.
// Options proposed but absent from the OACK stay at their defaults. An
// option the client never proposed is an illegal operation; a value
// outside the option's grammar (or a blksize above the proposal) makes
// the OACK semantically inconsistent and yields an option-negotiation
// error.
func (o *Options) AcceptOACK(proposed, acked []OptionPair) *Error {
	byName := make(map[string]string, len(proposed))
	for _, opt := range proposed {
		byName[strings.ToLower(opt.Name)] = opt.Value
	}
	for _, opt := range acked {
		name := strings.ToLower(opt.Name)
		sent, ok := byName[name]
		if !ok {
			return NewError(ErrProtocol, CodeIllegalOperation,
				"OACK contains option '"+name+"' that was not requested")
		}
		switch name {
		case OptBlockSize:
			v, err := strconv.Atoi(opt.Value)
			if err != nil || v < MinBlockSize || v > MaxBlockSize {
				return NewError(ErrOption, CodeOptionNegotiation,
					"OACK blksize value '"+opt.Value+"' out of range")
			}
			// The server may shrink the proposal but never grow it.
			if sentV, err := strconv.Atoi(sent); err == nil && v > sentV {
				return NewError(ErrOption, CodeOptionNegotiation,
					"OACK blksize exceeds requested value")
			}
			o.BlockSize = v
		case OptTimeout:
			v, err := strconv.Atoi(opt.Value)
			if err != nil || v < 1 || v > 255 {
				return NewError(ErrOption, CodeOptionNegotiation,
					"OACK timeout value '"+opt.Value+"' out of range")
			}
			o.Timeout = time.Duration(v) * time.Second
		case OptTransferSize:
			v, err := strconv.ParseInt(opt.Value, 10, 64)
			if err != nil || v < 0 {
				return NewError(ErrOption, CodeOptionNegotiation,
					"OACK tsize value '"+opt.Value+"' is not a size")
			}
			o.TransferSize = v
		default:
			// Proposed by the caller but meaningless to the engine;
			// nothing to apply.
		}
	}
	return nil
}

// setOption replaces the value of name in opts, if present.
// Used by the server to answer a tsize=0 probe with the real size.
func setOption(opts []OptionPair, name, value string) {
	for i := range opts {
		if strings.EqualFold(opts[i].Name, name) {
			opts[i].Value = value
			return
		}
	}
}
