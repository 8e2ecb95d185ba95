package tftp

import (
	"reflect"
	"testing"
	"time"
)

func TestNegotiateAcceptsInOrder(t *testing.T) {
	o := DefaultOptions()
	accepted := o.Negotiate([]OptionPair{
		{"TIMEOUT", "5"},
		{"windowsize", "4"}, // unrecognised, silently omitted
		{"blksize", "1024"},
		{"tsize", "0"},
	})

	want := []OptionPair{
		{"timeout", "5"},
		{"blksize", "1024"},
		{"tsize", "0"},
	}
	if !reflect.DeepEqual(accepted, want) {
		t.Errorf("accepted = %v; want %v", accepted, want)
	}
	if o.BlockSize != 1024 {
		t.Errorf("BlockSize = %d; want 1024", o.BlockSize)
	}
	if o.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v; want 5s", o.Timeout)
	}
	if o.TransferSize != 0 {
		t.Errorf("TransferSize = %d; want 0", o.TransferSize)
	}
}

func TestNegotiateRejectsOutOfRange(t *testing.T) {
	o := DefaultOptions()
	accepted := o.Negotiate([]OptionPair{
		{"blksize", "4"},     // below 8
		{"blksize2", "7"},    // unknown name
		{"timeout", "0"},     // below 1
		{"timeout", "256"},   // above 255
		{"tsize", "-1"},      // negative
		{"blksize", "65465"}, // above 65464
		{"blksize", "many"},  // not a number
	})
	if len(accepted) != 0 {
		t.Errorf("accepted = %v; want none", accepted)
	}
	if !reflect.DeepEqual(o, DefaultOptions()) {
		t.Errorf("options changed: %+v", o)
	}
}

func TestAcceptOACKApplies(t *testing.T) {
	o := DefaultOptions()
	proposed := []OptionPair{{"blksize", "4096"}, {"timeout", "2"}, {"tsize", "0"}}
	err := o.AcceptOACK(proposed, []OptionPair{
		{"blksize", "1024"}, // server may shrink
		{"tsize", "34567"},
	})
	if err != nil {
		t.Fatalf("AcceptOACK: %v", err)
	}
	if o.BlockSize != 1024 {
		t.Errorf("BlockSize = %d; want 1024", o.BlockSize)
	}
	// timeout was not acknowledged: stays at the default.
	if o.Timeout != DefaultPacketTimeout {
		t.Errorf("Timeout = %v; want default %v", o.Timeout, DefaultPacketTimeout)
	}
	if o.TransferSize != 34567 {
		t.Errorf("TransferSize = %d; want 34567", o.TransferSize)
	}
}

func TestAcceptOACKUnrequestedOption(t *testing.T) {
	o := DefaultOptions()
	err := o.AcceptOACK(
		[]OptionPair{{"blksize", "1024"}},
		[]OptionPair{{"timeout", "5"}},
	)
	if err == nil {
		t.Fatal("want error for unrequested option")
	}
	if err.Kind != ErrProtocol || err.Code != CodeIllegalOperation {
		t.Errorf("got kind %v code %d; want protocol error, code 4", err.Kind, err.Code)
	}
}

func TestAcceptOACKBadValue(t *testing.T) {
	o := DefaultOptions()
	err := o.AcceptOACK(
		[]OptionPair{{"blksize", "1024"}},
		[]OptionPair{{"blksize", "bogus"}},
	)
	if err == nil {
		t.Fatal("want error for bad value")
	}
	if err.Kind != ErrOption || err.Code != CodeOptionNegotiation {
		t.Errorf("got kind %v code %d; want option error, code 8", err.Kind, err.Code)
	}
}

func TestAcceptOACKGrownBlksize(t *testing.T) {
	o := DefaultOptions()
	err := o.AcceptOACK(
		[]OptionPair{{"blksize", "512"}},
		[]OptionPair{{"blksize", "1024"}},
	)
	if err == nil {
		t.Fatal("want error for blksize above the proposal")
	}
	if err.Code != CodeOptionNegotiation {
		t.Errorf("code = %d; want 8", err.Code)
	}
}
