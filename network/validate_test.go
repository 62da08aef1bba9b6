package network

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"wgrouterd/wgerr"
)

func TestValidatePeerName(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ok", "router-1", false},
		{"empty", "   ", true},
		{"too long", string(make([]byte, maxNameLen+1)), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidatePeerName("name", c.input)
			if (err != nil) != c.wantErr {
				t.Fatalf("ValidatePeerName(%q) error = %v, wantErr %v", c.input, err, c.wantErr)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	subnet := netip.MustParsePrefix("10.10.0.0/24")
	self := uuid.New()
	other := uuid.New()
	n := New("test", subnet)
	n.Peers[other] = Peer{ID: other, Address: netip.MustParseAddr("10.10.0.5")}

	if err := ValidateAddress("a", netip.MustParseAddr("10.10.0.10"), subnet, n, self, true); err != nil {
		t.Fatalf("expected free address to validate, got %v", err)
	}
	if err := ValidateAddress("a", netip.MustParseAddr("10.10.0.5"), subnet, n, self, true); wgerr.KindOf(err) != wgerr.Invalid {
		t.Fatalf("expected Invalid for taken address, got %v", err)
	}
	if err := ValidateAddress("a", netip.MustParseAddr("10.20.0.5"), subnet, n, self, true); wgerr.KindOf(err) != wgerr.Invalid {
		t.Fatalf("expected Invalid for out-of-subnet address, got %v", err)
	}

	n.Reservations[netip.MustParseAddr("10.10.0.20")] = Reservation{
		Address: netip.MustParseAddr("10.10.0.20"), PeerID: other, ValidUntil: time.Now().Add(time.Minute),
	}
	if err := ValidateAddress("a", netip.MustParseAddr("10.10.0.20"), subnet, n, self, true); wgerr.KindOf(err) != wgerr.Conflict {
		t.Fatalf("expected Conflict for address reserved by another peer, got %v", err)
	}
}

func TestValidateCIDR(t *testing.T) {
	if _, err := ValidateCIDR("f", "10.0.0.0/24"); err != nil {
		t.Fatalf("expected network address to validate, got %v", err)
	}
	if _, err := ValidateCIDR("f", "10.0.0.1/24"); err == nil {
		t.Fatal("expected host address to be rejected")
	}
	if _, err := ValidateCIDR("f", "not-a-cidr"); err == nil {
		t.Fatal("expected parse failure to be rejected")
	}
}

func TestValidateMTU(t *testing.T) {
	if err := ValidateMTU("f", MTUConfig{Enabled: false, Value: 9000}); err != nil {
		t.Fatalf("disabled MTU should never fail: %v", err)
	}
	if err := ValidateMTU("f", MTUConfig{Enabled: true, Value: 1400}); err != nil {
		t.Fatalf("in-range MTU should pass: %v", err)
	}
	if err := ValidateMTU("f", MTUConfig{Enabled: true, Value: 9000}); err == nil {
		t.Fatal("expected out-of-range MTU to be rejected")
	}
}

func TestValidateKeepalive(t *testing.T) {
	if err := ValidateKeepalive("f", Keepalive{Enabled: true, Period: 25 * time.Second}); err != nil {
		t.Fatalf("25s keepalive should pass: %v", err)
	}
	if err := ValidateKeepalive("f", Keepalive{Enabled: true, Period: 0}); err == nil {
		t.Fatal("expected zero-second keepalive to be rejected")
	}
}
