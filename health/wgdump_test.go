package health

import (
	"testing"
)

const dumpFixture = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=\tprivkey-redacted\t51820\toff\n" +
	"YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI=\t(none)\t10.10.0.2:51820\t10.10.0.2/32\t1700000000\t1024\t2048\t25\n" +
	"Y2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2M=\t(none)\t(none)\t10.10.0.3/32\t0\t0\t0\t0\n"

func TestParseWGDumpSkipsInterfaceRow(t *testing.T) {
	out := ParseWGDump(dumpFixture)
	if len(out) != 2 {
		t.Fatalf("got %d peers, want 2 (interface row skipped)", len(out))
	}
}

func TestParseWGDumpParsesHandshakeAndCounters(t *testing.T) {
	out := ParseWGDump(dumpFixture)
	line, ok := out["YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI="]
	if !ok {
		t.Fatal("expected peer b in parsed dump")
	}
	if line.Endpoint != "10.10.0.2:51820" {
		t.Fatalf("Endpoint = %q, want 10.10.0.2:51820", line.Endpoint)
	}
	if line.LatestHandshake.IsZero() {
		t.Fatal("expected a nonzero handshake time")
	}
	if line.RxBytes != 1024 || line.TxBytes != 2048 {
		t.Fatalf("RxBytes/TxBytes = %d/%d, want 1024/2048", line.RxBytes, line.TxBytes)
	}
}

func TestParseWGDumpZeroHandshakeStaysZero(t *testing.T) {
	out := ParseWGDump(dumpFixture)
	line, ok := out["Y2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2M="]
	if !ok {
		t.Fatal("expected peer c in parsed dump")
	}
	if !line.LatestHandshake.IsZero() {
		t.Fatal("expected zero handshake time for a peer that has never connected")
	}
}

func TestParseWGDumpSkipsMalformedLines(t *testing.T) {
	out := ParseWGDump("not-base64-and-too-short\n")
	if len(out) != 0 {
		t.Fatalf("expected no entries from a malformed line, got %d", len(out))
	}
}
