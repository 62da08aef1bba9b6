package network

import "testing"

func TestDigestDeterministicAndSensitive(t *testing.T) {
	n1, _, _ := twoPeerNetwork(t)
	n2, _, _ := twoPeerNetwork(t)

	if n1.Digest() != n2.Digest() {
		t.Fatal("identical networks built independently must produce identical digests")
	}

	n2.Name = "away"
	if n1.Digest() == n2.Digest() {
		t.Fatal("changing a field must change the digest")
	}
}

func TestDigestStableAcrossRepeatedCalls(t *testing.T) {
	n, _, _ := twoPeerNetwork(t)
	first := n.Digest()
	for i := 0; i < 5; i++ {
		if got := n.Digest(); got != first {
			t.Fatalf("digest changed across repeated calls on an unmutated network: %s vs %s", got, first)
		}
	}
}
