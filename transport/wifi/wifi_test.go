package wifi

import "testing"

func TestUSNRoundTrip(t *testing.T) {
	usn := usnFor("peer-a", 7)
	peerID, generation, ok := parseUSN(usn)
	if !ok {
		t.Fatalf("parseUSN(%q) failed to parse", usn)
	}
	if peerID != "peer-a" || generation != 7 {
		t.Fatalf("got (%q, %d), want (peer-a, 7)", peerID, generation)
	}
}

func TestParseUSNRejectsMissingGeneration(t *testing.T) {
	if _, _, ok := parseUSN("no-colon-here"); ok {
		t.Fatal("expected parseUSN to reject a USN with no generation suffix")
	}
}

func TestParseUSNAllowsColonsInPeerID(t *testing.T) {
	peerID, generation, ok := parseUSN("peer:with:colons:42")
	if !ok {
		t.Fatal("parseUSN rejected a peer id containing colons")
	}
	if peerID != "peer:with:colons" || generation != 42 {
		t.Fatalf("got (%q, %d), want (peer:with:colons, 42)", peerID, generation)
	}
}

func TestSplitLocation(t *testing.T) {
	host, port, ok := splitLocation("http://192.168.1.5:8080/")
	if !ok {
		t.Fatal("splitLocation failed to parse a well-formed URL")
	}
	if host != "192.168.1.5" || port != 8080 {
		t.Fatalf("got (%q, %d), want (192.168.1.5, 8080)", host, port)
	}
}

func TestSplitLocationRejectsMalformed(t *testing.T) {
	if _, _, ok := splitLocation("not-a-url"); ok {
		t.Fatal("expected splitLocation to reject a location with no port")
	}
}
