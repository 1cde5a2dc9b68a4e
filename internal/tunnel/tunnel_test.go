package tunnel

import "testing"

func TestDescriptor_Equality(t *testing.T) {
	d1 := Descriptor{Direction: DirectionForward, LocalPort: 80, RemotePort: 90, Family: FamilyIPv4}
	d2 := Descriptor{Direction: DirectionForward, LocalPort: 80, RemotePort: 90, Family: FamilyIPv4}
	if d1 != d2 {
		t.Error("descriptors with equal fields must compare equal")
	}

	variants := []Descriptor{
		{Direction: DirectionReverse, LocalPort: 80, RemotePort: 90, Family: FamilyIPv4},
		{Direction: DirectionForward, LocalPort: 81, RemotePort: 90, Family: FamilyIPv4},
		{Direction: DirectionForward, LocalPort: 80, RemotePort: 91, Family: FamilyIPv4},
		{Direction: DirectionForward, LocalPort: 80, RemotePort: 90, Family: FamilyIPv6},
	}
	for _, v := range variants {
		if d1 == v {
			t.Errorf("descriptor %v should differ from %v", v, d1)
		}
	}
}

func TestDescriptor_String(t *testing.T) {
	d := Descriptor{Direction: DirectionForward, LocalPort: 8080, RemotePort: 9090, Family: FamilyIPv6}
	if got := d.String(); got != "forward 8080->9090/ipv6" {
		t.Errorf("unexpected string form: %q", got)
	}
}

func TestFamily_Addresses(t *testing.T) {
	if got := FamilyIPv4.network(); got != "tcp4" {
		t.Errorf("expected tcp4, got %q", got)
	}
	if got := FamilyIPv6.network(); got != "tcp6" {
		t.Errorf("expected tcp6, got %q", got)
	}
	if got := FamilyIPv4.wildcardAddr(80); got != "0.0.0.0:80" {
		t.Errorf("unexpected ipv4 wildcard: %q", got)
	}
	if got := FamilyIPv6.wildcardAddr(80); got != "[::]:80" {
		t.Errorf("unexpected ipv6 wildcard: %q", got)
	}
	if got := FamilyIPv4.loopbackAddr(80); got != "127.0.0.1:80" {
		t.Errorf("unexpected ipv4 loopback: %q", got)
	}
	if got := FamilyIPv6.loopbackAddr(80); got != "[::1]:80" {
		t.Errorf("unexpected ipv6 loopback: %q", got)
	}
}

func TestRemoteBindError_Error(t *testing.T) {
	err := &RemoteBindError{Code: "EADDRINUSE", Message: "listen EADDRINUSE :::8080"}
	want := "remote bind failed: listen EADDRINUSE :::8080 (EADDRINUSE)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	bare := &RemoteBindError{Message: "boom"}
	if bare.Error() != "remote bind failed: boom" {
		t.Errorf("unexpected bare message: %q", bare.Error())
	}
}
