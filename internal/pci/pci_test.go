package pci

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Address
	}{
		{
			name:  "full BDF",
			input: "0000:18:10.1",
			want:  Address{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1},
		},
		{
			name:  "full BDF nonzero domain",
			input: "0001:65:00.0",
			want:  Address{Domain: 1, Bus: 0x65, Slot: 0, Function: 0},
		},
		{
			name:  "short BDF",
			input: "18:10.1",
			want:  Address{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1},
		},
		{
			name:  "uppercase hex",
			input: "0000:5E:00.0",
			want:  Address{Domain: 0, Bus: 0x5e, Slot: 0, Function: 0},
		},
		{
			name:  "node device name",
			input: "pci_0000_65_00_0",
			want:  Address{Domain: 0, Bus: 0x65, Slot: 0, Function: 0},
		},
		{
			name:  "node device name without prefix",
			input: "0000_b9_00_0",
			want:  Address{Domain: 0, Bus: 0xb9, Slot: 0, Function: 0},
		},
		{
			name:  "0x prefixed components",
			input: "0x0000:0x18:0x10.0x1",
			want:  Address{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1},
		},
		{
			name:  "ARI function above 7",
			input: "0000:5e:0a.19",
			want:  Address{Domain: 0, Bus: 0x5e, Slot: 0x0a, Function: 0x19},
		},
		{
			name:  "surrounding whitespace",
			input: "  0000:18:10.1\n",
			want:  Address{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	inputs := []string{
		"",
		"not-a-pci-address",
		"0000:18:10",
		"zz:10.1",
		"0000:18:10.1 extra",
	}

	for _, input := range inputs {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", input)
		}
	}
}

func TestEqualityAcrossFormats(t *testing.T) {
	// The same device written three ways must compare equal as a value.
	full, err := Parse("0000:18:10.1")
	if err != nil {
		t.Fatalf("parse full: %v", err)
	}
	short, err := Parse("18:10.1")
	if err != nil {
		t.Fatalf("parse short: %v", err)
	}
	node, err := Parse("pci_0000_18_10_1")
	if err != nil {
		t.Fatalf("parse node: %v", err)
	}

	if full != short {
		t.Errorf("full %+v != short %+v", full, short)
	}
	if full != node {
		t.Errorf("full %+v != node %+v", full, node)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		addr Address
		want string
	}{
		{Address{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1}, "0000:18:10.1"},
		{Address{Domain: 0, Bus: 0xb9, Slot: 0, Function: 0}, "0000:b9:00.0"},
		{Address{Domain: 1, Bus: 2, Slot: 3, Function: 7}, "0001:02:03.7"},
		{Address{Domain: 0, Bus: 0x5e, Slot: 0x0a, Function: 0x19}, "0000:5e:0a.19"},
	}

	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	addrs := []Address{
		{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1},
		{Domain: 0xffff, Bus: 0xff, Slot: 0x1f, Function: 7},
		{Domain: 0, Bus: 0x5e, Slot: 0x0a, Function: 0x19},
		{},
	}

	for _, addr := range addrs {
		parsed, err := Parse(addr.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", addr.String(), err)
		}
		if parsed != addr {
			t.Errorf("round trip %+v -> %q -> %+v", addr, addr.String(), parsed)
		}
	}
}

func TestShortBDF(t *testing.T) {
	addr := Address{Domain: 0, Bus: 0x18, Slot: 0x10, Function: 1}
	if got := addr.ShortBDF(); got != "18:10.1" {
		t.Errorf("ShortBDF() = %q, want %q", got, "18:10.1")
	}
}

func TestNodeDeviceName(t *testing.T) {
	addr := Address{Domain: 0, Bus: 0x65, Slot: 0, Function: 0}
	if got := addr.NodeDeviceName(); got != "pci_0000_65_00_0" {
		t.Errorf("NodeDeviceName() = %q, want %q", got, "pci_0000_65_00_0")
	}
}

func TestSysfsEscaped(t *testing.T) {
	addr := Address{Domain: 0, Bus: 0xb9, Slot: 0, Function: 0}
	if got := addr.SysfsEscaped(); got != `0000\:b9\:00.0` {
		t.Errorf("SysfsEscaped() = %q, want %q", got, `0000\:b9\:00.0`)
	}
}
