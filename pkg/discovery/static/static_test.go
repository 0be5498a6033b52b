package static

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want []uint64
	}{
		{"", nil},
		{"2", []uint64{2}},
		{" 2 , 3 ", []uint64{2, 3}},
		{",,2, ,3,", []uint64{2, 3}},
	}
	for _, c := range cases {
		src, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		got, _ := src.Peers()
		if len(got) == 0 && len(c.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Parse(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := Parse("2,x"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestNew_ReturnsCopy(t *testing.T) {
	src := New(2, 3)
	got, _ := src.Peers()
	got[0] = 9
	again, _ := src.Peers()
	if again[0] != 2 {
		t.Fatalf("source mutated through returned slice: %v", again)
	}
}
