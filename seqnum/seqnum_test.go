package seqnum

import "testing"

func TestInOpenRange(t *testing.T) {
	tests := []struct {
		name             string
		start, x, end    Value
		want             bool
	}{
		{"equal bounds always false", 100, 150, 100, false},
		{"no wrap, inside", 10, 20, 30, true},
		{"no wrap, at start excluded", 10, 10, 30, false},
		{"no wrap, at end excluded", 10, 30, 30, false},
		{"no wrap, outside", 10, 40, 30, false},
		{"wrap, above start", 0xfffffff0, 0xfffffff5, 10, true},
		{"wrap, below end", 0xfffffff0, 5, 10, true},
		{"wrap, at start excluded", 0xfffffff0, 0xfffffff0, 10, false},
		{"wrap, at end excluded", 0xfffffff0, 10, 10, false},
		{"wrap, outside arc", 0xfffffff0, 20, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InOpenRange(tt.start, tt.x, tt.end)
			if got != tt.want {
				t.Errorf("InOpenRange(%d,%d,%d) = %v, want %v", tt.start, tt.x, tt.end, got, tt.want)
			}
		})
	}
}

func TestIsDuplicate(t *testing.T) {
	tests := []struct {
		name          string
		una, ack, nxt Value
		want          bool
	}{
		{"una==nxt always duplicate", 100, 50, 100, true},
		{"no wrap, ack below una", 1000, 500, 2000, true},
		{"no wrap, ack at una boundary", 1000, 1000, 2000, false},
		{"no wrap, ack ahead", 1000, 1500, 2000, false},
		{"wrap, ack in acked region", 0xfffffff0, 0xffffff00, 0x00000100, true},
		{"wrap, ack not yet sent", 0xfffffff0, 0x00000100, 0x00000100, false},
		{"wrap, ack beyond nxt", 0xfffffff0, 0x00000200, 0x00000100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsDuplicate(tt.una, tt.ack, tt.nxt)
			if got != tt.want {
				t.Errorf("IsDuplicate(%d,%d,%d) = %v, want %v", tt.una, tt.ack, tt.nxt, got, tt.want)
			}
		})
	}
}

func TestValueLessThan(t *testing.T) {
	if !Value(10).LessThan(20) {
		t.Error("10 should be less than 20")
	}
	if Value(20).LessThan(10) {
		t.Error("20 should not be less than 10")
	}
	if Value(10).LessThan(10) {
		t.Error("10 should not be less than itself")
	}
	// wraparound: 0xfffffff0 is "before" 10 in the forward sense.
	if !Value(0xfffffff0).LessThan(10) {
		t.Error("0xfffffff0 should be less than 10 across the wrap")
	}
}

func TestValueInWindow(t *testing.T) {
	tests := []struct {
		name  string
		v     Value
		start Value
		size  Size
		want  bool
	}{
		{"zero window accepts only start", 100, 100, 0, true},
		{"zero window rejects else", 101, 100, 0, false},
		{"inside open window", 105, 100, 50, true},
		{"one before start is excluded", 99, 100, 50, false},
		{"at start+size is excluded", 150, 100, 50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.v.InWindow(tt.start, tt.size)
			if got != tt.want {
				t.Errorf("%d.InWindow(%d,%d) = %v, want %v", tt.v, tt.start, tt.size, got, tt.want)
			}
		})
	}
}

func TestAddSubSizeof(t *testing.T) {
	v := Add(0xfffffffe, 4)
	if v != 2 {
		t.Errorf("Add wraparound: got %d, want 2", v)
	}
	if Sub(2, 4) != 0xfffffffe {
		t.Errorf("Sub wraparound: got %d, want 0xfffffffe", Sub(2, 4))
	}
	if Sizeof(10, 20) != 10 {
		t.Errorf("Sizeof(10,20) = %d, want 10", Sizeof(10, 20))
	}
	if Sizeof(0xfffffffe, 2) != 4 {
		t.Errorf("Sizeof wraparound: got %d, want 4", Sizeof(0xfffffffe, 2))
	}
}
