package store

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestFixed3String(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.000"},
		{1.234, "1.234"},
		{1.5, "1.500"},
		{-0.001, "-0.001"},
		{-12.3456, "-12.346"},
	}
	for _, tt := range tests {
		if got := Fixed3FromFloat(tt.in).String(); got != tt.want {
			t.Errorf("Fixed3FromFloat(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFixed3Scan(t *testing.T) {
	tests := []struct {
		src  any
		want Fixed3
	}{
		{1.234, 1234},
		{float32(0.5), 500},
		{int64(3), 3000},
		{[]byte("-2.125"), -2125},
		{"0.870", 870},
	}
	for _, tt := range tests {
		var f Fixed3
		if err := f.Scan(tt.src); err != nil {
			t.Errorf("Scan(%v): %v", tt.src, err)
			continue
		}
		if f != tt.want {
			t.Errorf("Scan(%v) = %d, want %d", tt.src, f, tt.want)
		}
	}

	var f Fixed3
	if err := f.Scan(true); err == nil {
		t.Error("Scan(bool) should fail")
	}
	if err := f.Scan("NaN"); err == nil {
		t.Error("Scan(NaN) should fail")
	}
}

func TestFixed3JSON(t *testing.T) {
	var v struct {
		A Fixed3  `json:"a"`
		B *Fixed3 `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": -1.2345, "b": "0.9"}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.A != -1235 && v.A != -1234 {
		t.Errorf("A = %d", v.A)
	}
	if v.B == nil || *v.B != 900 {
		t.Errorf("B = %v, want 900", v.B)
	}

	out, err := json.Marshal(struct {
		A Fixed3 `json:"a"`
	}{Fixed3(1500)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"a":1.500}` {
		t.Errorf("Marshal = %s", out)
	}
}

func TestParseFixed3Range(t *testing.T) {
	tests := []struct {
		in   string
		want Fixed3
		err  error
	}{
		{"999999999.999", MaxFixed3, nil},
		{"-999999999.999", -MaxFixed3, nil},
		{"1e9", 0, ErrFixed3Range},
		{"123456789012.5", 0, ErrFixed3Range},
		{"1e17", 0, ErrFixed3Range},
		{"-9.3e15", 0, ErrFixed3Range},
		{"1e300", 0, ErrFixed3Range},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFixed3(tt.in)
			if !errors.Is(err, tt.err) {
				t.Fatalf("ParseFixed3(%q) err = %v, want %v", tt.in, err, tt.err)
			}
			if got != tt.want {
				t.Errorf("ParseFixed3(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	var f Fixed3
	if err := json.Unmarshal([]byte("1e17"), &f); !errors.Is(err, ErrFixed3Range) {
		t.Errorf("UnmarshalJSON(1e17) err = %v, want ErrFixed3Range", err)
	}
}
