package safe

import (
	"errors"
	"math"
	"testing"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

func TestMath(t *testing.T) {
	tests := []struct {
		name    string
		op      func(a, b uint64) (uint64, error)
		a, b    uint64
		want    uint64
		wantErr bool
	}{
		{"add", Add, 10, 20, 30, false},
		{"add boundary", Add, math.MaxUint64 - 1, 1, math.MaxUint64, false},
		{"add overflow", Add, math.MaxUint64, 1, 0, true},
		{"sub", Sub, 30, 10, 20, false},
		{"sub to zero", Sub, 7, 7, 0, false},
		{"sub underflow", Sub, 1, 2, 0, true},
		{"mul", Mul, 10, 100_000, 1_000_000, false},
		{"mul zero", Mul, 0, math.MaxUint64, 0, false},
		{"mul overflow", Mul, math.MaxUint64/100_000 + 1, 100_000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op(tt.a, tt.b)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrArithmeticOverflow) {
					t.Fatalf("err=%v, want ErrArithmeticOverflow", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
