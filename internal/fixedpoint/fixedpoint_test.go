package fixedpoint

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestQuantizeMoney_BankersRounding(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"616.438356", "616.44"},
		{"2.125", "2.12"}, // half to even, down
		{"2.135", "2.14"}, // half to even, up
		{"2.145", "2.14"}, // half to even, down
		{"-2.125", "-2.12"},
		{"25", "25"},
	}
	for _, c := range cases {
		got := QuantizeMoney(dec(c.in))
		assert.True(t, got.Equal(dec(c.want)), "QuantizeMoney(%s) = %s, want %s", c.in, got, c.want)
	}
}

func TestQuantizeRate(t *testing.T) {
	assert.True(t, QuantizeRate(dec("0.082191780")).Equal(dec("0.0822")))
	assert.True(t, QuantizeRate(dec("0.00005")).Equal(dec("0.0000")))
	assert.True(t, QuantizeRate(dec("0.00015")).Equal(dec("0.0002")))
}

func TestAnnualizeToPeriod(t *testing.T) {
	// 0.075 annual over 30 days: 0.075 * 30 / 365
	got := AnnualizeToPeriod(dec("0.075"), 30)
	want := dec("0.075").Mul(dec("30")).Div(dec("365"))
	assert.True(t, got.Equal(want))

	// 365 days round-trips the annual rate exactly
	assert.True(t, AnnualizeToPeriod(dec("0.89"), 365).Equal(dec("0.89")))
}

func TestTimeFactor_NotRounded(t *testing.T) {
	tf := TimeFactor(30)
	// full precision, not the 4dp quantized value
	assert.False(t, tf.Equal(dec("0.0822")))
	assert.True(t, QuantizeRate(tf).Equal(dec("0.0822")))
}

func TestClamp(t *testing.T) {
	lo, hi := dec("0"), dec("0.10")
	assert.True(t, Clamp(dec("0.085"), lo, hi).Equal(dec("0.085")))
	assert.True(t, Clamp(dec("0.15"), lo, hi).Equal(hi))
	assert.True(t, Clamp(dec("-0.01"), lo, hi).Equal(lo))
}
