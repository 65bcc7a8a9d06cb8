package broker

import (
	"github.com/shopspring/decimal"
)

// SnapDown rounds v down to the nearest multiple of step. A zero or negative
// step returns v unchanged. Snapping an already snapped value is a no-op.
func SnapDown(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	dv := decimal.NewFromFloat(v)
	ds := decimal.NewFromFloat(step)
	q := dv.Div(ds).Floor()
	out, _ := q.Mul(ds).Float64()
	return out
}

// SnapNearest rounds v to the nearest multiple of step, ties away from zero.
func SnapNearest(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	dv := decimal.NewFromFloat(v)
	ds := decimal.NewFromFloat(step)
	q := dv.Div(ds).Round(0)
	out, _ := q.Mul(ds).Float64()
	return out
}

// FormatQty renders qty with exactly the precision implied by step, the way
// exchange REST endpoints expect it.
func FormatQty(qty, step float64) string {
	places := stepPlaces(step)
	return decimal.NewFromFloat(qty).Truncate(places).String()
}

// FormatPrice renders price with the precision implied by tick.
func FormatPrice(price, tick float64) string {
	places := stepPlaces(tick)
	return decimal.NewFromFloat(price).Round(places).String()
}

func stepPlaces(step float64) int32 {
	if step <= 0 {
		return 8
	}
	return -decimal.NewFromFloat(step).Exponent()
}
