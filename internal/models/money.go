package models

import (
	"strconv"
	"strings"
)

// zeroDecimal lists currencies without a minor unit in circulation.
var zeroDecimal = map[string]bool{
	"RWF": true,
	"UGX": true,
	"BIF": true,
	"KRW": true,
	"JPY": true,
	"XAF": true,
	"XOF": true,
}

// CurrencyExponent returns the number of minor-unit digits of currency.
func CurrencyExponent(currency string) int {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// MajorUnitsCeil converts minor units to whole major units, rounding up.
func MajorUnitsCeil(minor int64, currency string) int64 {
	div := int64(1)
	for i := 0; i < CurrencyExponent(currency); i++ {
		div *= 10
	}
	if minor <= 0 {
		return 0
	}
	return (minor + div - 1) / div
}

// FormatMoney renders an amount such as "1,500 RWF" or "7.50 USD".
func FormatMoney(minor int64, currency string) string {
	exp := CurrencyExponent(currency)
	neg := minor < 0
	if neg {
		minor = -minor
	}
	div := int64(1)
	for i := 0; i < exp; i++ {
		div *= 10
	}
	s := groupThousands(minor / div)
	if exp > 0 {
		frac := strconv.FormatInt(minor%div, 10)
		s += "." + strings.Repeat("0", exp-len(frac)) + frac
	}
	if neg {
		s = "-" + s
	}
	if currency == "" {
		return s
	}
	return s + " " + strings.ToUpper(currency)
}

func groupThousands(n int64) string {
	digits := strconv.FormatInt(n, 10)
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
