// Package util provides small helpers shared across DineFlow components.
package util

import (
	"math/rand/v2"
)

// OrderCodeLength is the number of characters in an order code.
const OrderCodeLength = 6

// orderCodeChars omits 0/O and 1/I so codes survive being read aloud.
const orderCodeChars = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// GenerateOrderCode returns a short code customers and bar staff quote to
// each other. Codes may repeat; the order id is the unique key.
func GenerateOrderCode() string {
	b := make([]byte, OrderCodeLength)
	for i := range b {
		b[i] = orderCodeChars[rand.IntN(len(orderCodeChars))]
	}
	return string(b)
}
