// Package cost computes segment counts and prices for outbound messages.
package cost

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

const (
	SingleSegmentLimit = 160
	MultiSegmentSize   = 153
)

type Estimate struct {
	Characters int             `json:"characters"`
	Segments   int             `json:"segments"`
	Cost       decimal.Decimal `json:"cost"`
}

// Characters counts user-perceived characters. The text is NFC-composed first
// so a decomposed "é" counts once, same as its precomposed form.
func Characters(message string) int {
	return utf8.RuneCountInString(norm.NFC.String(message))
}

func Segments(characters int) int {
	if characters <= SingleSegmentLimit {
		return 1
	}
	return (characters + MultiSegmentSize - 1) / MultiSegmentSize
}

func Calculate(message string, perSegment decimal.Decimal) Estimate {
	chars := Characters(message)
	segs := Segments(chars)
	return Estimate{
		Characters: chars,
		Segments:   segs,
		Cost:       perSegment.Mul(decimal.NewFromInt(int64(segs))),
	}
}
