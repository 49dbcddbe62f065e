// Package identity mints the short device identities the host hands out to
// peers that have never registered before.
//
// Identities are odometer values over a 62-symbol alphabet with the least
// significant symbol first: "" -> "A" -> "B" ... "9" -> "AA" -> "BA" ... "99" -> "AAA".
package identity

import "strings"

// Alphabet is the ordered symbol set identities are built from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// HostDeviceID is the identity the host assigns to itself. It is also the
// seed of the host's persisted high-water mark, so the first minted client
// identity is Next(HostDeviceID).
const HostDeviceID = "A"

const base = len(Alphabet)

// Next returns the identity following prev. A symbol outside the alphabet
// counts as one past the last symbol, so it carries and is rewritten as the
// first symbol: Next("A!") is "BAA". The result is always Valid.
func Next(prev string) string {
	if prev == "" {
		return Alphabet[:1]
	}
	out := make([]byte, len(prev), len(prev)+1)
	carry := 1
	for i := 0; i < len(prev); i++ {
		v := strings.IndexByte(Alphabet, prev[i])
		if v < 0 {
			v = base
		}
		v += carry
		out[i] = Alphabet[v%base]
		carry = v / base
	}
	if carry > 0 {
		out = append(out, Alphabet[carry-1])
	}
	return string(out)
}

// Valid reports whether id is a non-empty string over Alphabet.
func Valid(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(Alphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}
