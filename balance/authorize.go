package balance

// Authorize reports whether balance covers charge. Equal values authorize.
func Authorize(balance, charge int64) bool {
	return balance >= charge
}
