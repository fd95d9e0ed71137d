package account

// SelectOptions carries per-call selection inputs.
type SelectOptions struct {
	// CurrentIndex is the sticky cursor into the account slice.
	CurrentIndex int
	// MaxWaitMs bounds how long a strategy may ask the caller to wait for
	// the preferred account instead of failing over.
	MaxWaitMs int64
	// OnSave is invoked after the strategy mutates account state worth
	// persisting.
	OnSave func()
}

// SelectionResult is the outcome of a selection pass. Account is nil when
// nothing is usable; a positive WaitMs then tells the caller how long until
// the nearest account frees up.
type SelectionResult struct {
	Account *Account
	Index   int
	WaitMs  int64
}

// Strategy picks an account for a request.
type Strategy interface {
	Name() string
	SelectAccount(accounts []*Account, model string, opts SelectOptions) *SelectionResult
}
