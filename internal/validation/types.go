package validation

// Share is one mining.submit as seen by the validator
type Share struct {
	JobID       string
	Time        string
	Nonce       string
	Solution    string
	ExtraNonce1 string
}
