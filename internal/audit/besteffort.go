package audit

import "log"

// BestEffort runs a non-critical side effect and swallows its failure. The
// primary operation that triggered it is reported successful either way;
// snapshot and log writes all go through here so the policy stays uniform.
func BestEffort(label string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("audit: best-effort %s failed: %v", label, err)
	}
}
