package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakTokenScoreThreshold = 3

// IsWeakToken returns whether the admin token is considered weak.
// An empty token disables auth and is not reported as weak.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, []string{"dcmproxy", "dicom", "pacs"}).Score < weakTokenScoreThreshold
}
