// Package secrets resolves $secret markers to concrete strings through a
// registry of pluggable providers: process environment, AWS Secrets
// Manager, and HashiCorp Vault KV. ResolvePlan performs the plan-wide
// deep substitution before execution.
package secrets
