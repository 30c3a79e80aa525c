package secrets

import "regexp"

// rule is a built-in pattern checked in addition to the gitleaks defaults.
type rule struct {
	id      string
	pattern *regexp.Regexp
	// group selects the submatch holding the secret; 0 is the whole match.
	group int
}

var builtinRules = []rule{
	{
		id:      "generic-api-key",
		pattern: regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|access[_-]?token)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,64})['"]?`),
		group:   1,
	},
	{
		id:      "generic-secret",
		pattern: regexp.MustCompile(`(?i)(?:secret|password|passwd)\s*[:=]\s*['"]([^\s'"]{8,})['"]`),
		group:   1,
	},
	{
		id:      "openai-api-key",
		pattern: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_\-]{20,}`),
	},
	{
		id:      "aws-access-key-id",
		pattern: regexp.MustCompile(`(?:A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`),
	},
	{
		id:      "github-token",
		pattern: regexp.MustCompile(`(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}`),
	},
	{
		id:      "private-key",
		pattern: regexp.MustCompile(`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY-----`),
	},
	{
		id:      "database-url",
		pattern: regexp.MustCompile(`(?i)(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^:\s]+:([^@\s]+)@`),
		group:   1,
	},
}
