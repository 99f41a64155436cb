package policy

import (
	"time"
)

// BuiltinPolicies returns fresh copies of the policies shipped with
// stevedore.
func BuiltinPolicies() []Policy {
	return []Policy{
		insecureDownloadPolicy(),
		unpinnedRootPolicy(),
		remotePasswordAuthPolicy(),
	}
}

// insecureDownloadPolicy flags artifacts fetched over plain HTTP. Without
// a checksum nothing vouches for the content, so the request is denied.
func insecureDownloadPolicy() Policy {
	return Policy{
		Name:        "insecure-download",
		Description: "Artifacts must be downloaded over HTTPS or pinned by checksum",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"supply-chain"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stevedore.policies.download

import rego.v1

deny contains violation if {
	some pkg in input.packages
	startswith(lower(pkg.download_url), "http://")
	pkg.checksum == ""
	violation := {
		"message": sprintf("%s %s is downloaded over plain HTTP without a checksum: %s", [pkg.plugin_id, pkg.version, pkg.download_url]),
		"severity": "error",
		"package": pkg.plugin_id,
	}
}

deny contains violation if {
	some pkg in input.packages
	startswith(lower(pkg.download_url), "http://")
	pkg.checksum != ""
	violation := {
		"message": sprintf("%s %s is downloaded over plain HTTP: %s", [pkg.plugin_id, pkg.version, pkg.download_url]),
		"severity": "warning",
		"package": pkg.plugin_id,
	}
}
`,
	}
}

// unpinnedRootPolicy warns when the operator installs whatever is latest.
func unpinnedRootPolicy() Policy {
	return Policy{
		Name:        "unpinned-root",
		Description: "Top-level installs should name a version",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"versioning"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stevedore.policies.pinning

import rego.v1

deny contains violation if {
	input.request.constraint == ""
	violation := {
		"message": sprintf("%s was requested without a version and resolved to %s", [input.request.plugin_id, input.request.version]),
		"severity": "warning",
		"package": input.request.plugin_id,
	}
}

deny contains violation if {
	input.request.constraint == "*"
	violation := {
		"message": sprintf("%s was requested with a wildcard constraint and resolved to %s", [input.request.plugin_id, input.request.version]),
		"severity": "warning",
		"package": input.request.plugin_id,
	}
}
`,
	}
}

// remotePasswordAuthPolicy warns about SSH targets that log in with a password.
func remotePasswordAuthPolicy() Policy {
	return Policy{
		Name:        "remote-password-auth",
		Description: "SSH nodes should authenticate with keys",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"security", "ssh"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stevedore.policies.ssh

import rego.v1

deny contains violation if {
	input.node.type == "ssh"
	input.node.auth_type == "password"
	violation := {
		"message": sprintf("node %s (%s@%s) uses password authentication", [input.node.id, input.node.user, input.node.host]),
		"severity": "warning",
	}
}
`,
	}
}
