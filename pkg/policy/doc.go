// Package policy provides Open Policy Agent (OPA) admission control for
// stevedore installs.
//
// Before anything is downloaded, the orchestrator hands the resolved
// dependency chain to an engine.Admission. Admission converts it into an
// InstallInput document and evaluates every enabled Rego policy against it.
//
// # Architecture
//
//  1. Engine - compiles policies and evaluates their deny sets
//  2. Admission - adapts Engine to engine.Admission and reports violations
//  3. Loader - reads .rego, .json and .yaml policy files and watches them
//  4. Built-in policies - insecure-download, unpinned-root, remote-password-auth
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/stevedore/policies"}); err != nil {
//	    return err
//	}
//	admission := policy.NewAdmission(pe, store, logger).WithReporter(tel.Events)
//	orch := engine.NewOrchestrator(engine.OrchestratorConfig{Admission: admission, ...})
//
// # Writing policies
//
// A policy is a Rego module defining a "deny" set. Members are either a
// message string or an object:
//
//	package stevedore.policies.registry
//
//	import rego.v1
//
//	# severity: error
//	deny contains violation if {
//	    some pkg in input.packages
//	    not startswith(pkg.download_url, "https://artifacts.example.com/")
//	    violation := {"message": sprintf("%s comes from an unapproved registry", [pkg.plugin_id]), "package": pkg.plugin_id}
//	}
//
// The input document has the fields request (plugin_id, constraint,
// version, operation), packages (plugin_id, version, type, download_url,
// checksum, root), node (id, type, host, user, auth_type; absent for local
// installs) and context (operator, environment, timestamp, dry_run).
// Values set with Engine.SetData are available as data.config.
//
// Violations with severity "error" or "critical" deny the install; all
// others are reported as warnings on the operation's output.
//
// # Hot reload
//
//	loader := policy.NewLoader(logger)
//	err := loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return pe.ApplyPolicies(ctx, p)
//	})
package policy
